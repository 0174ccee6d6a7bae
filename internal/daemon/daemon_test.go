package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/launchanalyzer/internal/analyzer"
	"github.com/msageha/launchanalyzer/internal/analyzer/analyzertest"
	"github.com/msageha/launchanalyzer/internal/lock"
	"github.com/msageha/launchanalyzer/internal/model"
)

func testConfig() model.Config {
	return model.Config{
		HTTP:     model.HTTPConfig{Addr: "127.0.0.1:0"},
		Store:    model.StoreConfig{Path: "data/analyzer.db"},
		Daemon:   model.DaemonConfig{LockPath: "data/analyzerd.lock", ShutdownTimeoutSec: 5},
		Projects: model.ProjectsConfig{SettingsPath: "projects.yaml"},
		Events:   model.EventsConfig{AuditLogPath: "events/audit.jsonl"},
		Analyzer: model.AnalyzerConfig{SubjectPrefix: "analyzer", DiscoveryWindowMs: 200, RequestTimeoutSec: 2},
		Logging:  model.LoggingConfig{Level: "debug"},
	}
}

type testDaemon struct {
	*Daemon
	base string
}

func startDaemon(t *testing.T, projectsYAML string) (*testDaemon, *analyzertest.Fake) {
	t.Helper()
	srv, nc := analyzertest.RunServer(t)
	svcConn := analyzertest.Connect(t, srv)

	fake := analyzertest.Start(t, svcConn, "analyzer", &analyzertest.Fake{
		Name: "ml", Key: "ml", Priority: analyzertest.Priority(1), Index: true,
		Handlers: map[model.Route]analyzertest.Handler{
			model.RouteAnalyze: analyzertest.Claim(model.IssueProductBug, 1),
			model.RouteIndex:   analyzertest.Reply(model.IndexRs{Took: 2}),
			model.RouteClean:   analyzertest.Reply(model.CleanIndexRs{Deleted: 1}),
		},
	})

	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "projects.yaml"), []byte(projectsYAML), 0644))

	d := newDaemon(base, testConfig(), io.Discard, nil)
	d.SetConn(nc)
	require.NoError(t, d.Start())
	t.Cleanup(d.Shutdown)
	return &testDaemon{Daemon: d, base: base}, fake
}

func (d *testDaemon) do(t *testing.T, method, path string, body any) (int, analyzer.Response) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, "http://"+d.HTTPAddr()+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env analyzer.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

const launchBody = `{
  "launch": {"id": 42, "projectId": 9, "name": "nightly", "status": "FAILED"},
  "items": [
    {"id": 1, "name": "login", "status": "FAILED", "issueType": "ti001"},
    {"id": 2, "name": "checkout", "status": "FAILED", "issueType": "ti001"},
    {"id": 3, "name": "search", "status": "FAILED", "issueType": "ti001"}
  ],
  "logs": [
    {"id": 11, "itemId": 1, "level": 40000, "message": "timeout waiting for page"},
    {"id": 12, "itemId": 2, "level": 40000, "message": "java.lang.NullPointerException at Cart.total"},
    {"id": 13, "itemId": 3, "level": 40000, "message": "element not found"}
  ]
}`

func ingest(t *testing.T, d *testDaemon) {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(launchBody), &body))
	code, env := d.do(t, http.MethodPost, "/v1/launches", body)
	require.Equal(t, http.StatusCreated, code, "ingest: %+v", env.Error)
}

func TestDaemon_LaunchFinishedEndToEnd(t *testing.T) {
	d, fake := startDaemon(t, "projects:\n  9:\n    analyzer.pattern.enabled: true\n")
	ingest(t, d)

	forwarded, err := d.nc.SubscribeSync("events.issue_changed")
	require.NoError(t, err)
	require.NoError(t, d.nc.Flush())

	code, env := d.do(t, http.MethodPost, "/v1/projects/9/templates",
		map[string]any{"name": "npe", "type": "REGEX", "value": "NullPointerException", "enabled": true})
	require.Equal(t, http.StatusCreated, code, "create template: %+v", env.Error)

	code, env = d.do(t, http.MethodPost, "/v1/launches/42/finished", map[string]any{"userId": 5})
	require.Equal(t, http.StatusAccepted, code, "finished: %+v", env.Error)
	var sched struct {
		Scheduled []string `json:"scheduled"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sched))
	assert.Len(t, sched.Scheduled, 2)

	ctx := context.Background()
	assert.Eventually(t, func() bool {
		items, err := d.store.GetItems(ctx, []int64{1})
		return err == nil && len(items) == 1 && items[0].IssueType == model.IssueProductBug
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return d.cache.Len() == 0 }, 5*time.Second, 20*time.Millisecond)

	code, env = d.do(t, http.MethodGet, "/v1/launches/42/matches", nil)
	require.Equal(t, http.StatusOK, code)
	var matches []model.PatternTemplateTestItem
	require.NoError(t, json.Unmarshal(env.Data, &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, int64(2), matches[0].TestItemID)

	msg, err := forwarded.NextMsg(3 * time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(msg.Data), `"launch_id":42`)

	assert.GreaterOrEqual(t, fake.Calls(model.RouteAnalyze), 1)
}

func TestDaemon_AutoAnalysisDisabledSkipsAnalyzers(t *testing.T) {
	d, fake := startDaemon(t, "projects:\n  9:\n    analyzer.isAutoAnalyzerEnabled: false\n")
	ingest(t, d)

	code, env := d.do(t, http.MethodPost, "/v1/launches/42/finished", nil)
	require.Equal(t, http.StatusAccepted, code, "finished: %+v", env.Error)
	assert.JSONEq(t, `{"scheduled":[]}`, string(env.Data))
	assert.Equal(t, 0, fake.Calls(model.RouteAnalyze))
}

func TestDaemon_ManualAnalyzeRunsEvenWhenAutoDisabled(t *testing.T) {
	d, _ := startDaemon(t, "projects:\n  9:\n    analyzer.isAutoAnalyzerEnabled: false\n")
	ingest(t, d)

	code, env := d.do(t, http.MethodPost, "/v1/launches/42/analyze", map[string]any{"itemIds": []int64{1, 3}})
	require.Equal(t, http.StatusAccepted, code, "analyze: %+v", env.Error)

	ctx := context.Background()
	assert.Eventually(t, func() bool {
		items, err := d.store.GetItems(ctx, []int64{1})
		return err == nil && len(items) == 1 && items[0].IssueType == model.IssueProductBug
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemon_ErrorEnvelopes(t *testing.T) {
	d, _ := startDaemon(t, "")
	ingest(t, d)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad regex", http.MethodPost, "/v1/projects/9/templates",
			map[string]any{"name": "bad", "type": "REGEX", "value": "([a-"}, http.StatusBadRequest, model.ErrCodeValidation},
		{"bad path id", http.MethodGet, "/v1/launches/abc/matches", nil, http.StatusBadRequest, model.ErrCodeValidation},
		{"unknown launch", http.MethodPost, "/v1/launches/404/analyze", nil, http.StatusNotFound, model.ErrCodeNotFound},
		{"unknown mode", http.MethodPost, "/v1/launches/42/patterns",
			map[string]any{"modes": []string{"SOMETIMES"}}, http.StatusBadRequest, model.ErrCodeValidation},
		{"no search analyzer", http.MethodPost, "/v1/projects/9/search",
			map[string]any{"logMessages": []string{"x"}}, http.StatusServiceUnavailable, model.ErrCodeUnavailable},
		{"ingest without project", http.MethodPost, "/v1/launches",
			map[string]any{"launch": map[string]any{"id": 1}}, http.StatusBadRequest, model.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := d.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestDaemon_DuplicateTemplateConflicts(t *testing.T) {
	d, _ := startDaemon(t, "")
	tmpl := map[string]any{"name": "Flaky", "type": "STRING", "value": "flaky"}

	code, _ := d.do(t, http.MethodPost, "/v1/projects/3/templates", tmpl)
	require.Equal(t, http.StatusCreated, code)

	tmpl["name"] = "flaky"
	code, env := d.do(t, http.MethodPost, "/v1/projects/3/templates", tmpl)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, model.ErrCodeDuplicate, env.Error.Code)

	code, env = d.do(t, http.MethodGet, "/v1/projects/3/templates", nil)
	require.Equal(t, http.StatusOK, code)
	var list []model.PatternTemplate
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)

	code, _ = d.do(t, http.MethodPut, fmt.Sprintf("/v1/projects/3/templates/%d/enabled", list[0].ID), map[string]bool{"enabled": false})
	assert.Equal(t, http.StatusOK, code)
	code, _ = d.do(t, http.MethodDelete, fmt.Sprintf("/v1/projects/3/templates/%d", list[0].ID), nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestDaemon_OpsEndpoints(t *testing.T) {
	d, _ := startDaemon(t, "")
	ingest(t, d)

	code, env := d.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)

	code, env = d.do(t, http.MethodGet, "/v1/analyzers", nil)
	require.Equal(t, http.StatusOK, code)
	var chs []model.AnalyzerChannel
	require.NoError(t, json.Unmarshal(env.Data, &chs))
	require.Len(t, chs, 1)
	assert.Equal(t, "ml", chs[0].Key)

	code, env = d.do(t, http.MethodGet, "/v1/status", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(env.Data))

	code, env = d.do(t, http.MethodPost, "/v1/projects/9/index", map[string]any{"launchIds": []int64{42}})
	require.Equal(t, http.StatusOK, code, "index: %+v", env.Error)
	assert.JSONEq(t, `{"took":2}`, string(env.Data))

	resp, err := http.Get("http://" + d.HTTPAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "launchanalyzer_analyzer_calls_total"))
	assert.True(t, strings.Contains(string(data), "launchanalyzer_status_entries"))
}

func TestDaemon_SingleInstance(t *testing.T) {
	d, _ := startDaemon(t, "")

	other := newDaemon(d.base, testConfig(), io.Discard, nil)
	err := other.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrLocked)
}

func TestDaemon_ShutdownIdempotent(t *testing.T) {
	d, _ := startDaemon(t, "")
	d.Shutdown()
	d.Shutdown()

	_, err := os.Stat(filepath.Join(d.base, "data", "analyzerd.lock"))
	assert.True(t, os.IsNotExist(err), "lock file removed on shutdown")
}

func TestResolve(t *testing.T) {
	assert.Equal(t, "/base/data/x.db", resolve("/base", "data/x.db"))
	assert.Equal(t, "/abs/x.db", resolve("/base", "/abs/x.db"))
	assert.Equal(t, ":memory:", resolve("/base", ":memory:"))
	assert.Equal(t, "rel.db", resolve("", "rel.db"))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, httpStatus(model.ErrorCode(fmt.Errorf("x: %w", model.ErrAnalysisInProgress))))
	assert.Equal(t, http.StatusUnprocessableEntity, httpStatus(model.ErrorCode(model.ErrNoConditionProvider)))
	assert.Equal(t, http.StatusServiceUnavailable, httpStatus(model.ErrorCode(model.ErrCapacity)))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(model.ErrorCode(fmt.Errorf("boom"))))
}
