package autoanalysis

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/launchanalyzer/internal/analyzer"
	"github.com/msageha/launchanalyzer/internal/analyzer/analyzertest"
	"github.com/msageha/launchanalyzer/internal/events"
	"github.com/msageha/launchanalyzer/internal/indexer"
	"github.com/msageha/launchanalyzer/internal/model"
	"github.com/msageha/launchanalyzer/internal/status"
	"github.com/msageha/launchanalyzer/internal/store"
	"github.com/msageha/launchanalyzer/internal/worker"
)

// Two analyzers over the bus: the senior one classifies item 1, the junior
// one sees only items 2 and 3 and classifies item 2.
func TestEndToEnd_OverBroker(t *testing.T) {
	srv, nc := analyzertest.RunServer(t)
	svcConn := analyzertest.Connect(t, srv)

	senior := analyzertest.Start(t, svcConn, "analyzer", &analyzertest.Fake{
		Name: "senior", Key: "ml", Priority: analyzertest.Priority(1), Index: true,
		Handlers: map[model.Route]analyzertest.Handler{
			model.RouteAnalyze: analyzertest.Claim(model.IssueProductBug, 1),
			model.RouteIndex:   analyzertest.Reply(model.IndexRs{Took: 3}),
		},
	})
	junior := analyzertest.Start(t, svcConn, "analyzer", &analyzertest.Fake{
		Name: "junior", Key: "rules", Priority: analyzertest.Priority(2),
		Handlers: map[model.Route]analyzertest.Handler{
			model.RouteAnalyze: analyzertest.Claim(model.IssueAutomationBug, 2),
		},
	})

	s, err := store.Open(filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	launch, err := s.SaveLaunch(ctx, model.Launch{ID: 42, ProjectID: 9, Name: "e2e", Status: model.LaunchFailed})
	require.NoError(t, err)
	require.NoError(t, s.SaveItems(ctx, []model.TestItem{
		{ID: 1, LaunchID: 42, Name: "one", Status: model.ItemFailed, IssueType: model.IssueToInvestigate},
		{ID: 2, LaunchID: 42, Name: "two", Status: model.ItemFailed, IssueType: model.IssueToInvestigate},
		{ID: 3, LaunchID: 42, Name: "three", Status: model.ItemFailed, IssueType: model.IssueToInvestigate},
	}))
	require.NoError(t, s.SaveLogs(ctx, []model.LogEntry{
		{ID: 11, ItemID: 1, Level: model.LogLevelError, Message: "NPE"},
		{ID: 12, ItemID: 2, Level: model.LogLevelError, Message: "locator not found"},
		{ID: 13, ItemID: 3, Level: model.LogLevelError, Message: "???"},
	}))

	dir := analyzer.NewDirectory(nc, 200*time.Millisecond, nil)
	client := analyzer.NewClient(nc, dir, model.AnalyzerConfig{SubjectPrefix: "analyzer", RequestTimeoutSec: 2}, nil)
	cache := status.New(10, time.Hour)
	pool := worker.NewPool(1, nil)
	defer pool.Shutdown(ctx)

	bus := events.NewBus(16)
	defer bus.Close()
	changed := make(chan events.Event, 8)
	unsub := bus.Subscribe(events.EventIssueChanged, func(e events.Event) { changed <- e })
	defer unsub()

	a := New(client, cache, indexer.New(client, s, nil), s, pool, nil)
	a.SetEventBus(bus)

	h, err := a.RunAsync(ctx, Request{
		Launch: launch,
		Modes:  []model.AnalyzeMode{model.ModeToInvestigate},
		Config: model.AnalyzerSettingsFrom(nil),
	})
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	items, err := s.GetItems(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, model.IssueProductBug, items[0].IssueType)
	assert.Equal(t, model.IssueAutomationBug, items[1].IssueType)
	assert.Equal(t, model.IssueToInvestigate, items[2].IssueType)

	require.Len(t, junior.AnalyzeRequests(t), 1)
	assert.Equal(t, []int64{2, 3}, junior.AnalyzeRequests(t)[0].ItemIDs())
	// Pre and post index on the index-capable analyzer only.
	assert.Equal(t, 2, senior.Calls(model.RouteIndex))
	assert.Equal(t, 0, junior.Calls(model.RouteIndex))

	for i := 0; i < 2; i++ {
		select {
		case <-changed:
		case <-time.After(2 * time.Second):
			t.Fatal("missing issue_changed event")
		}
	}
	assert.False(t, cache.IsAnalyzing(model.AutoAnalyzerKey, 42))
}
