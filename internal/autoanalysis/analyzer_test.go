package autoanalysis

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/launchanalyzer/internal/events"
	"github.com/msageha/launchanalyzer/internal/indexer"
	"github.com/msageha/launchanalyzer/internal/model"
	"github.com/msageha/launchanalyzer/internal/status"
	"github.com/msageha/launchanalyzer/internal/store"
	"github.com/msageha/launchanalyzer/internal/worker"
)

type fakeAnalyzers struct {
	mu       sync.Mutex
	present  bool
	results  map[string][]model.AnalyzedItemRs
	requests []model.IndexLaunchRequest
	block    chan struct{}
	panicMsg string
}

func (f *fakeAnalyzers) HasClients(context.Context) bool { return f.present }

func (f *fakeAnalyzers) Analyze(_ context.Context, rq model.IndexLaunchRequest) map[string][]model.AnalyzedItemRs {
	if f.block != nil {
		<-f.block
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, rq)
	return f.results
}

type fakeIndexClient struct {
	mu      sync.Mutex
	indexed []int64
	cleaned []int64
}

func (f *fakeIndexClient) Index(_ context.Context, rqs []model.IndexLaunchRequest) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rq := range rqs {
		f.indexed = append(f.indexed, rq.ItemIDs()...)
	}
	return 1
}

func (f *fakeIndexClient) CleanIndex(_ context.Context, _ int64, ids []int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, ids...)
	return int64(len(ids))
}

func (f *fakeIndexClient) DeleteIndex(context.Context, int64) {}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) ofType(t events.EventType) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	analyzer *Analyzer
	client   *fakeAnalyzers
	index    *fakeIndexClient
	cache    *status.Cache
	store    *store.Store
	bus      *recordingBus
	launch   model.Launch
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "aa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	launch, err := s.SaveLaunch(ctx, model.Launch{ID: 1, ProjectID: 3, Name: "smoke", Status: model.LaunchFailed})
	require.NoError(t, err)
	require.NoError(t, s.SaveItems(ctx, []model.TestItem{
		{ID: 1, LaunchID: 1, Name: "a", Status: model.ItemFailed, IssueType: model.IssueToInvestigate},
		{ID: 2, LaunchID: 1, Name: "b", Status: model.ItemFailed, IssueType: model.IssueToInvestigate},
		{ID: 3, LaunchID: 1, Name: "c", Status: model.ItemFailed, IssueType: model.IssueToInvestigate},
		{ID: 4, LaunchID: 1, Name: "d", Status: model.ItemFailed, IssueType: model.IssueProductBug, AutoAnalyzed: true},
		{ID: 5, LaunchID: 1, Name: "e", Status: model.ItemFailed, IssueType: model.IssueSystemIssue},
	}))
	var logs []model.LogEntry
	for i := int64(1); i <= 5; i++ {
		logs = append(logs, model.LogEntry{ID: i * 10, ItemID: i, Level: model.LogLevelError, Message: "failure"})
	}
	require.NoError(t, s.SaveLogs(ctx, logs))

	fc := &fakeAnalyzers{present: true}
	ic := &fakeIndexClient{}
	cache := status.New(100, time.Hour)
	pool := worker.NewPool(2, nil)
	t.Cleanup(func() { pool.Shutdown(context.Background()) })

	a := New(fc, cache, indexer.New(ic, s, nil), s, pool, nil)
	bus := &recordingBus{}
	a.SetEventBus(bus)

	return &fixture{analyzer: a, client: fc, index: ic, cache: cache, store: s, bus: bus, launch: launch}
}

func (f *fixture) request() Request {
	return Request{
		Launch: f.launch,
		Modes:  []model.AnalyzeMode{model.ModeToInvestigate},
		Config: model.AnalyzerSettings{IsAutoAnalyzerEnabled: true, NumberOfLogLines: -1},
	}
}

func TestRun_AppliesClassifications(t *testing.T) {
	f := newFixture(t)
	f.client.results = map[string][]model.AnalyzedItemRs{
		"ml":       {{ItemID: 1, IssueType: model.IssueProductBug, RelevantItemID: 900}},
		"fallback": {{ItemID: 2, IssueType: model.IssueAutomationBug}},
	}

	res, err := f.analyzer.Run(context.Background(), f.request())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Collected)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, 2, res.Classified)

	items, err := f.store.GetItems(context.Background(), []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, model.IssueProductBug, items[0].IssueType)
	assert.True(t, items[0].AutoAnalyzed)
	assert.Equal(t, model.IssueAutomationBug, items[1].IssueType)
	assert.Equal(t, model.IssueToInvestigate, items[2].IssueType)

	changed := f.bus.ofType(events.EventIssueChanged)
	require.Len(t, changed, 2)
	assert.Equal(t, "fallback", changed[0].Data["analyzer"])
	assert.Equal(t, "ml", changed[1].Data["analyzer"])
	assert.Equal(t, int64(900), changed[1].Data["relevant_item_id"])
	assert.Len(t, f.bus.ofType(events.EventAnalysisCompleted), 1)

	// Pre and post indexing both ran.
	assert.Equal(t, []int64{1, 2, 3, 1, 2, 3}, f.index.indexed)
	assert.False(t, f.cache.IsAnalyzing(model.AutoAnalyzerKey, 1))
}

func TestRun_GuardRejectsSecondRun(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cache.MarkStarted(model.AutoAnalyzerKey, 1, 3))

	_, err := f.analyzer.Run(context.Background(), f.request())
	assert.ErrorIs(t, err, model.ErrAnalysisInProgress)
	assert.True(t, IsRejection(err))
	assert.Empty(t, f.client.requests)
	// The foreign marker is left alone.
	assert.True(t, f.cache.IsAnalyzing(model.AutoAnalyzerKey, 1))
}

func TestRun_DisabledAndUnavailable(t *testing.T) {
	f := newFixture(t)

	req := f.request()
	req.Automatic = true
	req.Config.IsAutoAnalyzerEnabled = false
	_, err := f.analyzer.Run(context.Background(), req)
	assert.ErrorIs(t, err, model.ErrAnalysisDisabled)

	// Manual runs ignore the switch.
	req.Automatic = false
	_, err = f.analyzer.Run(context.Background(), req)
	assert.NoError(t, err)

	f.client.present = false
	_, err = f.analyzer.Run(context.Background(), f.request())
	assert.ErrorIs(t, err, model.ErrAnalyzersUnavailable)
	assert.False(t, f.cache.IsAnalyzing(model.AutoAnalyzerKey, 1))
}

func TestRun_ExplicitItemIDsBypassCollectors(t *testing.T) {
	f := newFixture(t)
	req := f.request()
	req.ItemIDs = []int64{5, 4, 5}

	res, err := f.analyzer.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Collected)
	require.Len(t, f.client.requests, 1)
	assert.Equal(t, []int64{4, 5}, f.client.requests[0].ItemIDs())
}

func TestRun_AutoAnalyzedModeResetsAndCleans(t *testing.T) {
	f := newFixture(t)
	req := f.request()
	req.Modes = []model.AnalyzeMode{model.ModeAutoAnalyzed}

	res, err := f.analyzer.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Collected)
	assert.Equal(t, []int64{4}, f.index.cleaned)

	items, err := f.store.GetItems(context.Background(), []int64{4})
	require.NoError(t, err)
	assert.Equal(t, model.IssueToInvestigate, items[0].IssueType)
	assert.False(t, items[0].AutoAnalyzed)
}

func TestRun_UnknownModeFails(t *testing.T) {
	f := newFixture(t)
	req := f.request()
	req.Modes = []model.AnalyzeMode{"BOGUS"}

	_, err := f.analyzer.Run(context.Background(), req)
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Len(t, f.bus.ofType(events.EventAnalysisFailed), 1)
	assert.False(t, f.cache.IsAnalyzing(model.AutoAnalyzerKey, 1))
}

func TestRun_PanicStillClearsGuard(t *testing.T) {
	f := newFixture(t)
	f.client.panicMsg = "analyzer exploded"

	_, err := f.analyzer.Run(context.Background(), f.request())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analyzer exploded")
	assert.False(t, f.cache.IsAnalyzing(model.AutoAnalyzerKey, 1))
}

func TestRun_InvalidVerdictIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.client.results = map[string][]model.AnalyzedItemRs{
		"ml": {{ItemID: 1, IssueType: "zz_bogus"}, {ItemID: 2, IssueType: model.IssueNoDefect}},
	}

	res, err := f.analyzer.Run(context.Background(), f.request())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Classified)
}

func TestRunAsync_GuardHeldUntilDone(t *testing.T) {
	f := newFixture(t)
	f.client.block = make(chan struct{})

	h, err := f.analyzer.RunAsync(context.Background(), f.request())
	require.NoError(t, err)
	assert.True(t, f.cache.IsAnalyzing(model.AutoAnalyzerKey, 1))

	_, err = f.analyzer.RunAsync(context.Background(), f.request())
	assert.ErrorIs(t, err, model.ErrAnalysisInProgress)

	close(f.client.block)
	require.NoError(t, h.Wait(context.Background()))
	assert.False(t, f.cache.IsAnalyzing(model.AutoAnalyzerKey, 1))
}

func TestRun_ConcurrentCallersOnlyOneRuns(t *testing.T) {
	f := newFixture(t)
	f.client.block = make(chan struct{})

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := f.analyzer.Run(context.Background(), f.request())
			errs <- err
		}()
	}
	// The guard holder blocks inside Analyze, so the first four answers
	// are the rejected callers.
	var ok, rejected int
	for i := 0; i < 4; i++ {
		if errors.Is(<-errs, model.ErrAnalysisInProgress) {
			rejected++
		}
	}
	close(f.client.block)
	if err := <-errs; err == nil {
		ok++
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 4, rejected)
}
