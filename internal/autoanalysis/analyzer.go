// Package autoanalysis drives the per-launch auto-analysis workflow.
package autoanalysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/msageha/launchanalyzer/internal/events"
	"github.com/msageha/launchanalyzer/internal/logging"
	"github.com/msageha/launchanalyzer/internal/model"
	"github.com/msageha/launchanalyzer/internal/worker"
)

// AnalyzerClient is the part of the analyzer RPC client used here.
type AnalyzerClient interface {
	HasClients(ctx context.Context) bool
	Analyze(ctx context.Context, rq model.IndexLaunchRequest) map[string][]model.AnalyzedItemRs
}

// Guard is the concurrency status cache.
type Guard interface {
	MarkStarted(analyzerKey string, launchID, projectID int64) error
	MarkFinished(analyzerKey string, launchID int64)
}

type Indexer interface {
	BuildRequest(ctx context.Context, launch model.Launch, items []model.TestItem, cfg model.AnalyzerSettings) (model.IndexLaunchRequest, error)
	IndexItems(ctx context.Context, launch model.Launch, itemIDs []int64, cfg model.AnalyzerSettings) (int64, error)
	CleanIndex(ctx context.Context, projectID int64, itemIDs []int64) int64
}

type Repository interface {
	FindItemIDs(ctx context.Context, launchID int64, f model.ItemFilter) ([]int64, error)
	GetItems(ctx context.Context, ids []int64) ([]model.TestItem, error)
	UpdateIssue(ctx context.Context, itemID int64, issueType string, autoAnalyzed bool) error
	ResetIssues(ctx context.Context, itemIDs []int64) error
}

// Recorder receives run outcomes (metrics).
type Recorder interface {
	RunFinished(analyzerKey, result string)
	ItemsClassified(channel string, n int)
}

// Request describes one analysis run.
type Request struct {
	Launch model.Launch
	Modes  []model.AnalyzeMode
	// ItemIDs bypasses the collectors when set.
	ItemIDs []int64
	Config  model.AnalyzerSettings
	UserID  int64
	// Automatic runs honour the project's isAutoAnalyzerEnabled switch.
	Automatic bool
}

// Result summarises a finished run.
type Result struct {
	LaunchID   int64
	Collected  int
	Sent       int
	Classified int
	Elapsed    time.Duration
}

type Analyzer struct {
	client     AnalyzerClient
	guard      Guard
	index      Indexer
	repo       Repository
	pool       *worker.Pool
	bus        events.Publisher
	recorder   Recorder
	collectors map[model.AnalyzeMode]Collector
	logger     *logging.Logger
}

func New(client AnalyzerClient, guard Guard, index Indexer, repo Repository, pool *worker.Pool, logger *logging.Logger) *Analyzer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Analyzer{
		client:     client,
		guard:      guard,
		index:      index,
		repo:       repo,
		pool:       pool,
		collectors: defaultCollectors(repo, index),
		logger:     logger.WithComponent("autoanalysis"),
	}
}

// SetEventBus sets the publisher for issue and run events.
func (a *Analyzer) SetEventBus(p events.Publisher) {
	a.bus = p
}

func (a *Analyzer) SetRecorder(r Recorder) {
	a.recorder = r
}

// SetCollector replaces the collector of one mode.
func (a *Analyzer) SetCollector(mode model.AnalyzeMode, c Collector) {
	a.collectors[mode] = c
}

// Run analyzes a launch synchronously.
func (a *Analyzer) Run(ctx context.Context, req Request) (Result, error) {
	if err := a.start(ctx, req); err != nil {
		return Result{}, err
	}
	return a.finish(ctx, req)
}

// RunAsync acquires the guard, then runs the analysis on the worker pool.
// A rejected run returns an error and no handle.
func (a *Analyzer) RunAsync(ctx context.Context, req Request) (*worker.Handle, error) {
	if err := a.start(ctx, req); err != nil {
		return nil, err
	}
	h, err := a.pool.Submit(fmt.Sprintf("auto-analysis launch=%d", req.Launch.ID), func(ctx context.Context) error {
		_, err := a.finish(ctx, req)
		return err
	})
	if err != nil {
		a.guard.MarkFinished(model.AutoAnalyzerKey, req.Launch.ID)
		return nil, fmt.Errorf("schedule auto-analysis: %w", err)
	}
	return h, nil
}

func (a *Analyzer) start(ctx context.Context, req Request) error {
	if req.Automatic && !req.Config.IsAutoAnalyzerEnabled {
		return fmt.Errorf("launch %d: %w", req.Launch.ID, model.ErrAnalysisDisabled)
	}
	if !a.client.HasClients(ctx) {
		return fmt.Errorf("launch %d: %w", req.Launch.ID, model.ErrAnalyzersUnavailable)
	}
	if err := a.guard.MarkStarted(model.AutoAnalyzerKey, req.Launch.ID, req.Launch.ProjectID); err != nil {
		if a.recorder != nil {
			a.recorder.RunFinished(model.AutoAnalyzerKey, "rejected")
		}
		return err
	}
	return nil
}

// finish runs the body and always clears the guard, even on panic.
func (a *Analyzer) finish(ctx context.Context, req Request) (res Result, err error) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("auto-analysis launch %d panicked: %v", req.Launch.ID, r)
		}
		a.guard.MarkFinished(model.AutoAnalyzerKey, req.Launch.ID)
		res.Elapsed = time.Since(started)
		a.report(req, res, err)
	}()
	return a.run(ctx, req)
}

func (a *Analyzer) run(ctx context.Context, req Request) (Result, error) {
	launch := req.Launch
	res := Result{LaunchID: launch.ID}

	ids, err := a.collect(ctx, req)
	if err != nil {
		return res, err
	}
	res.Collected = len(ids)
	if len(ids) == 0 {
		a.logger.Infof("launch=%d nothing to analyze", launch.ID)
		return res, nil
	}

	if _, err := a.index.IndexItems(ctx, launch, ids, req.Config); err != nil {
		return res, fmt.Errorf("pre-index: %w", err)
	}

	items, err := a.repo.GetItems(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("load items: %w", err)
	}
	rq, err := a.index.BuildRequest(ctx, launch, items, req.Config)
	if err != nil {
		return res, err
	}
	res.Sent = len(rq.TestItems)
	if res.Sent == 0 {
		a.logger.Infof("launch=%d collected=%d no items with error logs", launch.ID, len(ids))
		return res, nil
	}

	results := a.client.Analyze(ctx, rq)
	res.Classified = a.apply(ctx, req, items, results)

	if _, err := a.index.IndexItems(ctx, launch, rq.ItemIDs(), req.Config); err != nil {
		return res, fmt.Errorf("post-index: %w", err)
	}
	return res, nil
}

func (a *Analyzer) collect(ctx context.Context, req Request) ([]int64, error) {
	if len(req.ItemIDs) > 0 {
		return dedupe(req.ItemIDs), nil
	}
	modes := req.Modes
	if len(modes) == 0 {
		modes = []model.AnalyzeMode{model.ModeToInvestigate}
	}
	var all []int64
	for _, mode := range modes {
		c, ok := a.collectors[mode]
		if !ok {
			return nil, fmt.Errorf("%w: no collector for mode %s", model.ErrValidation, mode)
		}
		ids, err := c.Collect(ctx, req.Launch)
		if err != nil {
			return nil, err
		}
		all = append(all, ids...)
	}
	return dedupe(all), nil
}

func (a *Analyzer) apply(ctx context.Context, req Request, items []model.TestItem, results map[string][]model.AnalyzedItemRs) int {
	previous := make(map[int64]string, len(items))
	for _, it := range items {
		previous[it.ID] = it.IssueType
	}

	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := 0
	for _, key := range keys {
		applied := 0
		for _, r := range results[key] {
			if err := a.repo.UpdateIssue(ctx, r.ItemID, r.IssueType, true); err != nil {
				a.logger.Warnf("launch=%d item=%d issue=%s apply failed err=%v", req.Launch.ID, r.ItemID, r.IssueType, err)
				continue
			}
			applied++
			a.publish(events.Event{
				Type:      events.EventIssueChanged,
				LaunchID:  req.Launch.ID,
				ProjectID: req.Launch.ProjectID,
				Data: map[string]interface{}{
					"item_id":             r.ItemID,
					"issue_type":          r.IssueType,
					"previous_issue_type": previous[r.ItemID],
					"relevant_item_id":    r.RelevantItemID,
					"analyzer":            key,
					"user_id":             req.UserID,
				},
			})
		}
		if a.recorder != nil && applied > 0 {
			a.recorder.ItemsClassified(key, applied)
		}
		total += applied
	}
	return total
}

func (a *Analyzer) report(req Request, res Result, err error) {
	data := map[string]interface{}{
		"analyzer":   model.AutoAnalyzerKey,
		"collected":  res.Collected,
		"sent":       res.Sent,
		"classified": res.Classified,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	}
	result := "completed"
	typ := events.EventAnalysisCompleted
	if err != nil {
		result = "failed"
		typ = events.EventAnalysisFailed
		data["error"] = err.Error()
		a.logger.Errorf("launch=%d auto-analysis failed err=%v", req.Launch.ID, err)
	} else {
		a.logger.Infof("launch=%d auto-analysis done collected=%d sent=%d classified=%d elapsed=%s",
			req.Launch.ID, res.Collected, res.Sent, res.Classified, res.Elapsed.Round(time.Millisecond))
	}
	if a.recorder != nil {
		a.recorder.RunFinished(model.AutoAnalyzerKey, result)
	}
	a.publish(events.Event{Type: typ, LaunchID: req.Launch.ID, ProjectID: req.Launch.ProjectID, Data: data})
}

func (a *Analyzer) publish(e events.Event) {
	if a.bus != nil {
		a.bus.Publish(e)
	}
}

// IsRejection reports whether err means the run never started.
func IsRejection(err error) bool {
	return errors.Is(err, model.ErrAnalysisInProgress) ||
		errors.Is(err, model.ErrCapacity) ||
		errors.Is(err, model.ErrAnalysisDisabled) ||
		errors.Is(err, model.ErrAnalyzersUnavailable)
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
