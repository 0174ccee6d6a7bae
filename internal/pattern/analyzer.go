// Package pattern matches test items of a finished launch against the
// project's pattern templates.
package pattern

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/launchanalyzer/internal/events"
	"github.com/msageha/launchanalyzer/internal/logging"
	"github.com/msageha/launchanalyzer/internal/model"
	"github.com/msageha/launchanalyzer/internal/worker"
)

const DefaultBatchSize = 100

// Repository is the persistence used by a pattern run.
type Repository interface {
	LogSource
	ListTemplates(ctx context.Context, projectID int64, enabledOnly bool) ([]model.PatternTemplate, error)
	FindIDsByFilter(ctx context.Context, launchID int64, f model.ItemFilter, limit, offset int) ([]int64, error)
	SaveBatch(ctx context.Context, rows []model.PatternTemplateTestItem) error
}

type Guard interface {
	MarkStarted(analyzerKey string, launchID, projectID int64) error
	MarkFinished(analyzerKey string, launchID int64)
}

// Recorder receives run outcomes (metrics).
type Recorder interface {
	RunFinished(analyzerKey, result string)
	PatternMatched(t model.TemplateType, n int)
}

// Result summarises one run.
type Result struct {
	Templates int
	Failed    int
	Matches   int
}

type Analyzer struct {
	repo      Repository
	guard     Guard
	pool      *worker.Pool
	providers []ConditionProvider
	selectors map[model.TemplateType]Selector
	batchSize int
	bus       events.Publisher
	recorder  Recorder
	logger    *logging.Logger
}

func New(repo Repository, guard Guard, pool *worker.Pool, batchSize int, logger *logging.Logger) *Analyzer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Analyzer{
		repo:      repo,
		guard:     guard,
		pool:      pool,
		providers: DefaultProviders(),
		selectors: NewSelectors(repo),
		batchSize: batchSize,
		logger:    logger.WithComponent("pattern"),
	}
}

func (a *Analyzer) SetEventBus(p events.Publisher) {
	a.bus = p
}

func (a *Analyzer) SetRecorder(r Recorder) {
	a.recorder = r
}

// SetProviders replaces the condition-provider chain.
func (a *Analyzer) SetProviders(p []ConditionProvider) {
	a.providers = p
}

// AnalyzeTestItems acquires the pattern guard for the launch and schedules
// the run on the worker pool. The returned handle may be ignored.
func (a *Analyzer) AnalyzeTestItems(ctx context.Context, launch model.Launch, modes []model.AnalyzeMode) (*worker.Handle, error) {
	if err := a.guard.MarkStarted(model.PatternAnalyzerKey, launch.ID, launch.ProjectID); err != nil {
		if a.recorder != nil {
			a.recorder.RunFinished(model.PatternAnalyzerKey, "rejected")
		}
		return nil, err
	}

	filter, err := resolveCondition(a.providers, modes)
	if err != nil {
		a.guard.MarkFinished(model.PatternAnalyzerKey, launch.ID)
		a.report(launch, Result{}, err)
		return nil, err
	}

	h, err := a.pool.Submit(fmt.Sprintf("pattern-analysis launch=%d", launch.ID), func(ctx context.Context) error {
		_, err := a.run(ctx, launch, filter)
		return err
	})
	if err != nil {
		a.guard.MarkFinished(model.PatternAnalyzerKey, launch.ID)
		return nil, fmt.Errorf("schedule pattern analysis: %w", err)
	}
	return h, nil
}

func (a *Analyzer) run(ctx context.Context, launch model.Launch, base model.ItemFilter) (res Result, err error) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pattern analysis launch %d panicked: %v", launch.ID, r)
		}
		a.guard.MarkFinished(model.PatternAnalyzerKey, launch.ID)
		a.logger.Infof("launch=%d templates=%d failed=%d matches=%d elapsed=%s",
			launch.ID, res.Templates, res.Failed, res.Matches, time.Since(started).Round(time.Millisecond))
		a.report(launch, res, err)
	}()

	templates, err := a.repo.ListTemplates(ctx, launch.ProjectID, true)
	if err != nil {
		return res, fmt.Errorf("load templates of project %d: %w", launch.ProjectID, err)
	}
	res.Templates = len(templates)

	for _, tmpl := range templates {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		n, err := a.analyzeTemplate(ctx, launch, base, tmpl)
		res.Matches += n
		if err != nil {
			res.Failed++
			a.logger.Errorf("launch=%d template=%q failed after matches=%d err=%v", launch.ID, tmpl.Name, n, err)
		}
	}
	return res, nil
}

// analyzeTemplate pages through the not-yet-matched candidates. Matched
// items drop out of the filter, so the next page starts after the items
// that stayed unmatched.
func (a *Analyzer) analyzeTemplate(ctx context.Context, launch model.Launch, base model.ItemFilter, tmpl model.PatternTemplate) (int, error) {
	sel, ok := a.selectors[tmpl.Type]
	if !ok {
		return 0, fmt.Errorf("%w: no selector for type %q", model.ErrInvalidTemplate, tmpl.Type)
	}
	filter := model.ItemFilter{Any: base.Any, ExcludeTemplate: tmpl.Name}

	total, offset := 0, 0
	for {
		ids, err := a.repo.FindIDsByFilter(ctx, launch.ID, filter, a.batchSize, offset)
		if err != nil {
			return total, fmt.Errorf("load page offset=%d: %w", offset, err)
		}
		if len(ids) == 0 {
			return total, nil
		}

		matched, err := sel.Select(ctx, tmpl, ids)
		if err != nil {
			return total, err
		}
		if len(matched) > 0 {
			rows := make([]model.PatternTemplateTestItem, 0, len(matched))
			for _, id := range matched {
				rows = append(rows, model.PatternTemplateTestItem{PatternTemplateID: tmpl.ID, TestItemID: id})
			}
			if err := a.repo.SaveBatch(ctx, rows); err != nil {
				return total, fmt.Errorf("save matches: %w", err)
			}
			for _, id := range matched {
				a.publish(events.Event{
					Type:      events.EventPatternMatched,
					LaunchID:  launch.ID,
					ProjectID: launch.ProjectID,
					Data: map[string]interface{}{
						"item_id":       id,
						"template_id":   tmpl.ID,
						"template_name": tmpl.Name,
						"template_type": string(tmpl.Type),
					},
				})
			}
			if a.recorder != nil {
				a.recorder.PatternMatched(tmpl.Type, len(matched))
			}
			total += len(matched)
		}
		offset += len(ids) - len(matched)
	}
}

func (a *Analyzer) report(launch model.Launch, res Result, err error) {
	data := map[string]interface{}{
		"analyzer":  model.PatternAnalyzerKey,
		"templates": res.Templates,
		"failed":    res.Failed,
		"matches":   res.Matches,
	}
	result, typ := "completed", events.EventAnalysisCompleted
	if err != nil {
		result, typ = "failed", events.EventAnalysisFailed
		data["error"] = err.Error()
	}
	if a.recorder != nil {
		a.recorder.RunFinished(model.PatternAnalyzerKey, result)
	}
	a.publish(events.Event{Type: typ, LaunchID: launch.ID, ProjectID: launch.ProjectID, Data: data})
}

func (a *Analyzer) publish(e events.Event) {
	if a.bus != nil {
		a.bus.Publish(e)
	}
}
