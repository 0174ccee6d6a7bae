package launch

import (
	"context"

	"github.com/msageha/launchanalyzer/internal/autoanalysis"
	"github.com/msageha/launchanalyzer/internal/model"
	"github.com/msageha/launchanalyzer/internal/worker"
)

type AutoAnalyzer interface {
	RunAsync(ctx context.Context, req autoanalysis.Request) (*worker.Handle, error)
}

type PatternAnalyzer interface {
	AnalyzeTestItems(ctx context.Context, launch model.Launch, modes []model.AnalyzeMode) (*worker.Handle, error)
}

// AutoAnalysisSubscriber starts an automatic TO_INVESTIGATE run. The
// project's isAutoAnalyzerEnabled switch is enforced by the analyzer.
type AutoAnalysisSubscriber struct {
	Analyzer AutoAnalyzer
}

func (AutoAnalysisSubscriber) Name() string { return "auto-analysis" }

func (s AutoAnalysisSubscriber) LaunchFinished(ctx context.Context, f Finished) (*worker.Handle, error) {
	return s.Analyzer.RunAsync(ctx, autoanalysis.Request{
		Launch:    f.Launch,
		Modes:     []model.AnalyzeMode{model.ModeToInvestigate},
		Config:    f.Settings,
		UserID:    f.UserID,
		Automatic: true,
	})
}

// PatternSubscriber runs pattern analysis over TO_INVESTIGATE items when the
// project enables it.
type PatternSubscriber struct {
	Analyzer PatternAnalyzer
}

func (PatternSubscriber) Name() string { return "pattern-analysis" }

func (s PatternSubscriber) LaunchFinished(ctx context.Context, f Finished) (*worker.Handle, error) {
	if !f.Settings.PatternAnalysisEnabled {
		return nil, nil
	}
	return s.Analyzer.AnalyzeTestItems(ctx, f.Launch, []model.AnalyzeMode{model.ModeToInvestigate})
}
