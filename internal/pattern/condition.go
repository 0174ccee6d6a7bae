package pattern

import (
	"fmt"

	"github.com/msageha/launchanalyzer/internal/model"
)

// ConditionProvider contributes the item predicate for the modes it
// understands.
type ConditionProvider interface {
	Provide(modes []model.AnalyzeMode) (model.ItemPredicate, bool)
}

// modeProvider answers for exactly one analyze mode.
type modeProvider struct {
	mode      model.AnalyzeMode
	predicate model.ItemPredicate
}

func (p modeProvider) Provide(modes []model.AnalyzeMode) (model.ItemPredicate, bool) {
	for _, m := range modes {
		if m == p.mode {
			return p.predicate, true
		}
	}
	return "", false
}

// DefaultProviders returns one provider per known analyze mode.
func DefaultProviders() []ConditionProvider {
	out := make([]ConditionProvider, 0, 3)
	for _, m := range []model.AnalyzeMode{model.ModeToInvestigate, model.ModeAutoAnalyzed, model.ModeManuallyAnalyzed} {
		pred, _ := model.PredicateFor(m)
		out = append(out, modeProvider{mode: m, predicate: pred})
	}
	return out
}

// resolveCondition runs the provider chain. Predicates are OR-ed; no
// answering provider is a configuration error.
func resolveCondition(providers []ConditionProvider, modes []model.AnalyzeMode) (model.ItemFilter, error) {
	var f model.ItemFilter
	seen := make(map[model.ItemPredicate]bool)
	for _, p := range providers {
		pred, ok := p.Provide(modes)
		if !ok || seen[pred] {
			continue
		}
		seen[pred] = true
		f.Any = append(f.Any, pred)
	}
	if len(f.Any) == 0 {
		return f, fmt.Errorf("modes %v: %w", modes, model.ErrNoConditionProvider)
	}
	return f, nil
}
