package autoanalysis

import (
	"context"
	"fmt"

	"github.com/msageha/launchanalyzer/internal/model"
)

// Collector gathers the item ids of a launch that one analyze mode covers.
type Collector interface {
	Collect(ctx context.Context, launch model.Launch) ([]int64, error)
}

// toInvestigateCollector picks items still waiting for a verdict.
type toInvestigateCollector struct {
	repo Repository
}

func (c toInvestigateCollector) Collect(ctx context.Context, launch model.Launch) ([]int64, error) {
	ids, err := c.repo.FindItemIDs(ctx, launch.ID, model.ItemFilter{
		Any: []model.ItemPredicate{model.PredicateToInvestigate},
	})
	if err != nil {
		return nil, fmt.Errorf("collect to-investigate items: %w", err)
	}
	return ids, nil
}

// resettingCollector picks already analyzed items, drops their documents
// from the index and moves them back to to-investigate so they are
// analyzed from scratch.
type resettingCollector struct {
	repo      Repository
	index     Indexer
	predicate model.ItemPredicate
}

func (c resettingCollector) Collect(ctx context.Context, launch model.Launch) ([]int64, error) {
	ids, err := c.repo.FindItemIDs(ctx, launch.ID, model.ItemFilter{
		Any: []model.ItemPredicate{c.predicate},
	})
	if err != nil {
		return nil, fmt.Errorf("collect %s items: %w", c.predicate, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	c.index.CleanIndex(ctx, launch.ProjectID, ids)
	if err := c.repo.ResetIssues(ctx, ids); err != nil {
		return nil, fmt.Errorf("reset %s items: %w", c.predicate, err)
	}
	return ids, nil
}

func defaultCollectors(repo Repository, index Indexer) map[model.AnalyzeMode]Collector {
	return map[model.AnalyzeMode]Collector{
		model.ModeToInvestigate:    toInvestigateCollector{repo: repo},
		model.ModeAutoAnalyzed:     resettingCollector{repo: repo, index: index, predicate: model.PredicateAutoAnalyzed},
		model.ModeManuallyAnalyzed: resettingCollector{repo: repo, index: index, predicate: model.PredicateManuallyAnalyzed},
	}
}
