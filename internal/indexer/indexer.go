// Package indexer builds index requests from the repository and hands them
// to the analyzer channels.
package indexer

import (
	"context"
	"fmt"
	"strings"

	"github.com/msageha/launchanalyzer/internal/logging"
	"github.com/msageha/launchanalyzer/internal/model"
)

// Client is the part of the analyzer RPC client the indexer drives.
type Client interface {
	Index(ctx context.Context, rqs []model.IndexLaunchRequest) int64
	CleanIndex(ctx context.Context, indexID int64, itemIDs []int64) int64
	DeleteIndex(ctx context.Context, indexID int64)
}

// Repository supplies launches, items and logs.
type Repository interface {
	GetLaunch(ctx context.Context, id int64) (model.Launch, error)
	ProjectLaunchIDs(ctx context.Context, projectID int64, ids []int64) ([]int64, error)
	GetItems(ctx context.Context, ids []int64) ([]model.TestItem, error)
	LaunchItems(ctx context.Context, launchID int64) ([]model.TestItem, error)
	FindLogs(ctx context.Context, itemIDs []int64, minLevel int) (map[int64][]model.LogEntry, error)
}

// ItemCounter is notified of how many items were sent for indexing.
type ItemCounter interface {
	ItemsIndexed(n int)
}

type Indexer struct {
	client  Client
	repo    Repository
	logger  *logging.Logger
	counter ItemCounter
}

func New(client Client, repo Repository, logger *logging.Logger) *Indexer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Indexer{client: client, repo: repo, logger: logger.WithComponent("indexer")}
}

func (ix *Indexer) SetCounter(c ItemCounter) {
	ix.counter = c
}

// BuildRequest turns items into an index request. Only leaf items with at
// least one log at ERROR level or above are kept; each message is cut to
// cfg.NumberOfLogLines lines unless that is negative.
func (ix *Indexer) BuildRequest(ctx context.Context, launch model.Launch, items []model.TestItem, cfg model.AnalyzerSettings) (model.IndexLaunchRequest, error) {
	rq := model.IndexLaunchRequest{
		LaunchID:       launch.ID,
		LaunchName:     launch.Name,
		LaunchNumber:   launch.Number,
		ProjectID:      launch.ProjectID,
		AnalyzerConfig: cfg,
	}

	ids := make([]int64, 0, len(items))
	for _, it := range items {
		if !it.HasChildren {
			ids = append(ids, it.ID)
		}
	}
	if len(ids) == 0 {
		return rq, nil
	}

	logs, err := ix.repo.FindLogs(ctx, ids, model.LogLevelError)
	if err != nil {
		return rq, fmt.Errorf("load logs for launch %d: %w", launch.ID, err)
	}

	for _, it := range items {
		itemLogs := logs[it.ID]
		if it.HasChildren || len(itemLogs) == 0 {
			continue
		}
		ti := model.IndexTestItem{
			TestItemID:     it.ID,
			UniqueID:       it.UniqueID,
			TestCaseHash:   it.TestCaseHash,
			IssueType:      it.IssueType,
			IsAutoAnalyzed: it.AutoAnalyzed,
			Logs:           make([]model.IndexLog, 0, len(itemLogs)),
		}
		for _, l := range itemLogs {
			ti.Logs = append(ti.Logs, model.IndexLog{
				LogID:    l.ID,
				LogLevel: l.Level,
				Message:  firstLines(l.Message, cfg.NumberOfLogLines),
			})
		}
		rq.TestItems = append(rq.TestItems, ti)
	}
	return rq, nil
}

// IndexItems indexes the given items of one launch and returns the summed
// indexing time reported by the analyzers in milliseconds.
func (ix *Indexer) IndexItems(ctx context.Context, launch model.Launch, itemIDs []int64, cfg model.AnalyzerSettings) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	items, err := ix.repo.GetItems(ctx, itemIDs)
	if err != nil {
		return 0, fmt.Errorf("load items of launch %d: %w", launch.ID, err)
	}
	rq, err := ix.BuildRequest(ctx, launch, items, cfg)
	if err != nil {
		return 0, err
	}
	return ix.send(ctx, []model.IndexLaunchRequest{rq}), nil
}

// IndexLaunches indexes every item of the project's launches. Launches of
// other projects and debug launches are skipped.
func (ix *Indexer) IndexLaunches(ctx context.Context, projectID int64, launchIDs []int64, cfg model.AnalyzerSettings) (int64, error) {
	ids, err := ix.repo.ProjectLaunchIDs(ctx, projectID, launchIDs)
	if err != nil {
		return 0, fmt.Errorf("resolve launches of project %d: %w", projectID, err)
	}

	var rqs []model.IndexLaunchRequest
	for _, id := range ids {
		launch, err := ix.repo.GetLaunch(ctx, id)
		if err != nil {
			return 0, err
		}
		if launch.Mode == model.LaunchModeDebug {
			ix.logger.Debugf("skip debug launch=%d", id)
			continue
		}
		items, err := ix.repo.LaunchItems(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("load items of launch %d: %w", id, err)
		}
		rq, err := ix.BuildRequest(ctx, launch, items, cfg)
		if err != nil {
			return 0, err
		}
		rqs = append(rqs, rq)
	}
	return ix.send(ctx, rqs), nil
}

func (ix *Indexer) send(ctx context.Context, rqs []model.IndexLaunchRequest) int64 {
	nonEmpty := rqs[:0:0]
	items := 0
	for _, rq := range rqs {
		if len(rq.TestItems) > 0 {
			nonEmpty = append(nonEmpty, rq)
			items += len(rq.TestItems)
		}
	}
	if len(nonEmpty) == 0 {
		return 0
	}
	took := ix.client.Index(ctx, nonEmpty)
	if ix.counter != nil {
		ix.counter.ItemsIndexed(items)
	}
	ix.logger.Infof("indexed launches=%d items=%d took=%dms", len(nonEmpty), items, took)
	return took
}

// CleanIndex removes item documents from the project's index.
func (ix *Indexer) CleanIndex(ctx context.Context, projectID int64, itemIDs []int64) int64 {
	if len(itemIDs) == 0 {
		return 0
	}
	n := ix.client.CleanIndex(ctx, projectID, itemIDs)
	ix.logger.Infof("cleaned index=%d items=%d deleted=%d", projectID, len(itemIDs), n)
	return n
}

// DeleteIndex drops the project's whole index.
func (ix *Indexer) DeleteIndex(ctx context.Context, projectID int64) {
	ix.client.DeleteIndex(ctx, projectID)
}

// firstLines keeps the first n lines of msg; n <= 0 keeps all of them.
func firstLines(msg string, n int) string {
	if n <= 0 {
		return msg
	}
	lines := strings.SplitN(msg, "\n", n+1)
	if len(lines) <= n {
		return msg
	}
	return strings.Join(lines[:n], "\n")
}
