package model

import (
	"math"
	"sort"
	"strconv"
	"time"
)

// Route is a logical RPC operation an analyzer channel may serve.
type Route string

const (
	RouteAnalyze         Route = "analyze"
	RouteIndex           Route = "index"
	RouteNamespaceFinder Route = "namespace_finder"
	RouteDelete          Route = "delete"
	RouteClean           Route = "clean"
	RouteSearch          Route = "search"
	RouteSuggest         Route = "suggest"
)

// Metadata tags advertised by analyzer services.
const (
	TagAnalyzer         = "analyzer"
	TagAnalyzerPriority = "analyzer_priority"
	TagAnalyzerIndex    = "analyzer_index"
	TagAnalyzerSearch   = "analyzer_log_search"
	TagAnalyzerSuggest  = "analyzer_suggest"
)

// AnalyzerChannel is one discovered analyzer backend.
type AnalyzerChannel struct {
	Name            string `json:"name"`
	Key             string `json:"key"`
	Priority        int    `json:"priority"`
	SupportsIndex   bool   `json:"supportsIndex"`
	SupportsSearch  bool   `json:"supportsSearch"`
	SupportsSuggest bool   `json:"supportsSuggest"`
}

// ChannelFromMetadata builds a channel from service metadata. ok is false
// when the analyzer key tag is missing.
func ChannelFromMetadata(name string, md map[string]string) (AnalyzerChannel, bool) {
	key, found := md[TagAnalyzer]
	if !found || key == "" {
		return AnalyzerChannel{}, false
	}
	ch := AnalyzerChannel{
		Name:            name,
		Key:             key,
		Priority:        math.MaxInt,
		SupportsIndex:   parseBoolTag(md[TagAnalyzerIndex]),
		SupportsSearch:  parseBoolTag(md[TagAnalyzerSearch]),
		SupportsSuggest: parseBoolTag(md[TagAnalyzerSuggest]),
	}
	if raw, found := md[TagAnalyzerPriority]; found {
		if p, err := strconv.Atoi(raw); err == nil {
			ch.Priority = p
		}
	}
	return ch, true
}

func parseBoolTag(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

// SortChannels orders channels by priority ASC, then name ASC.
func SortChannels(chs []AnalyzerChannel) {
	sort.SliceStable(chs, func(i, j int) bool {
		if chs[i].Priority != chs[j].Priority {
			return chs[i].Priority < chs[j].Priority
		}
		return chs[i].Name < chs[j].Name
	})
}

type IndexLog struct {
	LogID     int64  `json:"logId"`
	LogLevel  int    `json:"logLevel"`
	Message   string `json:"message"`
	ClusterID int64  `json:"clusterId,omitempty"`
}

type IndexTestItem struct {
	TestItemID     int64      `json:"testItemId"`
	UniqueID       string     `json:"uniqueId"`
	TestCaseHash   int        `json:"testCaseHash"`
	IssueType      string     `json:"issueType"`
	IsAutoAnalyzed bool       `json:"isAutoAnalyzed"`
	Logs           []IndexLog `json:"logs"`
}

type IndexLaunchRequest struct {
	LaunchID       int64            `json:"launchId"`
	LaunchName     string           `json:"launchName"`
	LaunchNumber   int64            `json:"launchNumber"`
	ProjectID      int64            `json:"project"`
	AnalyzerConfig AnalyzerSettings `json:"analyzerConfig"`
	TestItems      []IndexTestItem  `json:"testItems"`
}

// ItemIDs returns the ids of all test items in the request, in order.
func (r IndexLaunchRequest) ItemIDs() []int64 {
	ids := make([]int64, 0, len(r.TestItems))
	for _, it := range r.TestItems {
		ids = append(ids, it.TestItemID)
	}
	return ids
}

// Without returns a copy of the request holding only the items not present
// in claimed. The receiver is left untouched.
func (r IndexLaunchRequest) Without(claimed map[int64]struct{}) IndexLaunchRequest {
	out := r
	out.TestItems = make([]IndexTestItem, 0, len(r.TestItems))
	for _, it := range r.TestItems {
		if _, ok := claimed[it.TestItemID]; ok {
			continue
		}
		out.TestItems = append(out.TestItems, it)
	}
	return out
}

// AnalyzedItemRs is one classification returned by an analyzer.
type AnalyzedItemRs struct {
	ItemID         int64  `json:"testItem"`
	IssueType      string `json:"issueType"`
	RelevantItemID int64  `json:"relevantItem,omitempty"`
}

type IndexRs struct {
	Took   int64 `json:"took"`
	Errors bool  `json:"errors"`
}

type CleanIndexRq struct {
	IndexID int64   `json:"project"`
	ItemIDs []int64 `json:"ids"`
}

type CleanIndexRs struct {
	Deleted int64 `json:"deleted"`
}

type DeleteIndexRq struct {
	IndexID int64 `json:"project"`
}

type NamespaceFinderRq struct {
	ProjectID int64 `json:"project"`
}

type SearchLogsRq struct {
	LaunchID          int64            `json:"launchId"`
	LaunchName        string           `json:"launchName"`
	ItemID            int64            `json:"itemId"`
	ProjectID         int64            `json:"projectId"`
	FilteredLaunchIDs []int64          `json:"filteredLaunchIds"`
	LogMessages       []string         `json:"logMessages"`
	LogLines          int              `json:"logLines"`
	AnalyzerConfig    AnalyzerSettings `json:"analyzerConfig"`
}

type SearchLogsRs struct {
	LogID      int64 `json:"logId"`
	TestItemID int64 `json:"testItemId"`
}

type SuggestRq struct {
	TestItemID     int64            `json:"testItemId"`
	UniqueID       string           `json:"uniqueId"`
	LaunchID       int64            `json:"launchId"`
	LaunchName     string           `json:"launchName"`
	ProjectID      int64            `json:"project"`
	Logs           []IndexLog       `json:"logs"`
	AnalyzerConfig AnalyzerSettings `json:"analyzerConfig"`
}

type SuggestInfo struct {
	TestItemID        int64   `json:"testItem"`
	RelevantItemID    int64   `json:"relevantItem"`
	IssueType         string  `json:"issueType"`
	MatchScore        float64 `json:"matchScore"`
	EsScore           float64 `json:"esScore"`
	ModelFeatureNames string  `json:"modelFeatureNames,omitempty"`
}

// Logical analyzer ids guarded by the status cache.
const (
	AutoAnalyzerKey    = "AUTO_ANALYZER"
	PatternAnalyzerKey = "PATTERN_ANALYZER"
)

// StatusEntry marks an analysis of one kind in flight for one launch.
type StatusEntry struct {
	AnalyzerKey string    `json:"analyzerKey"`
	LaunchID    int64     `json:"launchId"`
	ProjectID   int64     `json:"projectId"`
	StartedAt   time.Time `json:"startedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}
