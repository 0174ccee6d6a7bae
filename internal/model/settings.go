package model

import (
	"strconv"
	"strings"
)

// Project setting keys understood by the engine.
const (
	SettingMinShouldMatch           = "analyzer.minShouldMatch"
	SettingMinDocFreq               = "analyzer.minDocFreq"
	SettingMinTermFreq              = "analyzer.minTermFreq"
	SettingNumberOfLogLines         = "analyzer.numberOfLogLines"
	SettingAutoAnalyzerEnabled      = "analyzer.isAutoAnalyzerEnabled"
	SettingAutoAnalyzerMode         = "analyzer.autoAnalyzerMode"
	SettingIndexingRunning          = "analyzer.indexingRunning"
	SettingAllMessagesShouldMatch   = "analyzer.allMessagesShouldMatch"
	SettingSearchLogsMinShouldMatch = "analyzer.searchLogsMinShouldMatch"
	SettingPatternAnalysisEnabled   = "analyzer.pattern.enabled"
)

// ProjectSettings is the string-keyed configuration of one project.
type ProjectSettings map[string]string

// lookup accepts both "analyzer.minDocFreq" and the short "minDocFreq" form.
func (s ProjectSettings) lookup(key string) (string, bool) {
	if v, ok := s[key]; ok {
		return v, true
	}
	v, ok := s[strings.TrimPrefix(key, "analyzer.")]
	return v, ok
}

func (s ProjectSettings) Int(key string, def int) int {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (s ProjectSettings) Bool(key string, def bool) bool {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (s ProjectSettings) String(key, def string) string {
	if v, ok := s.lookup(key); ok && v != "" {
		return v
	}
	return def
}

// AnalyzerSettings is the analyzer-facing view of the project settings.
// It travels inside every analyze/index/search request.
type AnalyzerSettings struct {
	MinShouldMatch           int    `json:"minShouldMatch"`
	MinDocFreq               int    `json:"minDocFreq"`
	MinTermFreq              int    `json:"minTermFreq"`
	NumberOfLogLines         int    `json:"numberOfLogLines"`
	IsAutoAnalyzerEnabled    bool   `json:"isAutoAnalyzerEnabled"`
	AnalyzerMode             string `json:"analyzerMode"`
	IndexingRunning          bool   `json:"indexingRunning"`
	AllMessagesShouldMatch   bool   `json:"allMessagesShouldMatch"`
	SearchLogsMinShouldMatch int    `json:"searchLogsMinShouldMatch"`
	PatternAnalysisEnabled   bool   `json:"-"`
}

// AnalyzerSettingsFrom applies defaults for absent keys.
// NumberOfLogLines of -1 means all lines; zero and negative values are
// normalised to -1.
func AnalyzerSettingsFrom(s ProjectSettings) AnalyzerSettings {
	lines := s.Int(SettingNumberOfLogLines, -1)
	if lines <= 0 {
		lines = -1
	}
	return AnalyzerSettings{
		MinShouldMatch:           s.Int(SettingMinShouldMatch, 95),
		MinDocFreq:               s.Int(SettingMinDocFreq, 1),
		MinTermFreq:              s.Int(SettingMinTermFreq, 1),
		NumberOfLogLines:         lines,
		IsAutoAnalyzerEnabled:    s.Bool(SettingAutoAnalyzerEnabled, true),
		AnalyzerMode:             s.String(SettingAutoAnalyzerMode, "LAUNCH_NAME"),
		IndexingRunning:          s.Bool(SettingIndexingRunning, false),
		AllMessagesShouldMatch:   s.Bool(SettingAllMessagesShouldMatch, false),
		SearchLogsMinShouldMatch: s.Int(SettingSearchLogsMinShouldMatch, 95),
		PatternAnalysisEnabled:   s.Bool(SettingPatternAnalysisEnabled, false),
	}
}
