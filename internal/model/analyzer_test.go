package model

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelFromMetadata(t *testing.T) {
	ch, ok := ChannelFromMetadata("ml-analyzer", map[string]string{
		TagAnalyzer:         "ml",
		TagAnalyzerPriority: "1",
		TagAnalyzerIndex:    "true",
		TagAnalyzerSearch:   "false",
	})
	require.True(t, ok)
	assert.Equal(t, "ml", ch.Key)
	assert.Equal(t, 1, ch.Priority)
	assert.True(t, ch.SupportsIndex)
	assert.False(t, ch.SupportsSearch)
	assert.False(t, ch.SupportsSuggest)
}

func TestChannelFromMetadata_Defaults(t *testing.T) {
	ch, ok := ChannelFromMetadata("bare", map[string]string{TagAnalyzer: "bare", TagAnalyzerPriority: "high"})
	require.True(t, ok)
	assert.Equal(t, math.MaxInt, ch.Priority)

	_, ok = ChannelFromMetadata("untagged", map[string]string{"other": "x"})
	assert.False(t, ok)
}

func TestSortChannels(t *testing.T) {
	chs := []AnalyzerChannel{
		{Name: "c", Priority: math.MaxInt},
		{Name: "b", Priority: 5},
		{Name: "a", Priority: 5},
		{Name: "d", Priority: 0},
	}
	SortChannels(chs)

	var names []string
	for _, c := range chs {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"d", "a", "b", "c"}, names)
}

func TestIndexLaunchRequest_WithoutLeavesReceiver(t *testing.T) {
	rq := IndexLaunchRequest{LaunchID: 1}
	for _, id := range []int64{1, 2, 3, 4} {
		rq.TestItems = append(rq.TestItems, IndexTestItem{TestItemID: id})
	}

	left := rq.Without(map[int64]struct{}{1: {}, 2: {}})

	assert.Equal(t, []int64{3, 4}, left.ItemIDs())
	assert.Equal(t, []int64{1, 2, 3, 4}, rq.ItemIDs())
	assert.Equal(t, int64(1), left.LaunchID)
}

func TestPatternTemplate_Validate(t *testing.T) {
	valid := PatternTemplate{Name: "npe", Type: TemplateRegex, Value: "NullPointer(Exception)?"}
	assert.NoError(t, valid.Validate())

	bad := PatternTemplate{Name: "broken", Type: TemplateRegex, Value: "(unclosed"}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidTemplate)

	noName := PatternTemplate{Name: "  ", Type: TemplateString, Value: "x"}
	assert.ErrorIs(t, noName.Validate(), ErrInvalidTemplate)

	unknown := PatternTemplate{Name: "u", Type: "GLOB", Value: "*"}
	assert.ErrorIs(t, unknown.Validate(), ErrInvalidTemplate)
}

func TestGroupOf(t *testing.T) {
	tests := []struct {
		in   string
		want IssueGroup
	}{
		{"pb001", GroupProductBug},
		{"PRODUCT_BUG", GroupProductBug},
		{"ab_flaky", GroupAutomationBug},
		{"ti001", GroupToInvestigate},
	}
	for _, tt := range tests {
		got, err := GroupOf(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := GroupOf("zz")
	assert.Error(t, err)
}

func TestErrorCode(t *testing.T) {
	wrapped := fmt.Errorf("launch 7: %w", ErrAnalysisInProgress)
	assert.Equal(t, ErrCodeInProgress, ErrorCode(wrapped))
	assert.Equal(t, ErrCodeConfiguration, ErrorCode(ErrNoConditionProvider))
	assert.Equal(t, ErrCodeCapacity, ErrorCode(fmt.Errorf("cache: %w", ErrCapacity)))
	assert.Equal(t, ErrCodeUnavailable, ErrorCode(ErrNoSuitableIntegration))
	assert.Equal(t, ErrCodeInternal, ErrorCode(fmt.Errorf("boom")))
}
