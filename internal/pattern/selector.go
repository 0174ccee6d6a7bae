package pattern

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/msageha/launchanalyzer/internal/model"
)

// LogSource loads the logs a selector matches against.
type LogSource interface {
	FindLogs(ctx context.Context, itemIDs []int64, minLevel int) (map[int64][]model.LogEntry, error)
}

// Selector returns the subset of itemIDs whose logs match the template.
type Selector interface {
	Select(ctx context.Context, tmpl model.PatternTemplate, itemIDs []int64) ([]int64, error)
}

type matchFunc func(message string) bool

type logSelector struct {
	logs    LogSource
	compile func(value string) (matchFunc, error)
}

func (s logSelector) Select(ctx context.Context, tmpl model.PatternTemplate, itemIDs []int64) ([]int64, error) {
	match, err := s.compile(tmpl.Value)
	if err != nil {
		return nil, err
	}
	logs, err := s.logs.FindLogs(ctx, itemIDs, model.LogLevelError)
	if err != nil {
		return nil, fmt.Errorf("load logs: %w", err)
	}
	var out []int64
	for _, id := range itemIDs {
		for _, l := range logs[id] {
			if match(l.Message) {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

func compileString(value string) (matchFunc, error) {
	return func(msg string) bool { return strings.Contains(msg, value) }, nil
}

func compileRegex(value string) (matchFunc, error) {
	re, err := regexp.Compile(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidTemplate, err)
	}
	return re.MatchString, nil
}

// NewSelectors returns the selector for every template type.
func NewSelectors(logs LogSource) map[model.TemplateType]Selector {
	return map[model.TemplateType]Selector{
		model.TemplateString: logSelector{logs: logs, compile: compileString},
		model.TemplateRegex:  logSelector{logs: logs, compile: compileRegex},
	}
}
