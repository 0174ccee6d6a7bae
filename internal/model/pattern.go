package model

import (
	"fmt"
	"regexp"
	"strings"
)

type TemplateType string

const (
	TemplateString TemplateType = "STRING"
	TemplateRegex  TemplateType = "REGEX"
)

func ParseTemplateType(s string) (TemplateType, error) {
	switch t := TemplateType(strings.ToUpper(s)); t {
	case TemplateString, TemplateRegex:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown template type %q", ErrInvalidTemplate, s)
	}
}

type PatternTemplate struct {
	ID        int64        `json:"id"`
	ProjectID int64        `json:"projectId"`
	Name      string       `json:"name"`
	Type      TemplateType `json:"type"`
	Value     string       `json:"value"`
	Enabled   bool         `json:"enabled"`
}

// Validate checks the template shape. A REGEX value must compile.
func (t PatternTemplate) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidTemplate)
	}
	if t.Value == "" {
		return fmt.Errorf("%w: value must not be empty", ErrInvalidTemplate)
	}
	switch t.Type {
	case TemplateString:
	case TemplateRegex:
		if _, err := regexp.Compile(t.Value); err != nil {
			return fmt.Errorf("%w: invalid regex %q: %v", ErrInvalidTemplate, t.Value, err)
		}
	default:
		return fmt.Errorf("%w: unknown template type %q", ErrInvalidTemplate, t.Type)
	}
	return nil
}

// PatternTemplateTestItem is one confirmed match of a template on an item.
type PatternTemplateTestItem struct {
	PatternTemplateID int64 `json:"patternTemplateId"`
	TestItemID        int64 `json:"testItemId"`
}
