package model

import "errors"

var (
	ErrAnalysisInProgress    = errors.New("analysis already in progress")
	ErrCapacity              = errors.New("too many analyses in flight")
	ErrNoConditionProvider   = errors.New("no condition provider for analyze modes")
	ErrInvalidTemplate       = errors.New("invalid pattern template")
	ErrDuplicateTemplate     = errors.New("pattern template name already exists")
	ErrNoSuitableIntegration = errors.New("no suitable analyzer integration")
	ErrAnalyzersUnavailable  = errors.New("no analyzer services available")
	ErrAnalysisDisabled      = errors.New("auto-analysis disabled for project")
	ErrNotFound              = errors.New("not found")
	ErrValidation            = errors.New("validation failed")
)

const (
	ErrCodeInProgress    = "ANALYSIS_IN_PROGRESS"
	ErrCodeCapacity      = "CAPACITY_EXCEEDED"
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeDuplicate     = "DUPLICATE"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternal      = "INTERNAL_ERROR"
)

// ErrorCode maps an error chain to a stable code for outward surfaces.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAnalysisInProgress):
		return ErrCodeInProgress
	case errors.Is(err, ErrCapacity):
		return ErrCodeCapacity
	case errors.Is(err, ErrNoConditionProvider), errors.Is(err, ErrAnalysisDisabled):
		return ErrCodeConfiguration
	case errors.Is(err, ErrInvalidTemplate), errors.Is(err, ErrValidation):
		return ErrCodeValidation
	case errors.Is(err, ErrDuplicateTemplate):
		return ErrCodeDuplicate
	case errors.Is(err, ErrNoSuitableIntegration), errors.Is(err, ErrAnalyzersUnavailable):
		return ErrCodeUnavailable
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	default:
		return ErrCodeInternal
	}
}
