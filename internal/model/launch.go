package model

import (
	"fmt"
	"strings"
)

type LaunchStatus string

const (
	LaunchInProgress  LaunchStatus = "IN_PROGRESS"
	LaunchPassed      LaunchStatus = "PASSED"
	LaunchFailed      LaunchStatus = "FAILED"
	LaunchStopped     LaunchStatus = "STOPPED"
	LaunchInterrupted LaunchStatus = "INTERRUPTED"
)

// IsTerminal reports whether the launch has finished.
func (s LaunchStatus) IsTerminal() bool {
	return s != LaunchInProgress && s != ""
}

type LaunchMode string

const (
	LaunchModeDefault LaunchMode = "DEFAULT"
	LaunchModeDebug   LaunchMode = "DEBUG"
)

type Launch struct {
	ID        int64        `json:"id"`
	UUID      string       `json:"uuid"`
	ProjectID int64        `json:"projectId"`
	Name      string       `json:"name"`
	Number    int64        `json:"number"`
	Mode      LaunchMode   `json:"mode"`
	Status    LaunchStatus `json:"status"`
}

type ItemStatus string

const (
	ItemPassed  ItemStatus = "PASSED"
	ItemFailed  ItemStatus = "FAILED"
	ItemSkipped ItemStatus = "SKIPPED"
)

// IssueGroup is the coarse defect category of an issue type.
type IssueGroup string

const (
	GroupProductBug    IssueGroup = "PRODUCT_BUG"
	GroupAutomationBug IssueGroup = "AUTOMATION_BUG"
	GroupSystemIssue   IssueGroup = "SYSTEM_ISSUE"
	GroupNoDefect      IssueGroup = "NO_DEFECT"
	GroupToInvestigate IssueGroup = "TO_INVESTIGATE"
)

// Default issue type locators, one per group.
const (
	IssueProductBug    = "pb001"
	IssueAutomationBug = "ab001"
	IssueSystemIssue   = "si001"
	IssueNoDefect      = "nd001"
	IssueToInvestigate = "ti001"
)

var defaultGroups = map[string]IssueGroup{
	IssueProductBug:    GroupProductBug,
	IssueAutomationBug: GroupAutomationBug,
	IssueSystemIssue:   GroupSystemIssue,
	IssueNoDefect:      GroupNoDefect,
	IssueToInvestigate: GroupToInvestigate,
}

// GroupOf resolves the issue group of a locator. Custom locators carry their
// group as a two-letter prefix ("pb_flaky" → PRODUCT_BUG); a bare group name
// is accepted too.
func GroupOf(locator string) (IssueGroup, error) {
	if g, ok := defaultGroups[strings.ToLower(locator)]; ok {
		return g, nil
	}
	upper := strings.ToUpper(locator)
	for _, g := range defaultGroups {
		if upper == string(g) {
			return g, nil
		}
	}
	if len(locator) >= 2 {
		prefix := strings.ToLower(locator[:2])
		for loc, g := range defaultGroups {
			if strings.HasPrefix(loc, prefix) {
				return g, nil
			}
		}
	}
	return "", fmt.Errorf("unknown issue type %q", locator)
}

type TestItem struct {
	ID             int64      `json:"id"`
	LaunchID       int64      `json:"launchId"`
	Name           string     `json:"name"`
	UniqueID       string     `json:"uniqueId"`
	TestCaseHash   int        `json:"testCaseHash"`
	Status         ItemStatus `json:"status"`
	IssueType      string     `json:"issueType,omitempty"`
	IssueGroup     IssueGroup `json:"issueGroup,omitempty"`
	AutoAnalyzed   bool       `json:"autoAnalyzed"`
	IgnoreAnalyzer bool       `json:"ignoreAnalyzer"`
	HasChildren    bool       `json:"hasChildren"`
}

// Log levels, ordered.
const (
	LogLevelTrace = 5000
	LogLevelDebug = 10000
	LogLevelInfo  = 20000
	LogLevelWarn  = 30000
	LogLevelError = 40000
	LogLevelFatal = 50000
)

type LogEntry struct {
	ID      int64  `json:"id"`
	ItemID  int64  `json:"itemId"`
	Level   int    `json:"level"`
	Message string `json:"message"`
}

// AnalyzeMode selects which items of a launch take part in an analysis run.
type AnalyzeMode string

const (
	ModeToInvestigate    AnalyzeMode = "TO_INVESTIGATE"
	ModeAutoAnalyzed     AnalyzeMode = "AUTO_ANALYZED"
	ModeManuallyAnalyzed AnalyzeMode = "MANUALLY_ANALYZED"
)

func ParseAnalyzeMode(s string) (AnalyzeMode, error) {
	switch m := AnalyzeMode(strings.ToUpper(s)); m {
	case ModeToInvestigate, ModeAutoAnalyzed, ModeManuallyAnalyzed:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown analyze mode %q", ErrValidation, s)
	}
}

// LaunchFinishedEvent is delivered once a launch reaches a terminal status.
type LaunchFinishedEvent struct {
	LaunchID  int64 `json:"launchId"`
	ProjectID int64 `json:"projectId"`
	UserID    int64 `json:"userId"`
}
