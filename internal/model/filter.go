package model

// ItemPredicate is one named condition on a test item's analysis state.
type ItemPredicate string

const (
	PredicateToInvestigate    ItemPredicate = "to_investigate"
	PredicateAutoAnalyzed     ItemPredicate = "auto_analyzed"
	PredicateManuallyAnalyzed ItemPredicate = "manually_analyzed"
)

// ItemFilter selects leaf test items of one launch. Any is OR-ed; an empty
// Any matches nothing. When ExcludeTemplate is set, items already matched
// by a template of that name are left out.
type ItemFilter struct {
	Any             []ItemPredicate
	ExcludeTemplate string
}

// PredicateFor maps an analyze mode to its item predicate.
func PredicateFor(mode AnalyzeMode) (ItemPredicate, bool) {
	switch mode {
	case ModeToInvestigate:
		return PredicateToInvestigate, true
	case ModeAutoAnalyzed:
		return PredicateAutoAnalyzed, true
	case ModeManuallyAnalyzed:
		return PredicateManuallyAnalyzed, true
	}
	return "", false
}
