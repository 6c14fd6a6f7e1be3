package fallback

// State tracks where a document is in the fallback cascade. Transitions
// only move forward; a document never revisits an earlier technique.
type State int

const (
	StateNotStarted State = iota
	StateTryingPrimary
	StateTryingSecondary
	StateTryingTextLayer
	StateTryingOptical
	StateSucceeded
	StateManualReview
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateTryingPrimary:
		return "trying_primary"
	case StateTryingSecondary:
		return "trying_secondary"
	case StateTryingTextLayer:
		return "trying_text_layer"
	case StateTryingOptical:
		return "trying_optical"
	case StateSucceeded:
		return "succeeded"
	case StateManualReview:
		return "manual_review"
	default:
		return "unknown"
	}
}

// Terminal reports whether the cascade has finished.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateManualReview
}
