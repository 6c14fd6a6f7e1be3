package model

// Status classifies the outcome of a single processing attempt.
type Status string

const (
	// StatusSuccess means the model returned output the parser normalized.
	StatusSuccess Status = "success"
	// StatusContentFiltered means the model refused the document via its
	// safety systems. The model understood the request, so this ranks
	// above parse and model failures when choosing which failure to report.
	StatusContentFiltered Status = "content_filtered"
	// StatusParseError means the model responded but the full parser
	// cascade could not normalize the output.
	StatusParseError Status = "parse_error"
	// StatusModelError means the model call itself failed (after retries).
	StatusModelError Status = "model_error"
)

// Priority ranks failure statuses for "choose better failure" decisions.
// Higher is closer to success. StatusSuccess has no rank; callers short-
// circuit on success before comparing failures.
func (s Status) Priority() int {
	switch s {
	case StatusContentFiltered:
		return 3
	case StatusParseError:
		return 2
	case StatusModelError:
		return 1
	default:
		return 0
	}
}

// Terminal reports whether this status ends the attempt sequence.
func (s Status) Terminal() bool {
	return s == StatusSuccess
}
