package model

// ParseMethod names the parser strategy that produced a record.
type ParseMethod string

const (
	ParseMethodFencedBlock     ParseMethod = "fenced_block"
	ParseMethodBalancedBraces  ParseMethod = "balanced_braces"
	ParseMethodRegexCandidates ParseMethod = "regex_candidates"
	ParseMethodNotVisible      ParseMethod = "document_not_visible"
	ParseMethodNaturalLanguage ParseMethod = "natural_language"
	ParseMethodEscapeRepair    ParseMethod = "escape_repair"
	ParseMethodTerminalError   ParseMethod = "terminal_error"
)

// RelatedParty is one shareholder or partner row extracted from a document.
type RelatedParty struct {
	Name           string `json:"name"`
	Identification string `json:"identification"`
	Shares         string `json:"shares,omitempty"`
	Percentage     string `json:"percentage,omitempty"`
}

// Record is the normalized business payload produced by the response
// parser: category plus text for classification, a field map for
// extraction. Callers must check RequiresReview before trusting Fields;
// low-confidence heuristic extractions and terminal placeholders both
// set it.
type Record struct {
	Category       Category       `json:"category"`
	DocumentNumber string         `json:"document_number"`
	DocumentType   string         `json:"document_type,omitempty"`
	Path           string         `json:"path"`
	Text           string         `json:"text,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
	RelatedParties []RelatedParty `json:"related_parties,omitempty"`

	Method         ParseMethod `json:"parse_method,omitempty"`
	Confidence     string      `json:"confidence,omitempty"` // "high", "medium", ""
	RequiresReview bool        `json:"requires_review,omitempty"`
}

// RequiresExtraction reports whether this record's category continues to
// the extraction stage.
func (r *Record) RequiresExtraction() bool {
	return r.Category.Extractable()
}

// ForReviewRecord builds the fixed placeholder returned when the model
// states it cannot see the document. This and ErrorRecord are the only
// records hand-built outside the parser cascade.
func ForReviewRecord(path string) *Record {
	return &Record{
		Category:       CategoryForReview,
		DocumentNumber: DocumentNumberFromPath(path),
		DocumentType:   "unknown",
		Path:           path,
		Fields: map[string]any{
			"PrincipalCompanyName": "ForReview",
			"DocumentCategory":     "ForReview",
			"TaxId":                "ForReview",
			"IdentificationType":   "ForReview",
			"Country":              "ForReview",
		},
		Method:         ParseMethodNotVisible,
		RequiresReview: true,
	}
}

// ErrorRecord builds the terminal record carrying a truncated raw snippet
// for human triage when every parse strategy is exhausted.
func ErrorRecord(path, snippet string) *Record {
	return &Record{
		Category:       CategoryUnknown,
		DocumentNumber: DocumentNumberFromPath(path),
		DocumentType:   "unknown",
		Path:           path,
		Fields: map[string]any{
			"error_type":           "parsing_failed",
			"error_message":        "could not parse response as structured data",
			"raw_response_snippet": snippet,
		},
		Method:         ParseMethodTerminalError,
		RequiresReview: true,
	}
}
