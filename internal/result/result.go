// Package result carries the outcome of processing attempts between the
// fallback orchestrator, the audit store, and the queue handlers.
package result

import (
	"time"

	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/pkg/llm"
)

// Technique names the document-access strategy used for an attempt.
type Technique string

const (
	// TechniqueDirect attaches the raw PDF to the model request.
	TechniqueDirect Technique = "pdf_direct"
	// TechniqueTextLayer extracts the embedded text layer and prompts
	// with text only.
	TechniqueTextLayer Technique = "text_layer"
	// TechniqueOptical runs remote OCR and prompts with the recognized
	// text.
	TechniqueOptical Technique = "optical_ocr"
)

// Attempt records one model invocation inside a fallback cascade.
type Attempt struct {
	Model     string        `json:"model"`
	Technique Technique     `json:"technique"`
	Status    model.Status  `json:"status"`
	Record    *model.Record `json:"record,omitempty"`
	Error     string        `json:"error,omitempty"`
	Usage     llm.Usage     `json:"usage"`
	Duration  time.Duration `json:"duration"`
}

// Succeeded reports whether this attempt produced a usable record.
func (a *Attempt) Succeeded() bool {
	return a != nil && a.Status == model.StatusSuccess
}

// Better picks the more informative of two failed attempts. A content
// filter refusal beats a parse failure beats a model failure, because it
// tells the reviewer more about the document itself. Ties keep the
// earlier attempt so the reported failure stays stable across runs.
func Better(a, b *Attempt) *Attempt {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if b.Status.Priority() > a.Status.Priority() {
		return b
	}
	return a
}
