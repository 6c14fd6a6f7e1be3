package result

import (
	"time"

	"github.com/google/uuid"

	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/pkg/llm"
)

// RunRecord is the persisted audit row for one document run. Every run
// gets exactly one row per stage, success or not, so the trail answers
// which models were tried and why the final status was chosen.
type RunRecord struct {
	ID             string            `json:"id"`
	Path           string            `json:"path"`
	DocumentNumber string            `json:"document_number,omitempty"`
	Stage          model.Stage       `json:"stage"`
	Status         model.Status      `json:"status"`
	Category       model.Category    `json:"category,omitempty"`
	PrimaryModel   string            `json:"primary_model,omitempty"`
	FinalModel     string            `json:"final_model,omitempty"`
	ModelsTried    []string          `json:"models_tried"`
	FallbackUsed   bool              `json:"fallback_used"`
	Technique      Technique         `json:"technique,omitempty"`
	ParseMethod    model.ParseMethod `json:"parse_method,omitempty"`
	CallCount      int               `json:"call_count"`
	Usage          llm.Usage         `json:"usage"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
}

// NewRunRecord starts an audit row for a document entering a stage.
func NewRunRecord(path string, stage model.Stage) *RunRecord {
	return &RunRecord{
		ID:             uuid.NewString(),
		Path:           path,
		DocumentNumber: model.DocumentNumberFromPath(path),
		Stage:          stage,
		StartedAt:      time.Now().UTC(),
	}
}

// Finish fills the row from the decisive attempt and the full trail.
func (r *RunRecord) Finish(final *Attempt, trail []Attempt) {
	r.FinishedAt = time.Now().UTC()
	r.CallCount = len(trail)
	r.ModelsTried = r.ModelsTried[:0]
	seen := map[string]bool{}
	for _, a := range trail {
		r.Usage = r.Usage.Add(a.Usage)
		if !seen[a.Model] {
			seen[a.Model] = true
			r.ModelsTried = append(r.ModelsTried, a.Model)
		}
	}
	// The model the cascade led with, whether or not it answered.
	if len(r.ModelsTried) > 0 {
		r.PrimaryModel = r.ModelsTried[0]
	}
	r.FallbackUsed = len(r.ModelsTried) > 1

	if final == nil {
		r.Status = model.StatusModelError
		return
	}
	r.Status = final.Status
	r.FinalModel = final.Model
	r.Technique = final.Technique
	r.Error = final.Error
	if final.Record != nil {
		r.Category = final.Record.Category
		r.ParseMethod = final.Record.Method
	}
}

// DurationMillis reports total wall time for the run in milliseconds.
func (r *RunRecord) DurationMillis() int64 {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt).Milliseconds()
}
