// Package store persists run audit rows and manual-review escalations.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/result"
)

// RunFilter specifies criteria for listing audit rows.
type RunFilter struct {
	Stage    model.Stage    `json:"stage,omitempty"`
	Status   model.Status   `json:"status,omitempty"`
	Category model.Category `json:"category,omitempty"`
	Since    time.Time      `json:"since,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	Offset   int            `json:"offset,omitempty"`
}

// ManualReviewRecord is the escalation row written when a document
// exhausts every model and technique, or when the stage boundary traps
// an infrastructure fault. It carries enough of the trail for a human
// to pick up the document cold.
type ManualReviewRecord struct {
	ID             string           `json:"id"`
	Path           string           `json:"path"`
	DocumentNumber string           `json:"document_number"`
	Category       model.Category   `json:"category,omitempty"`
	Stage          model.Stage      `json:"stage"`
	ErrorType      string           `json:"error_type"`
	ErrorMessage   string           `json:"error_message"`
	ModelsTried    []string         `json:"models_tried,omitempty"`
	Technique      result.Technique `json:"technique,omitempty"`
	Attempts       []result.Attempt `json:"attempts,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
}

// ReviewRetention is how long manual-review rows are kept before the
// purge sweep removes them.
const ReviewRetention = 90 * 24 * time.Hour

// NewManualReview starts an escalation row for a document.
func NewManualReview(path string, stage model.Stage) *ManualReviewRecord {
	now := time.Now().UTC()
	return &ManualReviewRecord{
		ID:             uuid.NewString(),
		Path:           path,
		DocumentNumber: model.DocumentNumberFromPath(path),
		Stage:          stage,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ReviewRetention),
	}
}

// Stats is an aggregate snapshot over a lookback window.
type Stats struct {
	Total         int64 `json:"total"`
	Succeeded     int64 `json:"succeeded"`
	FallbackUsed  int64 `json:"fallback_used"`
	ManualReviews int64 `json:"manual_reviews"`
	InputTokens   int64 `json:"input_tokens"`
	OutputTokens  int64 `json:"output_tokens"`
	LookbackHours int   `json:"lookback_hours"`
}

// Store is the audit persistence surface.
type Store interface {
	SaveOutcome(ctx context.Context, rec *result.RunRecord) error
	GetOutcome(ctx context.Context, id string) (*result.RunRecord, error)
	ListOutcomes(ctx context.Context, filter RunFilter) ([]result.RunRecord, error)

	SaveManualReview(ctx context.Context, rec *ManualReviewRecord) error
	ListManualReviews(ctx context.Context, limit int) ([]ManualReviewRecord, error)
	DeleteExpiredReviews(ctx context.Context) (int64, error)

	Stats(ctx context.Context, lookback time.Duration) (*Stats, error)

	Migrate(ctx context.Context) error
	Close() error
}
