// Package monitoring gathers operational metrics from the audit store
// and the task outbox, evaluates them against thresholds, and pushes
// webhook alerts when they are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/queue"
	"github.com/corfid/docpipe/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Run metrics within the lookback window.
	RunsTotal        int64   `json:"runs_total"`
	RunsSucceeded    int64   `json:"runs_succeeded"`
	RunsFallback     int64   `json:"runs_fallback"`
	ManualReviews    int64   `json:"manual_reviews"`
	SuccessRate      float64 `json:"success_rate"`
	FallbackRate     float64 `json:"fallback_rate"`
	ManualReviewRate float64 `json:"manual_review_rate"`

	// Token spend within the window.
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`

	// Queue depth per stage at collection time.
	ExtractionPending int64 `json:"extraction_pending"`
	RecoveryPending   int64 `json:"recovery_pending"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// QueueDepth abstracts the outbox method the collector needs.
type QueueDepth interface {
	PendingCount(ctx context.Context, stage model.Stage) (int64, error)
}

// Collector gathers metrics from the audit store and the outbox.
type Collector struct {
	audits store.Store
	queue  QueueDepth
}

// NewCollector creates a metrics collector. queue may be nil when the
// deployment has no outbox (single-shot CLI runs).
func NewCollector(audits store.Store, q QueueDepth) *Collector {
	return &Collector{audits: audits, queue: q}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	stats, err := c.audits.Stats(ctx, time.Duration(lookbackHours)*time.Hour)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect run stats")
	}
	snap.RunsTotal = stats.Total
	snap.RunsSucceeded = stats.Succeeded
	snap.RunsFallback = stats.FallbackUsed
	snap.ManualReviews = stats.ManualReviews
	snap.InputTokens = stats.InputTokens
	snap.OutputTokens = stats.OutputTokens
	if stats.Total > 0 {
		snap.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
		snap.FallbackRate = float64(stats.FallbackUsed) / float64(stats.Total)
		snap.ManualReviewRate = float64(stats.ManualReviews) / float64(stats.Total)
	}

	if c.queue != nil {
		if n, err := c.queue.PendingCount(ctx, model.StageExtraction); err == nil {
			snap.ExtractionPending = n
		}
		if n, err := c.queue.PendingCount(ctx, model.StageRecovery); err == nil {
			snap.RecoveryPending = n
		}
	}
	return snap, nil
}

var _ QueueDepth = (queue.Outbox)(nil)
