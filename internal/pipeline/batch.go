package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/resilience"
	"github.com/corfid/docpipe/internal/result"
)

// BatchRunner drives a manifest of documents through classification
// sequentially. Per-item failures are collected, never fatal; the
// limiter spaces items out so a large manifest cannot saturate the
// model provider, and the circuit breaker stops burning call budget on
// the remaining items when the provider is hard down.
type BatchRunner struct {
	classify *ClassifyHandler
	limiter  *rate.Limiter
	breaker  *resilience.Circuit
}

// BatchSummary reports what a batch run did.
type BatchSummary struct {
	Processed  int                     `json:"processed"`
	Suppressed int                     `json:"suppressed"`
	Failed     int                     `json:"failed"`
	Skipped    int                     `json:"skipped"`
	Failures   []resilience.FailedItem `json:"failures,omitempty"`
}

// NewBatchRunner creates a runner. itemsPerSecond <= 0 disables the
// inter-item delay.
func NewBatchRunner(classify *ClassifyHandler, itemsPerSecond float64) *BatchRunner {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if itemsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(itemsPerSecond), 1)
	}
	cfg := resilience.DefaultCircuitConfig()
	cfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("batch circuit state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
	return &BatchRunner{
		classify: classify,
		limiter:  limiter,
		breaker:  resilience.NewCircuit(cfg),
	}
}

// Run processes every reference in order. It stops early only when the
// context is cancelled. Items rejected by an open circuit are counted
// as skipped and left for a later run.
func (b *BatchRunner) Run(ctx context.Context, refs []model.DocumentRef) (*BatchSummary, error) {
	summary := &BatchSummary{}
	collector := resilience.NewFailureCollector()

	for _, ref := range refs {
		if err := b.limiter.Wait(ctx); err != nil {
			return summary, err
		}

		var run *result.RunRecord
		err := b.breaker.Execute(ctx, func(ctx context.Context) error {
			var handleErr error
			run, handleErr = b.classify.Handle(ctx, ref)
			return handleErr
		})
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			summary.Skipped++
		case err != nil:
			collector.Record(ref.Key, ref.Path(), string(model.StageClassification), 1, err)
		case run == nil:
			summary.Suppressed++
		default:
			summary.Processed++
		}
	}

	summary.Failed = collector.Len()
	summary.Failures = collector.Failures()
	zap.L().Info("batch finished",
		zap.Int("processed", summary.Processed),
		zap.Int("suppressed", summary.Suppressed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}
