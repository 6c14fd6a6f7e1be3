package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/result"
	"github.com/corfid/docpipe/internal/store"
	"github.com/corfid/docpipe/pkg/llm"
)

type fakeDepth struct {
	counts map[model.Stage]int64
}

func (f *fakeDepth) PendingCount(_ context.Context, stage model.Stage) (int64, error) {
	return f.counts[stage], nil
}

func seededStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	for i, status := range []model.Status{
		model.StatusSuccess, model.StatusSuccess, model.StatusSuccess, model.StatusParseError,
	} {
		rec := result.NewRunRecord("store://docs/CERL/800035887/scan.pdf", model.StageExtraction)
		rec.Status = status
		rec.FallbackUsed = i == 0
		rec.Usage = llm.Usage{InputTokens: 1000, OutputTokens: 200}
		rec.FinishedAt = rec.StartedAt
		require.NoError(t, s.SaveOutcome(ctx, rec))
	}

	review := store.NewManualReview("store://docs/CERL/800035887/scan.pdf", model.StageRecovery)
	review.ErrorType = "parse_error"
	review.ErrorMessage = "exhausted"
	require.NoError(t, s.SaveManualReview(ctx, review))
	return s
}

func TestCollect(t *testing.T) {
	s := seededStore(t)
	depth := &fakeDepth{counts: map[model.Stage]int64{
		model.StageExtraction: 3,
		model.StageRecovery:   1,
	}}

	snap, err := NewCollector(s, depth).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.RunsTotal)
	assert.Equal(t, int64(3), snap.RunsSucceeded)
	assert.Equal(t, int64(1), snap.ManualReviews)
	assert.InDelta(t, 0.75, snap.SuccessRate, 1e-9)
	assert.InDelta(t, 0.25, snap.ManualReviewRate, 1e-9)
	assert.Equal(t, int64(4000), snap.InputTokens)
	assert.Equal(t, int64(3), snap.ExtractionPending)
	assert.Equal(t, int64(1), snap.RecoveryPending)
}

func TestCollectWithoutQueue(t *testing.T) {
	s := seededStore(t)
	snap, err := NewCollector(s, nil).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.ExtractionPending)
}

func TestEvaluateThresholds(t *testing.T) {
	snap := &MetricsSnapshot{
		RunsTotal:         10,
		ManualReviews:     4,
		ManualReviewRate:  0.4,
		ExtractionPending: 80,
		RecoveryPending:   30,
		InputTokens:       900000,
		OutputTokens:      200000,
		LookbackHours:     24,
	}

	a := NewAlerter(Thresholds{
		ManualReviewRate: 0.2,
		QueueBacklog:     100,
		TokenBudget:      1000000,
	})
	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 3)
	assert.Equal(t, AlertManualReviewRate, alerts[0].Type)
	assert.Equal(t, AlertQueueBacklog, alerts[1].Type)
	assert.Equal(t, AlertTokenSpend, alerts[2].Type)
}

func TestEvaluateSmallSampleSuppressed(t *testing.T) {
	snap := &MetricsSnapshot{RunsTotal: 2, ManualReviews: 2, ManualReviewRate: 1.0}
	a := NewAlerter(Thresholds{ManualReviewRate: 0.2})
	assert.Empty(t, a.Evaluate(snap))
}

func TestSendAlertsWebhook(t *testing.T) {
	var got int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got++
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(Thresholds{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertQueueBacklog, Severity: "medium", Timestamp: time.Now()},
		{Type: AlertTokenSpend, Severity: "medium", Timestamp: time.Now()},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, 2, got)
}

func TestSendAlertsNoWebhook(t *testing.T) {
	a := NewAlerter(Thresholds{})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertTokenSpend}}))
}
