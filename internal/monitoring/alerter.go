package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertManualReviewRate AlertType = "manual_review_rate"
	AlertQueueBacklog     AlertType = "queue_backlog"
	AlertTokenSpend       AlertType = "token_spend"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Thresholds configures when the alerter fires. Zero values disable the
// corresponding check.
type Thresholds struct {
	ManualReviewRate float64 `yaml:"manual_review_rate" mapstructure:"manual_review_rate"`
	QueueBacklog     int64   `yaml:"queue_backlog" mapstructure:"queue_backlog"`
	TokenBudget      int64   `yaml:"token_budget" mapstructure:"token_budget"`
	WebhookURL       string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Alerter evaluates a MetricsSnapshot against thresholds and sends
// alerts via webhook when they are breached.
type Alerter struct {
	thresholds Thresholds
	client     *http.Client
}

// NewAlerter creates an Alerter.
func NewAlerter(t Thresholds) *Alerter {
	return &Alerter{
		thresholds: t,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// minRunsForRate avoids rate alerts on tiny samples.
const minRunsForRate = 5

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.thresholds.ManualReviewRate > 0 &&
		snap.RunsTotal >= minRunsForRate &&
		snap.ManualReviewRate > a.thresholds.ManualReviewRate {
		alerts = append(alerts, Alert{
			Type:     AlertManualReviewRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Manual review rate %.1f%% exceeds threshold %.1f%% (%d of %d runs in last %dh)",
				snap.ManualReviewRate*100, a.thresholds.ManualReviewRate*100,
				snap.ManualReviews, snap.RunsTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"manual_review_rate": snap.ManualReviewRate,
				"threshold":          a.thresholds.ManualReviewRate,
				"manual_reviews":     snap.ManualReviews,
				"runs_total":         snap.RunsTotal,
			},
			Timestamp: now,
		})
	}

	backlog := snap.ExtractionPending + snap.RecoveryPending
	if a.thresholds.QueueBacklog > 0 && backlog > a.thresholds.QueueBacklog {
		alerts = append(alerts, Alert{
			Type:     AlertQueueBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Task backlog %d exceeds threshold %d (extraction %d, recovery %d)",
				backlog, a.thresholds.QueueBacklog,
				snap.ExtractionPending, snap.RecoveryPending,
			),
			Details: map[string]any{
				"backlog":            backlog,
				"threshold":          a.thresholds.QueueBacklog,
				"extraction_pending": snap.ExtractionPending,
				"recovery_pending":   snap.RecoveryPending,
			},
			Timestamp: now,
		})
	}

	spend := snap.InputTokens + snap.OutputTokens
	if a.thresholds.TokenBudget > 0 && spend > a.thresholds.TokenBudget {
		alerts = append(alerts, Alert{
			Type:     AlertTokenSpend,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Token spend %d exceeds budget %d in last %dh",
				spend, a.thresholds.TokenBudget, snap.LookbackHours,
			),
			Details: map[string]any{
				"input_tokens":  snap.InputTokens,
				"output_tokens": snap.OutputTokens,
				"budget":        a.thresholds.TokenBudget,
			},
			Timestamp: now,
		})
	}
	return alerts
}

// SendAlerts posts each alert to the webhook. Returns how many were
// delivered; failures are logged and skipped.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.thresholds.WebhookURL == "" {
		zap.L().Debug("no alert webhook configured, dropping alerts",
			zap.Int("count", len(alerts)))
		return 0
	}
	sent := 0
	for _, alert := range alerts {
		if err := a.send(ctx, alert); err != nil {
			zap.L().Error("could not deliver alert",
				zap.String("type", string(alert.Type)), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (a *Alerter) send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.thresholds.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build alert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post alert")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		return eris.Errorf("monitoring: alert webhook returned %d", resp.StatusCode)
	}
	return nil
}
