// Package llm abstracts the model services used for document
// classification and extraction behind a single Invoker interface, so
// the fallback orchestrator can cascade across providers without caring
// which wire protocol each one speaks.
package llm

import (
	"context"

	"go.uber.org/zap"
)

// Invoker sends one prompt (optionally with an attached document) to a
// model and returns its raw text output.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Request is a single model invocation.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int64
	TopP      *float64

	// Document is the raw PDF to attach, if any. Empty for text-only
	// prompts (the degraded OCR paths inline extracted text instead).
	Document  []byte
	MediaType string
}

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	// StopContentFiltered means the model's safety systems refused the
	// document. This is a response property, not an error: the call
	// succeeded and the refusal ranks highest among non-success outcomes.
	StopContentFiltered StopReason = "content_filtered"
)

// Response is the model's output.
type Response struct {
	Model      string
	Text       string
	StopReason StopReason
	Usage      Usage
}

// Filtered reports whether the response was blocked by content filtering.
func (r *Response) Filtered() bool {
	return r.StopReason == StopContentFiltered
}

// Usage tracks token consumption for one invocation.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Add accumulates another invocation's usage, for per-document totals
// across fallback attempts.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// modelPricing holds per-million-token pricing for known models.
var modelPricing = map[string][2]float64{
	// model → {input $/MTok, output $/MTok}
	"claude-haiku-4-5-20251001":  {0.80, 4.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
}

// EstimateCost computes an estimated cost in USD for a model invocation.
// Returns 0 for unknown models.
func (u Usage) EstimateCost(model string) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	inCost := (float64(u.InputTokens) / 1e6) * pricing[0]
	outCost := (float64(u.OutputTokens) / 1e6) * pricing[1]
	return inCost + outCost
}

// LogCost logs token usage and estimated cost with structured zap fields.
func (u Usage) LogCost(model, stage string) {
	zap.L().Info("cost attribution",
		zap.String("model", model),
		zap.String("stage", stage),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Float64("estimated_cost_usd", u.EstimateCost(model)),
	)
}
