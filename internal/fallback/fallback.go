// Package fallback orchestrates the model and technique cascade for one
// document: primary model with the raw PDF, then the secondary model,
// then the secondary model over extracted text (embedded layer first,
// optical OCR second), and finally manual review. The cascade stops at
// the first success and otherwise reports the most informative failure.
package fallback

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/ocr"
	"github.com/corfid/docpipe/internal/resilience"
	"github.com/corfid/docpipe/internal/result"
	"github.com/corfid/docpipe/pkg/llm"
)

// Request is one document entering the cascade.
type Request struct {
	Task   model.DocumentTask
	Stage  model.Stage
	System string
	Prompt string
	PDF    []byte

	// Parse normalizes the model's raw output for this stage.
	Parse func(raw, path string) *model.Record
}

// Outcome is the cascade's verdict. Final is the successful attempt, or
// the most informative failure when State is StateManualReview.
type Outcome struct {
	State     State
	Final     *result.Attempt
	Trail     []result.Attempt
	CallCount int
}

// Succeeded reports whether the cascade produced a usable record.
func (o *Outcome) Succeeded() bool {
	return o.State == StateSucceeded
}

// Orchestrator runs the cascade. Safe for concurrent use.
type Orchestrator struct {
	invoker   llm.Invoker
	textLayer ocr.Extractor
	optical   ocr.Extractor

	primary   string
	secondary string
	maxTokens int64
	topP      *float64
	retry     resilience.RetryConfig
}

// Config wires an Orchestrator.
type Config struct {
	Invoker   llm.Invoker
	TextLayer ocr.Extractor
	Optical   ocr.Extractor
	Primary   string
	Secondary string
	MaxTokens int64
	TopP      *float64
	Retry     resilience.RetryConfig
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8000
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = resilience.DefaultRetryConfig()
	}
	return &Orchestrator{
		invoker:   cfg.Invoker,
		textLayer: cfg.TextLayer,
		optical:   cfg.Optical,
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		maxTokens: maxTokens,
		topP:      cfg.TopP,
		retry:     retry,
	}
}

// techniqueCount is the number of document-access techniques a model may
// be tried with.
const techniqueCount = 3

// Run drives one document through the cascade until a terminal state.
func (o *Orchestrator) Run(ctx context.Context, req Request) *Outcome {
	out := &Outcome{State: StateNotStarted}
	models := o.modelOrder(req.Task)
	budget := len(models)*techniqueCount + 1

	log := zap.L().With(
		zap.String("path", req.Task.Path),
		zap.String("stage", string(req.Stage)))

	// Direct PDF attempts, one per model in biased order.
	states := []State{StateTryingPrimary, StateTryingSecondary}
	for i, m := range models {
		o.transition(out, states[i], log)
		att := o.attempt(ctx, req, m, result.TechniqueDirect, "", out, budget)
		if att.Succeeded() {
			return o.succeed(out, att, log)
		}
	}

	// Degraded techniques run on the secondary model only; it is the
	// designated fallback for documents the primary could not handle.
	degraded := []struct {
		state     State
		technique result.Technique
		extractor ocr.Extractor
	}{
		{StateTryingTextLayer, result.TechniqueTextLayer, o.textLayer},
		{StateTryingOptical, result.TechniqueOptical, o.optical},
	}

	for _, d := range degraded {
		if d.extractor == nil {
			continue
		}
		o.transition(out, d.state, log)

		text, err := d.extractor.ExtractText(ctx, req.PDF)
		if err != nil {
			if errors.Is(err, ocr.ErrNoText) {
				log.Info("no text recovered, skipping technique",
					zap.String("technique", string(d.technique)))
			} else {
				log.Warn("text recovery failed",
					zap.String("technique", string(d.technique)), zap.Error(err))
			}
			continue
		}

		att := o.attempt(ctx, req, o.secondary, d.technique, text, out, budget)
		if att.Succeeded() {
			return o.succeed(out, att, log)
		}
	}

	o.transition(out, StateManualReview, log)
	out.Final = bestFailure(out.Trail)
	log.Warn("cascade exhausted, document needs manual review",
		zap.Int("calls", out.CallCount),
		zap.String("final_status", finalStatus(out.Final)))
	return out
}

// modelOrder biases the direct attempts toward the model that worked
// for the upstream stage. If classification only succeeded on the
// secondary model, extraction starts there instead of burning a call on
// the primary.
func (o *Orchestrator) modelOrder(task model.DocumentTask) []string {
	if task.FallbackUsed {
		return []string{o.secondary, o.primary}
	}
	return []string{o.primary, o.secondary}
}

// attempt makes one budgeted model call and classifies its outcome.
func (o *Orchestrator) attempt(ctx context.Context, req Request, modelID string, technique result.Technique, text string, out *Outcome, budget int) *result.Attempt {
	att := result.Attempt{Model: modelID, Technique: technique}

	if out.CallCount >= budget {
		att.Status = model.StatusModelError
		att.Error = "call budget exhausted"
		out.Trail = append(out.Trail, att)
		return &att
	}
	out.CallCount++

	lreq := llm.Request{
		Model:     modelID,
		System:    req.System,
		Prompt:    req.Prompt,
		MaxTokens: o.maxTokens,
		TopP:      o.topP,
	}
	if technique == result.TechniqueDirect {
		lreq.Document = req.PDF
	} else {
		lreq.Prompt = req.Prompt + "\n\n--- CONTENIDO DEL DOCUMENTO ---\n" + text
	}

	start := time.Now()
	resp, err := resilience.DoVal(ctx, o.retryConfig(modelID), func(ctx context.Context) (*llm.Response, error) {
		return o.invoker.Invoke(ctx, lreq)
	})
	att.Duration = time.Since(start)

	switch {
	case err != nil:
		att.Status = model.StatusModelError
		att.Error = err.Error()
	case resp.Filtered():
		att.Status = model.StatusContentFiltered
		att.Error = "content filtered by " + modelID
		att.Usage = resp.Usage
	default:
		att.Usage = resp.Usage
		rec := req.Parse(resp.Text, req.Task.Path)
		if rec.Method == model.ParseMethodTerminalError {
			att.Status = model.StatusParseError
			att.Error = "could not parse model response"
		} else {
			att.Status = model.StatusSuccess
			att.Record = rec
		}
	}

	out.Trail = append(out.Trail, att)
	return &att
}

func (o *Orchestrator) retryConfig(modelID string) resilience.RetryConfig {
	cfg := o.retry
	cfg.OnRetry = resilience.RetryLogger(modelID, "invoke")
	return cfg
}

func (o *Orchestrator) transition(out *Outcome, next State, log *zap.Logger) {
	log.Debug("fallback state transition",
		zap.String("from", out.State.String()),
		zap.String("to", next.String()))
	out.State = next
}

func (o *Orchestrator) succeed(out *Outcome, att *result.Attempt, log *zap.Logger) *Outcome {
	out.State = StateSucceeded
	out.Final = att
	log.Info("cascade succeeded",
		zap.String("model", att.Model),
		zap.String("technique", string(att.Technique)),
		zap.Int("calls", out.CallCount))
	return out
}

// bestFailure folds the attempt trail through the failure ranking.
// Earlier attempts win ties, so the reported failure is stable.
func bestFailure(trail []result.Attempt) *result.Attempt {
	var best *result.Attempt
	for i := range trail {
		best = result.Better(best, &trail[i])
	}
	return best
}

func finalStatus(att *result.Attempt) string {
	if att == nil {
		return "none"
	}
	return string(att.Status)
}
