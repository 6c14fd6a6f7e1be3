package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/corfid/docpipe/internal/fallback"
	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/parse"
	"github.com/corfid/docpipe/internal/result"
)

// ExtractHandler runs field extraction for a classified document task.
type ExtractHandler struct {
	deps *Deps
}

// NewExtractHandler creates the extraction stage handler.
func NewExtractHandler(deps *Deps) *ExtractHandler {
	return &ExtractHandler{deps: deps}
}

// Handle extracts structured fields from one classified document.
func (h *ExtractHandler) Handle(ctx context.Context, task model.DocumentTask) (*result.RunRecord, error) {
	var run *result.RunRecord
	err := h.deps.guard(ctx, model.StageExtraction, task.Path, func() error {
		var err error
		run, err = h.extract(ctx, task)
		return err
	})
	return run, err
}

func (h *ExtractHandler) extract(ctx context.Context, task model.DocumentTask) (*result.RunRecord, error) {
	log := zap.L().With(
		zap.String("path", task.Path),
		zap.String("category", string(task.Category)))

	ref := task.Ref()
	pdf, _, err := h.deps.Objects.Get(ctx, ref.Container, ref.Key)
	if err != nil {
		h.deps.escalate(ctx, model.StageExtraction, task.Path,
			"infrastructure_error", err.Error(), nil)
		return nil, eris.Wrapf(err, "fetch document %s", task.Path)
	}

	prompts, err := h.deps.Prompts.Extraction(task.Category)
	if err != nil {
		return nil, eris.Wrapf(err, "load %s extraction prompts", task.Category)
	}

	run := result.NewRunRecord(task.Path, model.StageExtraction)
	out := h.deps.Direct.Run(ctx, fallback.Request{
		Task:   task,
		Stage:  model.StageExtraction,
		System: prompts.System,
		Prompt: prompts.User,
		PDF:    pdf,
		Parse:  parse.Extraction,
	})
	run.Finish(out.Final, out.Trail)

	if out.Succeeded() {
		rec := out.Final.Record
		if err := h.deps.Schemas.Check(rec); err != nil {
			// Downgraded, not discarded; the review flag travels with the
			// record and the audit row keeps the successful status.
			log.Warn("extraction payload downgraded to review", zap.Error(err))
		}
		h.deps.saveOutcome(ctx, run)
		log.Info("document extracted",
			zap.String("model", run.FinalModel),
			zap.Bool("requires_review", rec.RequiresReview),
			zap.Int("calls", run.CallCount))
		return run, nil
	}

	h.deps.saveOutcome(ctx, run)
	h.enqueueRecovery(ctx, task, run, out)
	return run, nil
}

func (h *ExtractHandler) enqueueRecovery(ctx context.Context, task model.DocumentTask, run *result.RunRecord, out *fallback.Outcome) {
	next := task
	next.FallbackUsed = run.FallbackUsed
	next.ModelsTried = run.ModelsTried
	next.PriorStatus = run.Status
	next.PriorError = run.Error
	next.SourceStage = model.StageExtraction
	if err := h.deps.Tasks.Send(ctx, model.StageRecovery, next); err != nil {
		zap.L().Error("could not enqueue recovery, escalating directly",
			zap.String("path", task.Path), zap.Error(err))
		h.deps.escalate(ctx, model.StageExtraction, task.Path,
			errorTypeFor(out), errorMessageFor(out), out)
	}
}
