package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/corfid/docpipe/internal/fallback"
	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/parse"
	"github.com/corfid/docpipe/internal/prompt"
	"github.com/corfid/docpipe/internal/result"
)

// RecoverHandler is the last automated stop for a document. It re-runs
// the failed stage with degraded techniques enabled (text layer, then
// optical OCR) and writes the manual-review row when everything fails.
type RecoverHandler struct {
	deps *Deps
}

// NewRecoverHandler creates the recovery stage handler.
func NewRecoverHandler(deps *Deps) *RecoverHandler {
	return &RecoverHandler{deps: deps}
}

// Handle retries a failed task through the full recovery cascade.
func (h *RecoverHandler) Handle(ctx context.Context, task model.DocumentTask) (*result.RunRecord, error) {
	var run *result.RunRecord
	err := h.deps.guard(ctx, model.StageRecovery, task.Path, func() error {
		var err error
		run, err = h.recover(ctx, task)
		return err
	})
	return run, err
}

func (h *RecoverHandler) recover(ctx context.Context, task model.DocumentTask) (*result.RunRecord, error) {
	log := zap.L().With(
		zap.String("path", task.Path),
		zap.String("source_stage", string(task.SourceStage)))

	ref := task.Ref()
	pdf, _, err := h.deps.Objects.Get(ctx, ref.Container, ref.Key)
	if err != nil {
		h.deps.escalate(ctx, model.StageRecovery, task.Path,
			"infrastructure_error", err.Error(), nil)
		return nil, eris.Wrapf(err, "fetch document %s", task.Path)
	}

	prompts, parser, err := h.planFor(task)
	if err != nil {
		return nil, err
	}

	// The direct path already burned a full pass upstream; start the
	// cascade on the fallback model.
	task.FallbackUsed = true

	run := result.NewRunRecord(task.Path, model.StageRecovery)
	out := h.deps.Recovery.Run(ctx, fallback.Request{
		Task:   task,
		Stage:  model.StageRecovery,
		System: prompts.System,
		Prompt: prompts.User,
		PDF:    pdf,
		Parse:  parser,
	})
	run.Finish(out.Final, out.Trail)
	h.deps.saveOutcome(ctx, run)

	if !out.Succeeded() {
		log.Warn("recovery exhausted, escalating to manual review",
			zap.String("final_status", string(run.Status)))
		h.deps.escalate(ctx, model.StageRecovery, task.Path,
			errorTypeFor(out), errorMessageFor(out), out)
		return run, nil
	}

	rec := out.Final.Record
	log.Info("document recovered",
		zap.String("technique", string(out.Final.Technique)),
		zap.String("category", string(rec.Category)))

	if task.SourceStage == model.StageClassification && rec.RequiresExtraction() {
		next := model.DocumentTask{
			Path:           task.Path,
			Category:       rec.Category,
			DocumentNumber: rec.DocumentNumber,
			DocumentType:   rec.DocumentType,
			FallbackUsed:   run.FallbackUsed,
			ModelsTried:    run.ModelsTried,
			SourceStage:    model.StageRecovery,
		}
		if err := h.deps.Tasks.Send(ctx, model.StageExtraction, next); err != nil {
			return run, eris.Wrapf(err, "enqueue extraction for %s", task.Path)
		}
	}
	if task.SourceStage == model.StageExtraction {
		if err := h.deps.Schemas.Check(rec); err != nil {
			log.Warn("recovered payload downgraded to review", zap.Error(err))
		}
	}
	return run, nil
}

// planFor picks prompts and parser for the stage being redone.
func (h *RecoverHandler) planFor(task model.DocumentTask) (prompt.Pair, func(string, string) *model.Record, error) {
	if task.SourceStage == model.StageExtraction {
		prompts, err := h.deps.Prompts.Extraction(task.Category)
		if err != nil {
			return prompt.Pair{}, nil, eris.Wrapf(err, "load %s extraction prompts", task.Category)
		}
		return prompts, parse.Extraction, nil
	}
	prompts, err := h.deps.Prompts.Classification()
	if err != nil {
		return prompt.Pair{}, nil, eris.Wrap(err, "load classification prompts")
	}
	return prompts, parse.Classification, nil
}
