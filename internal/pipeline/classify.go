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

// ClassifyHandler processes an inbound document event: category
// detection under an admission lock, then hand-off to extraction.
type ClassifyHandler struct {
	deps *Deps
}

// NewClassifyHandler creates the classification stage handler.
func NewClassifyHandler(deps *Deps) *ClassifyHandler {
	return &ClassifyHandler{deps: deps}
}

// Handle classifies one stored document. A nil record with nil error
// means the admission lock suppressed a duplicate delivery.
func (h *ClassifyHandler) Handle(ctx context.Context, ref model.DocumentRef) (*result.RunRecord, error) {
	path := ref.Path()
	var run *result.RunRecord
	err := h.deps.guard(ctx, model.StageClassification, path, func() error {
		var err error
		run, err = h.classify(ctx, ref)
		return err
	})
	return run, err
}

func (h *ClassifyHandler) classify(ctx context.Context, ref model.DocumentRef) (*result.RunRecord, error) {
	path := ref.Path()
	log := zap.L().With(zap.String("path", path))

	acq, err := h.deps.Locks.Acquire(ctx, ref)
	if err != nil {
		return nil, eris.Wrapf(err, "acquire lock for %s", path)
	}
	if !acq.Acquired {
		log.Info("duplicate delivery suppressed", zap.String("reason", acq.Reason))
		return nil, nil
	}
	success := false
	defer func() { h.deps.Locks.Release(ctx, acq, success) }()

	pdf, _, err := h.deps.Objects.Get(ctx, ref.Container, ref.Key)
	if err != nil {
		h.deps.escalate(ctx, model.StageClassification, path,
			"infrastructure_error", err.Error(), nil)
		return nil, eris.Wrapf(err, "fetch document %s", path)
	}

	prompts, err := h.deps.Prompts.Classification()
	if err != nil {
		return nil, eris.Wrap(err, "load classification prompts")
	}

	run := result.NewRunRecord(path, model.StageClassification)
	out := h.deps.Direct.Run(ctx, fallback.Request{
		Task:   model.DocumentTask{Path: path},
		Stage:  model.StageClassification,
		System: prompts.System,
		Prompt: prompts.User,
		PDF:    pdf,
		Parse:  parse.Classification,
	})
	run.Finish(out.Final, out.Trail)
	h.deps.saveOutcome(ctx, run)

	if !out.Succeeded() {
		// Hand the document to the recovery stage; the lock stays FAILED
		// so a replay of the same event is still suppressed.
		h.enqueueRecovery(ctx, path, run, out)
		return run, nil
	}
	success = true

	rec := out.Final.Record
	log.Info("document classified",
		zap.String("category", string(rec.Category)),
		zap.Bool("requires_review", rec.RequiresReview))

	if rec.RequiresExtraction() {
		task := model.DocumentTask{
			Path:           path,
			Category:       rec.Category,
			DocumentNumber: rec.DocumentNumber,
			DocumentType:   rec.DocumentType,
			FallbackUsed:   run.FallbackUsed,
			ModelsTried:    run.ModelsTried,
			SourceStage:    model.StageClassification,
		}
		if err := h.deps.Tasks.Send(ctx, model.StageExtraction, task); err != nil {
			return run, eris.Wrapf(err, "enqueue extraction for %s", path)
		}
	}
	return run, nil
}

func (h *ClassifyHandler) enqueueRecovery(ctx context.Context, path string, run *result.RunRecord, out *fallback.Outcome) {
	task := model.DocumentTask{
		Path:        path,
		ModelsTried: run.ModelsTried,
		PriorStatus: run.Status,
		PriorError:  run.Error,
		SourceStage: model.StageClassification,
	}
	if err := h.deps.Tasks.Send(ctx, model.StageRecovery, task); err != nil {
		zap.L().Error("could not enqueue recovery, escalating directly",
			zap.String("path", path), zap.Error(err))
		h.deps.escalate(ctx, model.StageClassification, path,
			errorTypeFor(out), errorMessageFor(out), out)
	}
}
