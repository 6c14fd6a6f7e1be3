// Package pipeline wires the stage handlers: classification on inbound
// events, extraction and recovery on queued tasks, plus the batch
// runner. Handlers stay thin; the cascade, parsing, and persistence
// live in their own packages.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/corfid/docpipe/internal/fallback"
	"github.com/corfid/docpipe/internal/lock"
	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/prompt"
	"github.com/corfid/docpipe/internal/queue"
	"github.com/corfid/docpipe/internal/result"
	"github.com/corfid/docpipe/internal/schema"
	"github.com/corfid/docpipe/internal/store"
	"github.com/corfid/docpipe/pkg/objstore"
)

// Deps carries the collaborators every stage handler shares. Direct runs
// model attempts against the raw PDF only; Recovery additionally holds
// the text-layer and optical extractors.
type Deps struct {
	Locks    *lock.Manager
	Objects  objstore.Store
	Prompts  *prompt.Loader
	Schemas  *schema.Validator
	Audits   store.Store
	Tasks    queue.Sender
	Direct   *fallback.Orchestrator
	Recovery *fallback.Orchestrator
}

// guard is the outer stage boundary. A panic or unhandled infrastructure
// fault inside a handler must never lose the document silently, so the
// boundary converts it to a best-effort manual-review row.
func (d *Deps) guard(ctx context.Context, stage model.Stage, path string, fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err = fmt.Errorf("stage %s panicked: %v", stage, r)
		zap.L().Error("stage handler panicked",
			zap.String("stage", string(stage)),
			zap.String("path", path),
			zap.Any("panic", r))
		d.escalate(ctx, stage, path, "infrastructure_error", err.Error(), nil)
	}()
	return fn()
}

// escalate writes a manual-review row. Best effort: a failing audit
// store must not mask the original fault.
func (d *Deps) escalate(ctx context.Context, stage model.Stage, path, errType, errMsg string, out *fallback.Outcome) {
	rec := store.NewManualReview(path, stage)
	rec.ErrorType = errType
	rec.ErrorMessage = errMsg
	if out != nil {
		rec.Attempts = out.Trail
		if out.Final != nil {
			rec.Technique = out.Final.Technique
		}
		seen := map[string]bool{}
		for _, a := range out.Trail {
			if a.Model != "" && !seen[a.Model] {
				seen[a.Model] = true
				rec.ModelsTried = append(rec.ModelsTried, a.Model)
			}
		}
		if out.Final != nil && out.Final.Record != nil {
			rec.Category = out.Final.Record.Category
		}
	}
	if err := d.Audits.SaveManualReview(ctx, rec); err != nil {
		zap.L().Error("could not persist manual review",
			zap.String("path", path), zap.Error(err))
	}
}

// saveOutcome persists the audit row. Audit write failures are logged,
// not returned: the document's fate is already decided.
func (d *Deps) saveOutcome(ctx context.Context, run *result.RunRecord) {
	if err := d.Audits.SaveOutcome(ctx, run); err != nil {
		zap.L().Error("could not persist run audit",
			zap.String("run_id", run.ID),
			zap.String("path", run.Path),
			zap.Error(err))
	}
}

// errorTypeFor maps a cascade's decisive failure onto the review row's
// error taxonomy.
func errorTypeFor(out *fallback.Outcome) string {
	if out == nil || out.Final == nil {
		return "model_error"
	}
	return string(out.Final.Status)
}

func errorMessageFor(out *fallback.Outcome) string {
	if out == nil || out.Final == nil {
		return "no attempts recorded"
	}
	if out.Final.Error != "" {
		return out.Final.Error
	}
	return "all models and techniques exhausted"
}
