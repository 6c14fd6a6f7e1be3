package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/corfid/docpipe/internal/fallback"
	"github.com/corfid/docpipe/internal/lock"
	"github.com/corfid/docpipe/internal/ocr"
	"github.com/corfid/docpipe/internal/pipeline"
	"github.com/corfid/docpipe/internal/prompt"
	"github.com/corfid/docpipe/internal/queue"
	"github.com/corfid/docpipe/internal/resilience"
	"github.com/corfid/docpipe/internal/schema"
	"github.com/corfid/docpipe/internal/store"
	"github.com/corfid/docpipe/pkg/llm"
	"github.com/corfid/docpipe/pkg/objstore"
)

// migrator is implemented by every storage component that manages its
// own schema.
type migrator interface {
	Migrate(ctx context.Context) error
}

// pipelineEnv holds the initialized storage backends, the outbox, and
// the stage handlers the process/extract/recover/batch/serve commands
// share.
type pipelineEnv struct {
	Audits   store.Store
	Locks    *lock.Manager
	Outbox   queue.Outbox
	Objects  objstore.Store
	Deps     *pipeline.Deps
	Classify *pipeline.ClassifyHandler
	Extract  *pipeline.ExtractHandler
	Recover  *pipeline.RecoverHandler

	closers []func() error
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	for i := len(pe.closers) - 1; i >= 0; i-- {
		_ = pe.closers[i]()
	}
}

// initPipeline sets up the stores, lock manager, outbox, model clients,
// and stage handlers. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	env := &pipelineEnv{}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Audits = st
	env.closers = append(env.closers, st.Close)

	objects, err := objstore.NewFS(cfg.Objects.Root)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init object store")
	}
	env.Objects = objects

	backend, err := initLockBackend(st)
	if err != nil {
		env.Close()
		return nil, err
	}
	if c, ok := backend.(interface{ Close() error }); ok {
		env.closers = append(env.closers, c.Close)
	}
	env.Locks = lock.NewManager(backend, objects, lock.Options{
		Retention:  time.Duration(cfg.Lock.RetentionDays) * 24 * time.Hour,
		FailClosed: cfg.Lock.FailClosed,
	})

	outbox, err := initOutbox(st)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Outbox = outbox
	if c, ok := outbox.(interface{ Close() error }); ok {
		env.closers = append(env.closers, c.Close)
	}

	for _, c := range []any{st, backend, outbox} {
		if m, ok := c.(migrator); ok {
			if err := m.Migrate(ctx); err != nil {
				env.Close()
				return nil, eris.Wrap(err, "migrate storage")
			}
		}
	}

	invoker := initInvoker()
	retry := resilience.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay(),
		MaxDelay:    cfg.Retry.MaxDelay(),
	}

	textLayer := ocr.NewTextLayer(cfg.OCR.PdfToTextPath)
	var optical ocr.Extractor
	if cfg.OCR.OpticalEndpoint != "" {
		optical = ocr.NewOptical(cfg.OCR.OpticalEndpoint, cfg.OCR.OpticalAPIKey)
		zap.L().Info("optical ocr enabled")
	} else {
		zap.L().Debug("DOCPIPE_OCR_OPTICAL_ENDPOINT not set, optical recovery disabled")
	}

	topP := cfg.Models.TopP
	direct := fallback.New(fallback.Config{
		Invoker:   invoker,
		Primary:   cfg.Models.PrimaryModel,
		Secondary: cfg.Models.FallbackModel,
		MaxTokens: cfg.Models.MaxTokens,
		TopP:      &topP,
		Retry:     retry,
	})
	recovery := fallback.New(fallback.Config{
		Invoker:   invoker,
		TextLayer: textLayer,
		Optical:   optical,
		Primary:   cfg.Models.PrimaryModel,
		Secondary: cfg.Models.FallbackModel,
		MaxTokens: cfg.Models.MaxTokens,
		TopP:      &topP,
		Retry:     retry,
	})

	validator := schema.NewValidator(cfg.Prompts.Root)
	if m, mErr := schema.LoadManifest(filepath.Join(cfg.Prompts.Root, "categories.yaml")); mErr == nil {
		validator = schema.NewValidatorWithManifest(cfg.Prompts.Root, m)
		zap.L().Info("category manifest loaded", zap.Int("categories", len(m.Categories)))
	} else {
		zap.L().Debug("no category manifest, using evaluation tree layout", zap.Error(mErr))
	}

	env.Deps = &pipeline.Deps{
		Locks:    env.Locks,
		Objects:  objects,
		Prompts:  prompt.NewLoader(cfg.Prompts.Root),
		Schemas:  validator,
		Audits:   st,
		Tasks:    outbox,
		Direct:   direct,
		Recovery: recovery,
	}
	env.Classify = pipeline.NewClassifyHandler(env.Deps)
	env.Extract = pipeline.NewExtractHandler(env.Deps)
	env.Recover = pipeline.NewRecoverHandler(env.Deps)

	return env, nil
}

// initInvoker selects the model transport. A configured endpoint means
// the REST gateway; otherwise the Anthropic SDK talks to the API
// directly.
func initInvoker() llm.Invoker {
	if cfg.Models.Endpoint != "" {
		return llm.NewREST(cfg.Models.Endpoint, cfg.Models.APIKey)
	}
	return llm.NewAnthropic(cfg.Models.APIKey)
}
