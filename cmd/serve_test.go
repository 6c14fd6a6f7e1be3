package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corfid/docpipe/internal/fallback"
	"github.com/corfid/docpipe/internal/lock"
	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/monitoring"
	"github.com/corfid/docpipe/internal/pipeline"
	"github.com/corfid/docpipe/internal/prompt"
	"github.com/corfid/docpipe/internal/queue"
	"github.com/corfid/docpipe/internal/resilience"
	"github.com/corfid/docpipe/internal/result"
	"github.com/corfid/docpipe/internal/schema"
	"github.com/corfid/docpipe/internal/store"
	"github.com/corfid/docpipe/pkg/llm"
	"github.com/corfid/docpipe/pkg/objstore"
)

// scriptedInvoker replays canned responses in call order.
type scriptedInvoker struct {
	mu        sync.Mutex
	responses []*llm.Response
	calls     int
}

func (s *scriptedInvoker) Invoke(context.Context, llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.responses) {
		s.calls++
		return nil, errors.New("unscripted call")
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func newServeEnv(t *testing.T, responses []*llm.Response) (*pipelineEnv, *monitoring.Collector) {
	t.Helper()
	root := t.TempDir()

	objects, err := objstore.NewFS(filepath.Join(root, "objects"))
	require.NoError(t, err)
	_, err = objects.Put(context.Background(), "docs", "CERL/800035887/scan.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)

	dir := filepath.Join(root, "instructions")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "system.txt"), []byte("system"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user.txt"), []byte("user"), 0o644))

	audits, err := store.NewSQLite(filepath.Join(root, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = audits.Close() })
	require.NoError(t, audits.Migrate(context.Background()))

	outbox, err := queue.NewSQLiteOutbox(filepath.Join(root, "queue.db"), "outbox_tasks")
	require.NoError(t, err)
	t.Cleanup(func() { _ = outbox.Close() })
	require.NoError(t, outbox.Migrate(context.Background()))

	direct := fallback.New(fallback.Config{
		Invoker:   &scriptedInvoker{responses: responses},
		Primary:   "model-a",
		Secondary: "model-b",
		Retry:     resilience.RetryConfig{MaxAttempts: 1},
	})

	deps := &pipeline.Deps{
		Locks:    lock.NewManager(nil, objects, lock.Options{}),
		Objects:  objects,
		Prompts:  prompt.NewLoader(root),
		Schemas:  schema.NewValidator(root),
		Audits:   audits,
		Tasks:    outbox,
		Direct:   direct,
		Recovery: direct,
	}

	env := &pipelineEnv{
		Audits:   audits,
		Outbox:   outbox,
		Objects:  objects,
		Deps:     deps,
		Classify: pipeline.NewClassifyHandler(deps),
		Extract:  pipeline.NewExtractHandler(deps),
		Recover:  pipeline.NewRecoverHandler(deps),
	}
	return env, monitoring.NewCollector(audits, outbox)
}

func TestServeHealth(t *testing.T) {
	env, collector := newServeEnv(t, nil)
	srv := httptest.NewServer(newRouter(env, collector, 24))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServeMetrics(t *testing.T) {
	env, collector := newServeEnv(t, nil)

	run := result.NewRunRecord("store://docs/CERL/800035887/scan.pdf", model.StageClassification)
	run.Status = model.StatusSuccess
	run.FinishedAt = time.Now().UTC()
	require.NoError(t, env.Audits.SaveOutcome(context.Background(), run))

	srv := httptest.NewServer(newRouter(env, collector, 24))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, int64(1), snap.RunsTotal)
	assert.Equal(t, int64(1), snap.RunsSucceeded)
}

func TestServeRunLookup(t *testing.T) {
	env, collector := newServeEnv(t, nil)

	run := result.NewRunRecord("store://docs/CERL/800035887/scan.pdf", model.StageClassification)
	run.Status = model.StatusSuccess
	run.FinishedAt = time.Now().UTC()
	require.NoError(t, env.Audits.SaveOutcome(context.Background(), run))

	srv := httptest.NewServer(newRouter(env, collector, 24))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/" + run.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got result.RunRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, run.ID, got.ID)

	missing, err := http.Get(srv.URL + "/runs/does-not-exist")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestServeWebhook(t *testing.T) {
	env, collector := newServeEnv(t, []*llm.Response{
		{Text: `{"category": "CERL", "document_type": "company", "text": "certificado"}`, StopReason: llm.StopEndTurn},
	})
	srv := httptest.NewServer(newRouter(env, collector, 24))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhook/document", "application/json",
		strings.NewReader(`{"container": "docs", "key": "CERL/800035887/scan.pdf"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "store://docs/CERL/800035887/scan.pdf", body["path"])

	// Classification runs async; wait for the audit row.
	require.Eventually(t, func() bool {
		runs, err := env.Audits.ListOutcomes(context.Background(), store.RunFilter{})
		return err == nil && len(runs) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestServeWebhookRejectsBadRequests(t *testing.T) {
	env, collector := newServeEnv(t, nil)
	srv := httptest.NewServer(newRouter(env, collector, 24))
	defer srv.Close()

	bad, err := http.Post(srv.URL+"/webhook/document", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	missing, err := http.Post(srv.URL+"/webhook/document", "application/json", strings.NewReader(`{"container": "docs"}`))
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusBadRequest, missing.StatusCode)
}
