package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/queue"
	"github.com/corfid/docpipe/internal/result"
)

func newTestOutbox(t *testing.T) *queue.SQLiteOutbox {
	t.Helper()
	outbox, err := queue.NewSQLiteOutbox(filepath.Join(t.TempDir(), "queue.db"), "outbox_tasks")
	require.NoError(t, err)
	t.Cleanup(func() { _ = outbox.Close() })
	require.NoError(t, outbox.Migrate(context.Background()))
	return outbox
}

func TestDrainStage(t *testing.T) {
	ctx := context.Background()
	outbox := newTestOutbox(t)

	for _, path := range []string{
		"store://docs/CERL/800035887/scan.pdf",
		"store://docs/CERL/800041622/scan.pdf",
	} {
		require.NoError(t, outbox.Send(ctx, model.StageExtraction, model.DocumentTask{Path: path}))
	}

	var handled []string
	handler := func(_ context.Context, task model.DocumentTask) (*result.RunRecord, error) {
		handled = append(handled, task.Path)
		return &result.RunRecord{}, nil
	}

	processed, err := drainStage(ctx, outbox, model.StageExtraction, handler, 0, false, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Len(t, handled, 2)

	// Acked tasks are gone.
	pending, err := outbox.PendingCount(ctx, model.StageExtraction)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDrainStageRequeuesFailures(t *testing.T) {
	ctx := context.Background()
	outbox := newTestOutbox(t)

	require.NoError(t, outbox.Send(ctx, model.StageRecovery, model.DocumentTask{Path: "store://docs/bad.pdf"}))
	require.NoError(t, outbox.Send(ctx, model.StageRecovery, model.DocumentTask{Path: "store://docs/good.pdf"}))

	handler := func(_ context.Context, task model.DocumentTask) (*result.RunRecord, error) {
		if task.Path == "store://docs/bad.pdf" {
			return nil, eris.New("object store unavailable")
		}
		return &result.RunRecord{}, nil
	}

	processed, err := drainStage(ctx, outbox, model.StageRecovery, handler, 0, false, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	// The failed task went back to pending for a later worker.
	pending, err := outbox.PendingCount(ctx, model.StageRecovery)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestDrainStageHonorsLimit(t *testing.T) {
	ctx := context.Background()
	outbox := newTestOutbox(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, outbox.Send(ctx, model.StageExtraction, model.DocumentTask{Path: "store://docs/doc.pdf"}))
	}

	handler := func(_ context.Context, _ model.DocumentTask) (*result.RunRecord, error) {
		return &result.RunRecord{}, nil
	}

	processed, err := drainStage(ctx, outbox, model.StageExtraction, handler, 3, false, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
}
