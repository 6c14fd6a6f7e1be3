package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corfid/docpipe/internal/model"
)

func newTestOutbox(t *testing.T) *SQLiteOutbox {
	t.Helper()
	o, err := NewSQLiteOutbox(filepath.Join(t.TempDir(), "outbox.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	require.NoError(t, o.Migrate(context.Background()))
	return o
}

func TestSQLiteOutboxRoundTrip(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox(t)

	task := model.DocumentTask{
		Path:     "store://docs/CERL/800035887/scan.pdf",
		Category: model.CategoryCERL,
	}
	require.NoError(t, o.Send(ctx, model.StageExtraction, task))

	n, err := o.PendingCount(ctx, model.StageExtraction)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msgs, err := o.Dequeue(ctx, model.StageExtraction, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, task.Path, msgs[0].Task.Path)
	assert.Equal(t, model.StageExtraction, msgs[0].Stage)

	// Claimed rows are invisible to a second dequeue.
	again, err := o.Dequeue(ctx, model.StageExtraction, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, o.Ack(ctx, msgs[0].ID))
	n, err = o.PendingCount(ctx, model.StageExtraction)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteOutboxNackRequeues(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox(t)

	require.NoError(t, o.Send(ctx, model.StageRecovery, model.DocumentTask{
		Path: "store://docs/RUT/900123456/b.pdf",
	}))

	msgs, err := o.Dequeue(ctx, model.StageRecovery, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Zero(t, msgs[0].Attempts)

	require.NoError(t, o.Nack(ctx, msgs[0].ID, "downstream unavailable"))

	msgs, err = o.Dequeue(ctx, model.StageRecovery, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].Attempts)
}

func TestSQLiteOutboxStageIsolation(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox(t)

	require.NoError(t, o.Send(ctx, model.StageExtraction, model.DocumentTask{Path: "a"}))
	require.NoError(t, o.Send(ctx, model.StageRecovery, model.DocumentTask{Path: "b"}))

	msgs, err := o.Dequeue(ctx, model.StageExtraction, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].Task.Path)
}
