// Package queue moves document tasks between pipeline stages through a
// durable outbox table. Enqueues are plain inserts so they commit with
// the caller's work; a dispatcher drains pending rows per stage.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corfid/docpipe/internal/model"
)

// Sender enqueues tasks for a downstream stage.
type Sender interface {
	Send(ctx context.Context, stage model.Stage, task model.DocumentTask) error
}

// ItemFailure reports one task that could not be enqueued. The sibling
// tasks in the same batch are unaffected.
type ItemFailure struct {
	Index int
	Path  string
	Err   error
}

// sendConcurrency bounds parallel enqueues in a batch.
const sendConcurrency = 8

// SendBatch enqueues every task, collecting per-item failures instead of
// stopping at the first. The returned slice is nil when all succeed.
func SendBatch(ctx context.Context, s Sender, stage model.Stage, tasks []model.DocumentTask) []ItemFailure {
	type indexed struct {
		i   int
		err error
	}
	results := make(chan indexed, len(tasks))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sendConcurrency)
	for i, task := range tasks {
		g.Go(func() error {
			if err := s.Send(ctx, stage, task); err != nil {
				results <- indexed{i: i, err: err}
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors
	close(results)

	var failures []ItemFailure
	for r := range results {
		failures = append(failures, ItemFailure{
			Index: r.i,
			Path:  tasks[r.i].Path,
			Err:   r.err,
		})
	}
	return failures
}

// Message is a claimed outbox row handed to a consumer.
type Message struct {
	ID        string
	Stage     model.Stage
	Task      model.DocumentTask
	Attempts  int
	CreatedAt time.Time
}

// Outbox is the durable queue surface. Dequeue claims up to limit
// pending rows for a stage; claimed rows stay invisible until acked or
// nacked back to pending.
type Outbox interface {
	Sender
	Dequeue(ctx context.Context, stage model.Stage, limit int) ([]Message, error)
	Ack(ctx context.Context, id string) error
	Nack(ctx context.Context, id string, reason string) error
	PendingCount(ctx context.Context, stage model.Stage) (int64, error)
}

func marshalTask(task model.DocumentTask) ([]byte, error) {
	return json.Marshal(task)
}

func unmarshalTask(b []byte) (model.DocumentTask, error) {
	var t model.DocumentTask
	err := json.Unmarshal(b, &t)
	return t, err
}
