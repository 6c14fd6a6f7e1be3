package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/corfid/docpipe/internal/db"
	"github.com/corfid/docpipe/internal/model"
)

// PostgresOutbox stores queued tasks in a Postgres table. A claim uses
// SKIP LOCKED so concurrent dispatchers never hand the same row to two
// consumers.
type PostgresOutbox struct {
	pool  db.Pool
	table string
}

// NewPostgresOutbox creates an outbox over pool. The table name defaults
// to "outbox_tasks".
func NewPostgresOutbox(pool db.Pool, table string) *PostgresOutbox {
	if table == "" {
		table = "outbox_tasks"
	}
	return &PostgresOutbox{pool: pool, table: table}
}

// Migrate creates the outbox table and its dispatch index.
func (o *PostgresOutbox) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id         TEXT PRIMARY KEY,
	stage      TEXT NOT NULL,
	payload    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	attempts   INT  NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS %s_dispatch_idx ON %s (stage, status, created_at)`,
		o.table, o.table, o.table)
	if _, err := o.pool.Exec(ctx, ddl); err != nil {
		return eris.Wrap(err, "migrate outbox table")
	}
	return nil
}

// Send enqueues one task for a stage.
func (o *PostgresOutbox) Send(ctx context.Context, stage model.Stage, task model.DocumentTask) error {
	payload, err := marshalTask(task)
	if err != nil {
		return eris.Wrapf(err, "marshal task %s", task.Path)
	}
	sql := fmt.Sprintf(
		`INSERT INTO %s (id, stage, payload) VALUES ($1, $2, $3)`, o.table)
	if _, err := o.pool.Exec(ctx, sql, uuid.NewString(), string(stage), string(payload)); err != nil {
		return eris.Wrapf(err, "enqueue task %s for %s", task.Path, stage)
	}
	return nil
}

// Dequeue claims up to limit pending rows for a stage.
func (o *PostgresOutbox) Dequeue(ctx context.Context, stage model.Stage, limit int) ([]Message, error) {
	sql := fmt.Sprintf(`
UPDATE %s SET status = 'claimed', claimed_at = now()
WHERE id IN (
	SELECT id FROM %s
	WHERE stage = $1 AND status = 'pending'
	ORDER BY created_at
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
RETURNING id, stage, payload, attempts, created_at`, o.table, o.table)

	rows, err := o.pool.Query(ctx, sql, string(stage), limit)
	if err != nil {
		return nil, eris.Wrapf(err, "dequeue %s tasks", stage)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m       Message
			stg     string
			payload string
		)
		if err := rows.Scan(&m.ID, &stg, &payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "scan outbox row")
		}
		m.Stage = model.Stage(stg)
		if m.Task, err = unmarshalTask([]byte(payload)); err != nil {
			return nil, eris.Wrapf(err, "decode task payload %s", m.ID)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Ack marks a claimed row dispatched.
func (o *PostgresOutbox) Ack(ctx context.Context, id string) error {
	sql := fmt.Sprintf(`UPDATE %s SET status = 'done' WHERE id = $1`, o.table)
	if _, err := o.pool.Exec(ctx, sql, id); err != nil {
		return eris.Wrapf(err, "ack %s", id)
	}
	return nil
}

// Nack returns a claimed row to pending and records the failure.
func (o *PostgresOutbox) Nack(ctx context.Context, id string, reason string) error {
	sql := fmt.Sprintf(
		`UPDATE %s SET status = 'pending', attempts = attempts + 1, last_error = $2, claimed_at = NULL WHERE id = $1`,
		o.table)
	if _, err := o.pool.Exec(ctx, sql, id, reason); err != nil {
		return eris.Wrapf(err, "nack %s", id)
	}
	return nil
}

// PendingCount reports how many tasks await dispatch for a stage.
func (o *PostgresOutbox) PendingCount(ctx context.Context, stage model.Stage) (int64, error) {
	sql := fmt.Sprintf(
		`SELECT count(*) FROM %s WHERE stage = $1 AND status = 'pending'`, o.table)
	var n int64
	if err := o.pool.QueryRow(ctx, sql, string(stage)).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "count pending %s tasks", stage)
	}
	return n, nil
}

var _ Outbox = (*PostgresOutbox)(nil)
