package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/corfid/docpipe/internal/model"
)

// SQLiteOutbox stores queued tasks in SQLite for single-host runs.
// Claims rely on the busy-timeout serializing writers; SQLite has no
// SKIP LOCKED, so the claim transaction is the whole race.
type SQLiteOutbox struct {
	db    *sql.DB
	table string
}

// NewSQLiteOutbox opens a SQLite outbox at dsn. table defaults to
// "outbox_tasks".
func NewSQLiteOutbox(dsn, table string) (*SQLiteOutbox, error) {
	if table == "" {
		table = "outbox_tasks"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "queue: open sqlite")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "queue: exec %s", pragma)
		}
	}
	return &SQLiteOutbox{db: db, table: table}, nil
}

const sqliteOutboxMigration = `
CREATE TABLE IF NOT EXISTS %s (
	id         TEXT PRIMARY KEY,
	stage      TEXT NOT NULL,
	payload    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at DATETIME NOT NULL,
	claimed_at DATETIME
);
CREATE INDEX IF NOT EXISTS %s_dispatch_idx ON %s (stage, status, created_at);
`

// Migrate creates the outbox table if it does not exist.
func (o *SQLiteOutbox) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(sqliteOutboxMigration, o.table, o.table, o.table)
	if _, err := o.db.ExecContext(ctx, ddl); err != nil {
		return eris.Wrap(err, "queue: migrate sqlite")
	}
	return nil
}

// Close releases the underlying database handle.
func (o *SQLiteOutbox) Close() error {
	return o.db.Close()
}

func (o *SQLiteOutbox) Send(ctx context.Context, stage model.Stage, task model.DocumentTask) error {
	payload, err := marshalTask(task)
	if err != nil {
		return eris.Wrapf(err, "queue: marshal task %s", task.Path)
	}
	_, err = o.db.ExecContext(ctx,
		`INSERT INTO `+o.table+` (id, stage, payload, created_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), string(stage), string(payload), time.Now().UTC())
	if err != nil {
		return eris.Wrapf(err, "queue: enqueue %s for %s", task.Path, stage)
	}
	return nil
}

func (o *SQLiteOutbox) Dequeue(ctx context.Context, stage model.Stage, limit int) ([]Message, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "queue: begin claim")
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx,
		`SELECT id, stage, payload, attempts, created_at FROM `+o.table+`
		 WHERE stage = ? AND status = 'pending'
		 ORDER BY created_at LIMIT ?`,
		string(stage), limit)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: dequeue %s", stage)
	}

	var msgs []Message
	for rows.Next() {
		var (
			m       Message
			stg     string
			payload string
		)
		if err := rows.Scan(&m.ID, &stg, &payload, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "queue: scan row")
		}
		m.Stage = model.Stage(stg)
		if m.Task, err = unmarshalTask([]byte(payload)); err != nil {
			rows.Close()
			return nil, eris.Wrapf(err, "queue: decode payload %s", m.ID)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "queue: iterate rows")
	}

	now := time.Now().UTC()
	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE `+o.table+` SET status = 'claimed', claimed_at = ? WHERE id = ?`,
			now, m.ID); err != nil {
			return nil, eris.Wrapf(err, "queue: claim %s", m.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "queue: commit claim")
	}
	return msgs, nil
}

func (o *SQLiteOutbox) Ack(ctx context.Context, id string) error {
	if _, err := o.db.ExecContext(ctx,
		`UPDATE `+o.table+` SET status = 'done' WHERE id = ?`, id); err != nil {
		return eris.Wrapf(err, "queue: ack %s", id)
	}
	return nil
}

func (o *SQLiteOutbox) Nack(ctx context.Context, id string, reason string) error {
	if _, err := o.db.ExecContext(ctx,
		`UPDATE `+o.table+` SET status = 'pending', attempts = attempts + 1, last_error = ?, claimed_at = NULL WHERE id = ?`,
		reason, id); err != nil {
		return eris.Wrapf(err, "queue: nack %s", id)
	}
	return nil
}

func (o *SQLiteOutbox) PendingCount(ctx context.Context, stage model.Stage) (int64, error) {
	var n int64
	err := o.db.QueryRowContext(ctx,
		`SELECT count(*) FROM `+o.table+` WHERE stage = ? AND status = 'pending'`,
		string(stage)).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "queue: count pending %s", stage)
	}
	return n, nil
}

var _ Outbox = (*SQLiteOutbox)(nil)
