package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/corfid/docpipe/internal/db"
)

// PostgresBackend stores lock rows in PostgreSQL. The conditional write
// is INSERT ... ON CONFLICT DO NOTHING; the row count tells us whether
// this worker won the race.
type PostgresBackend struct {
	pool  db.Pool
	table string
}

// NewPostgres creates a backend on an existing pool. table defaults to
// "processing_locks".
func NewPostgres(pool db.Pool, table string) *PostgresBackend {
	if table == "" {
		table = "processing_locks"
	}
	return &PostgresBackend{pool: pool, table: table}
}

const postgresLockMigration = `
CREATE TABLE IF NOT EXISTS %s (
	pk           TEXT PRIMARY KEY,
	container    TEXT NOT NULL,
	object_key   TEXT NOT NULL,
	version      TEXT NOT NULL,
	path         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'PROCESSING',
	acquired_at  TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %s_expires_idx ON %s (expires_at);
`

// Migrate creates the lock table if it does not exist.
func (b *PostgresBackend) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(postgresLockMigration, b.table, b.table, b.table)
	if _, err := b.pool.Exec(ctx, ddl); err != nil {
		return eris.Wrap(err, "lock: migrate postgres")
	}
	return nil
}

func (b *PostgresBackend) TryInsert(ctx context.Context, rec *Record) (bool, error) {
	tag, err := b.pool.Exec(ctx,
		`INSERT INTO `+b.table+` (pk, container, object_key, version, path, status, acquired_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (pk) DO NOTHING`,
		rec.Key, rec.Container, rec.ObjectKey, rec.Version, rec.Path,
		string(rec.Status), rec.AcquiredAt, rec.ExpiresAt)
	if err != nil {
		return false, eris.Wrapf(err, "lock: insert %s", rec.Key)
	}
	return tag.RowsAffected() == 1, nil
}

func (b *PostgresBackend) UpdateStatus(ctx context.Context, key string, status Status, completedAt time.Time) error {
	_, err := b.pool.Exec(ctx,
		`UPDATE `+b.table+` SET status = $1, completed_at = $2 WHERE pk = $3`,
		string(status), completedAt, key)
	if err != nil {
		return eris.Wrapf(err, "lock: update %s", key)
	}
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	var status string
	err := b.pool.QueryRow(ctx,
		`SELECT pk, container, object_key, version, path, status, acquired_at, completed_at, expires_at
		 FROM `+b.table+` WHERE pk = $1`, key).
		Scan(&rec.Key, &rec.Container, &rec.ObjectKey, &rec.Version, &rec.Path,
			&status, &rec.AcquiredAt, &rec.CompletedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "lock: get %s", key)
	}
	rec.Status = Status(status)
	return &rec, nil
}

func (b *PostgresBackend) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM `+b.table+` WHERE expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "lock: delete expired")
	}
	return tag.RowsAffected(), nil
}
