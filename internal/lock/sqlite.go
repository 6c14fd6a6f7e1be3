package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteBackend stores lock rows in SQLite for single-host deployments.
// INSERT OR IGNORE gives the same winner-takes-the-row semantics as the
// PostgreSQL conditional insert.
type SQLiteBackend struct {
	db    *sql.DB
	table string
}

// NewSQLite opens a SQLite lock store at the given path and configures
// WAL mode. table defaults to "processing_locks".
func NewSQLite(dsn, table string) (*SQLiteBackend, error) {
	if table == "" {
		table = "processing_locks"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "lock: open sqlite")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "lock: exec %s", pragma)
		}
	}
	return &SQLiteBackend{db: db, table: table}, nil
}

const sqliteLockMigration = `
CREATE TABLE IF NOT EXISTS %s (
	pk           TEXT PRIMARY KEY,
	container    TEXT NOT NULL,
	object_key   TEXT NOT NULL,
	version      TEXT NOT NULL,
	path         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'PROCESSING',
	acquired_at  DATETIME NOT NULL,
	completed_at DATETIME,
	expires_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS %s_expires_idx ON %s (expires_at);
`

// Migrate creates the lock table if it does not exist.
func (b *SQLiteBackend) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(sqliteLockMigration, b.table, b.table, b.table)
	if _, err := b.db.ExecContext(ctx, ddl); err != nil {
		return eris.Wrap(err, "lock: migrate sqlite")
	}
	return nil
}

// Close releases the underlying database handle.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) TryInsert(ctx context.Context, rec *Record) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+b.table+` (pk, container, object_key, version, path, status, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.Container, rec.ObjectKey, rec.Version, rec.Path,
		string(rec.Status), rec.AcquiredAt, rec.ExpiresAt)
	if err != nil {
		return false, eris.Wrapf(err, "lock: insert %s", rec.Key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "lock: rows affected")
	}
	return n == 1, nil
}

func (b *SQLiteBackend) UpdateStatus(ctx context.Context, key string, status Status, completedAt time.Time) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE `+b.table+` SET status = ?, completed_at = ? WHERE pk = ?`,
		string(status), completedAt, key)
	if err != nil {
		return eris.Wrapf(err, "lock: update %s", key)
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	var status string
	err := b.db.QueryRowContext(ctx,
		`SELECT pk, container, object_key, version, path, status, acquired_at, completed_at, expires_at
		 FROM `+b.table+` WHERE pk = ?`, key).
		Scan(&rec.Key, &rec.Container, &rec.ObjectKey, &rec.Version, &rec.Path,
			&status, &rec.AcquiredAt, &rec.CompletedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "lock: get %s", key)
	}
	rec.Status = Status(status)
	return &rec, nil
}

func (b *SQLiteBackend) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM `+b.table+` WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "lock: delete expired")
	}
	return res.RowsAffected()
}
