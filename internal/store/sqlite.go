package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/result"
)

// SQLiteStore implements Store on a local SQLite file for single-host
// deployments and tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite store at the given path and configures WAL
// mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	path            TEXT NOT NULL,
	document_number TEXT,
	stage           TEXT NOT NULL,
	status          TEXT NOT NULL,
	category        TEXT,
	primary_model   TEXT,
	final_model     TEXT,
	models_tried    TEXT,
	fallback_used   INTEGER NOT NULL DEFAULT 0,
	technique       TEXT,
	parse_method    TEXT,
	call_count      INTEGER NOT NULL DEFAULT 0,
	input_tokens    INTEGER NOT NULL DEFAULT 0,
	output_tokens   INTEGER NOT NULL DEFAULT 0,
	error           TEXT,
	started_at      DATETIME NOT NULL,
	finished_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_stage_status ON runs(stage, status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);

CREATE TABLE IF NOT EXISTS manual_reviews (
	id              TEXT PRIMARY KEY,
	path            TEXT NOT NULL,
	document_number TEXT,
	category        TEXT,
	stage           TEXT NOT NULL,
	error_type      TEXT NOT NULL,
	error_message   TEXT NOT NULL,
	models_tried    TEXT,
	technique       TEXT,
	attempts        TEXT,
	created_at      DATETIME NOT NULL,
	expires_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reviews_created_at ON manual_reviews(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_reviews_expires_at ON manual_reviews(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveOutcome(ctx context.Context, rec *result.RunRecord) error {
	modelsJSON, err := json.Marshal(rec.ModelsTried)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal models tried")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs
		 (id, path, document_number, stage, status, category, primary_model, final_model,
		  models_tried, fallback_used, technique, parse_method, call_count, input_tokens,
		  output_tokens, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Path, rec.DocumentNumber, string(rec.Stage), string(rec.Status),
		string(rec.Category), rec.PrimaryModel, rec.FinalModel, string(modelsJSON), rec.FallbackUsed,
		string(rec.Technique), string(rec.ParseMethod), rec.CallCount,
		rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Error,
		rec.StartedAt, rec.FinishedAt,
	)
	return eris.Wrapf(err, "sqlite: save outcome %s", rec.ID)
}

func (s *SQLiteStore) GetOutcome(ctx context.Context, id string) (*result.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, document_number, stage, status, category, primary_model,
		 final_model, models_tried, fallback_used, technique, parse_method, call_count,
		 input_tokens, output_tokens, error, started_at, finished_at FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get outcome %s", id)
	}
	return rec, nil
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, filter RunFilter) ([]result.RunRecord, error) {
	query := `SELECT id, path, document_number, stage, status, category, primary_model,
		final_model, models_tried, fallback_used, technique, parse_method, call_count,
		input_tokens, output_tokens, error, started_at, finished_at FROM runs WHERE true`
	args := []any{}

	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, string(filter.Category))
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, filter.Since)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list outcomes")
	}
	defer rows.Close()

	var recs []result.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outcome")
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list outcomes iterate")
}

func (s *SQLiteStore) SaveManualReview(ctx context.Context, rec *ManualReviewRecord) error {
	modelsJSON, err := json.Marshal(rec.ModelsTried)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal models tried")
	}
	attemptsJSON, err := json.Marshal(rec.Attempts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attempts")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO manual_reviews
		 (id, path, document_number, category, stage, error_type, error_message,
		  models_tried, technique, attempts, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Path, rec.DocumentNumber, string(rec.Category), string(rec.Stage),
		rec.ErrorType, rec.ErrorMessage, string(modelsJSON), string(rec.Technique),
		string(attemptsJSON), rec.CreatedAt, rec.ExpiresAt,
	)
	return eris.Wrapf(err, "sqlite: save manual review %s", rec.ID)
}

func (s *SQLiteStore) ListManualReviews(ctx context.Context, limit int) ([]ManualReviewRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, document_number, category, stage, error_type, error_message,
		 models_tried, technique, attempts, created_at, expires_at
		 FROM manual_reviews ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list manual reviews")
	}
	defer rows.Close()

	var recs []ManualReviewRecord
	for rows.Next() {
		var (
			rec          ManualReviewRecord
			category     string
			stage        string
			technique    string
			modelsJSON   string
			attemptsJSON string
		)
		if err := rows.Scan(&rec.ID, &rec.Path, &rec.DocumentNumber, &category,
			&stage, &rec.ErrorType, &rec.ErrorMessage, &modelsJSON, &technique,
			&attemptsJSON, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan manual review")
		}
		rec.Category = model.Category(category)
		rec.Stage = model.Stage(stage)
		rec.Technique = result.Technique(technique)
		if modelsJSON != "" {
			if err := json.Unmarshal([]byte(modelsJSON), &rec.ModelsTried); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal models tried")
			}
		}
		if attemptsJSON != "" {
			if err := json.Unmarshal([]byte(attemptsJSON), &rec.Attempts); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal attempts")
			}
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list manual reviews iterate")
}

func (s *SQLiteStore) DeleteExpiredReviews(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM manual_reviews WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired reviews")
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Stats(ctx context.Context, lookback time.Duration) (*Stats, error) {
	since := time.Now().UTC().Add(-lookback)
	stats := &Stats{LookbackHours: int(lookback.Hours())}

	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT count(*),
		        count(CASE WHEN status = '%s' THEN 1 END),
		        count(CASE WHEN fallback_used THEN 1 END),
		        COALESCE(sum(input_tokens), 0),
		        COALESCE(sum(output_tokens), 0)
		 FROM runs WHERE started_at >= ?`, model.StatusSuccess), since).
		Scan(&stats.Total, &stats.Succeeded, &stats.FallbackUsed,
			&stats.InputTokens, &stats.OutputTokens)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: run stats")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM manual_reviews WHERE created_at >= ?`, since).
		Scan(&stats.ManualReviews)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: review stats")
	}
	return stats, nil
}

var _ Store = (*SQLiteStore)(nil)
