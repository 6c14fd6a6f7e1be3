package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/corfid/docpipe/internal/db"
	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/internal/result"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot paths: one audit insert per document per stage.
var preparedStatements = map[string]string{
	"insert_run": `INSERT INTO runs
		(id, path, document_number, stage, status, category, primary_model, final_model,
		 models_tried, fallback_used, technique, parse_method, call_count, input_tokens,
		 output_tokens, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
	"get_run": `SELECT id, path, document_number, stage, status, category, primary_model,
		final_model, models_tried, fallback_used, technique, parse_method, call_count,
		input_tokens, output_tokens, error, started_at, finished_at FROM runs WHERE id = $1`,
	"insert_review": `INSERT INTO manual_reviews
		(id, path, document_number, category, stage, error_type, error_message,
		 models_tried, technique, attempts, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests and by
// callers that share one pool across subsystems.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need
// direct query access (the lock backend and the outbox share it).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	path            TEXT NOT NULL,
	document_number TEXT,
	stage           TEXT NOT NULL,
	status          TEXT NOT NULL,
	category        TEXT,
	primary_model   TEXT,
	final_model     TEXT,
	models_tried    JSONB,
	fallback_used   BOOLEAN NOT NULL DEFAULT false,
	technique       TEXT,
	parse_method    TEXT,
	call_count      INTEGER NOT NULL DEFAULT 0,
	input_tokens    BIGINT NOT NULL DEFAULT 0,
	output_tokens   BIGINT NOT NULL DEFAULT 0,
	error           TEXT,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_stage_status ON runs(stage, status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_document_number ON runs(document_number);

CREATE TABLE IF NOT EXISTS manual_reviews (
	id              TEXT PRIMARY KEY,
	path            TEXT NOT NULL,
	document_number TEXT,
	category        TEXT,
	stage           TEXT NOT NULL,
	error_type      TEXT NOT NULL,
	error_message   TEXT NOT NULL,
	models_tried    JSONB,
	technique       TEXT,
	attempts        JSONB,
	created_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reviews_created_at ON manual_reviews(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_reviews_expires_at ON manual_reviews(expires_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveOutcome(ctx context.Context, rec *result.RunRecord) error {
	modelsJSON, err := json.Marshal(rec.ModelsTried)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal models tried")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs
		 (id, path, document_number, stage, status, category, primary_model, final_model,
		  models_tried, fallback_used, technique, parse_method, call_count, input_tokens,
		  output_tokens, error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		rec.ID, rec.Path, rec.DocumentNumber, string(rec.Stage), string(rec.Status),
		string(rec.Category), rec.PrimaryModel, rec.FinalModel, modelsJSON, rec.FallbackUsed,
		string(rec.Technique), string(rec.ParseMethod), rec.CallCount,
		rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Error,
		rec.StartedAt, rec.FinishedAt,
	)
	return eris.Wrapf(err, "postgres: save outcome %s", rec.ID)
}

// SaveOutcomes bulk-inserts audit rows with the COPY protocol, for
// backfills and migrations that land many runs at once.
func (s *PostgresStore) SaveOutcomes(ctx context.Context, recs []*result.RunRecord) (int64, error) {
	columns := []string{
		"id", "path", "document_number", "stage", "status", "category",
		"primary_model", "final_model", "models_tried", "fallback_used",
		"technique", "parse_method", "call_count", "input_tokens",
		"output_tokens", "error", "started_at", "finished_at",
	}
	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		modelsJSON, err := json.Marshal(rec.ModelsTried)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal models tried %s", rec.ID)
		}
		rows = append(rows, []any{
			rec.ID, rec.Path, rec.DocumentNumber, string(rec.Stage), string(rec.Status),
			string(rec.Category), rec.PrimaryModel, rec.FinalModel, modelsJSON, rec.FallbackUsed,
			string(rec.Technique), string(rec.ParseMethod), rec.CallCount,
			rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Error,
			rec.StartedAt, rec.FinishedAt,
		})
	}
	return db.CopyFrom(ctx, s.pool, "runs", columns, rows)
}

func (s *PostgresStore) GetOutcome(ctx context.Context, id string) (*result.RunRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, path, document_number, stage, status, category, primary_model,
		 final_model, models_tried, fallback_used, technique, parse_method, call_count,
		 input_tokens, output_tokens, error, started_at, finished_at FROM runs WHERE id = $1`, id)
	rec, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get outcome %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, filter RunFilter) ([]result.RunRecord, error) {
	query := `SELECT id, path, document_number, stage, status, category, primary_model,
		final_model, models_tried, fallback_used, technique, parse_method, call_count,
		input_tokens, output_tokens, error, started_at, finished_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Stage != "" {
		query += fmt.Sprintf(` AND stage = $%d`, argIdx)
		args = append(args, string(filter.Stage))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Category != "" {
		query += fmt.Sprintf(` AND category = $%d`, argIdx)
		args = append(args, string(filter.Category))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND started_at >= $%d`, argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list outcomes")
	}
	defer rows.Close()

	var recs []result.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan outcome")
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list outcomes iterate")
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*result.RunRecord, error) {
	var (
		rec         result.RunRecord
		stage       string
		status      string
		category    string
		technique   string
		parseMethod string
		modelsJSON  []byte
	)
	err := row.Scan(&rec.ID, &rec.Path, &rec.DocumentNumber, &stage, &status,
		&category, &rec.PrimaryModel, &rec.FinalModel, &modelsJSON, &rec.FallbackUsed, &technique,
		&parseMethod, &rec.CallCount, &rec.Usage.InputTokens,
		&rec.Usage.OutputTokens, &rec.Error, &rec.StartedAt, &rec.FinishedAt)
	if err != nil {
		return nil, err
	}
	rec.Stage = model.Stage(stage)
	rec.Status = model.Status(status)
	rec.Category = model.Category(category)
	rec.Technique = result.Technique(technique)
	rec.ParseMethod = model.ParseMethod(parseMethod)
	if len(modelsJSON) > 0 {
		if err := json.Unmarshal(modelsJSON, &rec.ModelsTried); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func (s *PostgresStore) SaveManualReview(ctx context.Context, rec *ManualReviewRecord) error {
	modelsJSON, err := json.Marshal(rec.ModelsTried)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal models tried")
	}
	attemptsJSON, err := json.Marshal(rec.Attempts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attempts")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO manual_reviews
		 (id, path, document_number, category, stage, error_type, error_message,
		  models_tried, technique, attempts, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.Path, rec.DocumentNumber, string(rec.Category), string(rec.Stage),
		rec.ErrorType, rec.ErrorMessage, modelsJSON, string(rec.Technique),
		attemptsJSON, rec.CreatedAt, rec.ExpiresAt,
	)
	return eris.Wrapf(err, "postgres: save manual review %s", rec.ID)
}

func (s *PostgresStore) ListManualReviews(ctx context.Context, limit int) ([]ManualReviewRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, path, document_number, category, stage, error_type, error_message,
		 models_tried, technique, attempts, created_at, expires_at
		 FROM manual_reviews ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list manual reviews")
	}
	defer rows.Close()

	var recs []ManualReviewRecord
	for rows.Next() {
		var (
			rec          ManualReviewRecord
			category     string
			stage        string
			technique    string
			modelsJSON   []byte
			attemptsJSON []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Path, &rec.DocumentNumber, &category,
			&stage, &rec.ErrorType, &rec.ErrorMessage, &modelsJSON, &technique,
			&attemptsJSON, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan manual review")
		}
		rec.Category = model.Category(category)
		rec.Stage = model.Stage(stage)
		rec.Technique = result.Technique(technique)
		if len(modelsJSON) > 0 {
			if err := json.Unmarshal(modelsJSON, &rec.ModelsTried); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal models tried")
			}
		}
		if len(attemptsJSON) > 0 {
			if err := json.Unmarshal(attemptsJSON, &rec.Attempts); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal attempts")
			}
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list manual reviews iterate")
}

func (s *PostgresStore) DeleteExpiredReviews(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM manual_reviews WHERE expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired reviews")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Stats(ctx context.Context, lookback time.Duration) (*Stats, error) {
	since := time.Now().UTC().Add(-lookback)
	stats := &Stats{LookbackHours: int(lookback.Hours())}

	err := s.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE status = 'success'),
		        count(*) FILTER (WHERE fallback_used),
		        COALESCE(sum(input_tokens), 0),
		        COALESCE(sum(output_tokens), 0)
		 FROM runs WHERE started_at >= $1`, since).
		Scan(&stats.Total, &stats.Succeeded, &stats.FallbackUsed,
			&stats.InputTokens, &stats.OutputTokens)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: run stats")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FROM manual_reviews WHERE created_at >= $1`, since).
		Scan(&stats.ManualReviews)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: review stats")
	}
	return stats, nil
}

var _ Store = (*PostgresStore)(nil)
