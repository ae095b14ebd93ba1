package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/density-cli/internal/db"
	"github.com/sells-group/density-cli/internal/model"
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

var levelRowColumns = []string{"run_id", "level", "position", "division_id", "division_name", "record"}

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"insert_run": `INSERT INTO runs (id, status, spec, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
	"finish_run": `UPDATE runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
	"get_run":    `SELECT id, status, spec, error, created_at, updated_at FROM runs WHERE id = $1`,
	"get_level":  `SELECT value_column, summary FROM run_levels WHERE run_id = $1 AND level = $2`,
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

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	status     TEXT NOT NULL DEFAULT 'running',
	spec       JSONB NOT NULL,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_levels (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	level        TEXT NOT NULL,
	value_column TEXT NOT NULL,
	summary      JSONB NOT NULL,
	saved_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, level)
);

CREATE TABLE IF NOT EXISTS level_rows (
	run_id        TEXT NOT NULL REFERENCES runs(id),
	level         TEXT NOT NULL,
	position      INTEGER NOT NULL,
	division_id   TEXT NOT NULL,
	division_name TEXT NOT NULL,
	record        JSONB NOT NULL,
	PRIMARY KEY (run_id, level, position)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_level_rows_division ON level_rows(division_id);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// CreateRun inserts a running run.
func (s *PostgresStore) CreateRun(ctx context.Context, spec model.RunSpec) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal spec")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, spec, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, string(model.RunStatusRunning), specJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Status:    model.RunStatusRunning,
		Spec:      spec,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// FinishRun marks a run complete, or failed when runErr is set.
func (s *PostgresStore) FinishRun(ctx context.Context, runID string, runErr error) error {
	status, msg := finishState(runErr)
	var errMsg *string
	if msg != "" {
		errMsg = &msg
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(status), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func scanPostgresRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var specJSON []byte
	var errMsg *string

	if err := row.Scan(&r.ID, &r.Status, &specJSON, &errMsg, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(specJSON, &r.Spec); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal spec")
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	return &r, nil
}

// GetRun returns a run with the summaries of its saved levels.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPostgresRun(s.pool.QueryRow(ctx,
		`SELECT id, status, spec, error, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	rows, err := s.pool.Query(ctx, `SELECT summary FROM run_levels WHERE run_id = $1`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list level summaries")
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan summary")
		}
		var sum model.Summary
		if err := json.Unmarshal(raw, &sum); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
		r.Summaries = append(r.Summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: summaries iterate")
	}
	sortSummaries(r.Summaries)
	return r, nil
}

// ListRuns returns runs newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, spec, error, created_at, updated_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
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
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// SaveLevel replaces the stored table of one level. Rows go through COPY.
func (s *PostgresStore) SaveLevel(ctx context.Context, runID string, table *model.Table) error {
	rows := make([][]any, 0, len(table.Records))
	for i, rec := range table.Records {
		b, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		rows = append(rows, []any{runID, string(table.Level), int32(i), rec.ID, rec.Name, b})
	}

	if _, err := db.Replace(ctx, s.pool, db.ReplaceConfig{
		Table:     "level_rows",
		Columns:   levelRowColumns,
		ScopeKeys: []string{"run_id", "level"},
		Scope:     []any{runID, string(table.Level)},
	}, rows); err != nil {
		return eris.Wrapf(err, "postgres: save level rows %s/%s", runID, table.Level)
	}

	summaryJSON, err := json.Marshal(table.Summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_levels (run_id, level, value_column, summary, saved_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id, level) DO UPDATE SET
		   value_column = EXCLUDED.value_column, summary = EXCLUDED.summary, saved_at = EXCLUDED.saved_at`,
		runID, string(table.Level), table.ValueColumn, summaryJSON, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save level %s/%s", runID, table.Level)
}

// GetLevel returns a stored level table with rows in input order.
func (s *PostgresStore) GetLevel(ctx context.Context, runID string, level model.Level) (*model.Table, error) {
	t := &model.Table{Level: level}
	var summaryJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value_column, summary FROM run_levels WHERE run_id = $1 AND level = $2`,
		runID, string(level),
	).Scan(&t.ValueColumn, &summaryJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "level %s/%s", runID, level)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get level")
	}
	if err := json.Unmarshal(summaryJSON, &t.Summary); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal summary")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT record FROM level_rows WHERE run_id = $1 AND level = $2 ORDER BY position`,
		runID, string(level),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list level rows")
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan level row")
		}
		var rec model.DivisionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal level row")
		}
		t.Records = append(t.Records, rec)
	}
	return t, eris.Wrap(rows.Err(), "postgres: level rows iterate")
}
