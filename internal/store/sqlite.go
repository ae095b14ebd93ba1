package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/density-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'running',
	spec       TEXT NOT NULL,
	error      TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_levels (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	level        TEXT NOT NULL,
	value_column TEXT NOT NULL,
	summary      TEXT NOT NULL,
	saved_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, level)
);

CREATE TABLE IF NOT EXISTS level_rows (
	run_id        TEXT NOT NULL REFERENCES runs(id),
	level         TEXT NOT NULL,
	position      INTEGER NOT NULL,
	division_id   TEXT NOT NULL,
	division_name TEXT NOT NULL,
	record        TEXT NOT NULL,
	PRIMARY KEY (run_id, level, position)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a running run.
func (s *SQLiteStore) CreateRun(ctx context.Context, spec model.RunSpec) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal spec")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, spec, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(model.RunStatusRunning), string(specJSON), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
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
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, runErr error) error {
	status, msg := finishState(runErr)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), nullString(msg), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// GetRun returns a run with the summaries of its saved levels.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, spec, error, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT summary FROM run_levels WHERE run_id = ?`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list level summaries")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan summary")
		}
		var sum model.Summary
		if err := json.Unmarshal([]byte(raw), &sum); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
		r.Summaries = append(r.Summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: summaries iterate")
	}
	sortSummaries(r.Summaries)
	return r, nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, spec, error, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// SaveLevel replaces the stored table of one level.
func (s *SQLiteStore) SaveLevel(ctx context.Context, runID string, table *model.Table) error {
	summaryJSON, err := json.Marshal(table.Summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_levels (run_id, level, value_column, summary, saved_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, level) DO UPDATE SET
		   value_column = excluded.value_column, summary = excluded.summary, saved_at = excluded.saved_at`,
		runID, string(table.Level), table.ValueColumn, string(summaryJSON), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save level %s/%s", runID, table.Level)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM level_rows WHERE run_id = ? AND level = ?`, runID, string(table.Level),
	); err != nil {
		return eris.Wrap(err, "sqlite: clear level rows")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO level_rows (run_id, level, position, division_id, division_name, record) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare level rows")
	}
	defer stmt.Close() //nolint:errcheck

	for i, rec := range table.Records {
		b, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, runID, string(table.Level), i, rec.ID, rec.Name, string(b)); err != nil {
			return eris.Wrapf(err, "sqlite: insert level row %s", rec.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit level")
}

// GetLevel returns a stored level table with rows in input order.
func (s *SQLiteStore) GetLevel(ctx context.Context, runID string, level model.Level) (*model.Table, error) {
	t := &model.Table{Level: level}
	var summaryJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT value_column, summary FROM run_levels WHERE run_id = ? AND level = ?`,
		runID, string(level),
	).Scan(&t.ValueColumn, &summaryJSON)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "level %s/%s", runID, level)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get level")
	}
	if err := json.Unmarshal([]byte(summaryJSON), &t.Summary); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal summary")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM level_rows WHERE run_id = ? AND level = ? ORDER BY position`,
		runID, string(level),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list level rows")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan level row")
		}
		var rec model.DivisionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal level row")
		}
		t.Records = append(t.Records, rec)
	}
	return t, eris.Wrap(rows.Err(), "sqlite: level rows iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var specJSON string
	var errMsg sql.NullString

	err := row.Scan(&r.ID, &r.Status, &specJSON, &errMsg, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if err := json.Unmarshal([]byte(specJSON), &r.Spec); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal spec")
	}
	r.Error = errMsg.String
	return &r, nil
}
