package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// ReplaceConfig names the partition of a table that Replace rewrites.
type ReplaceConfig struct {
	Table     string   // target table (e.g., "level_rows")
	Columns   []string // columns being copied
	ScopeKeys []string // columns identifying the partition (e.g., run_id, level)
	Scope     []any    // values of ScopeKeys
}

// Replace atomically swaps the rows of one partition:
// 1. DELETE the rows matching Scope
// 2. COPY the new rows
// 3. COMMIT
// Saving the same partition twice therefore leaves exactly one copy.
func Replace(ctx context.Context, pool Pool, cfg ReplaceConfig, rows [][]any) (int64, error) {
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: replace: no columns specified")
	}
	if len(cfg.ScopeKeys) == 0 || len(cfg.ScopeKeys) != len(cfg.Scope) {
		return 0, eris.New("db: replace: scope keys and values must match")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: replace: begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, deleteSQL(cfg), cfg.Scope...); err != nil {
		return 0, eris.Wrapf(err, "db: replace: clear %s", cfg.Table)
	}

	var n int64
	if len(rows) > 0 {
		n, err = tx.CopyFrom(ctx, identifier(cfg.Table), cfg.Columns, pgx.CopyFromRows(rows))
		if err != nil {
			return 0, eris.Wrapf(err, "db: replace: COPY INTO %s", cfg.Table)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: replace: commit tx")
	}
	committed = true
	return n, nil
}

func deleteSQL(cfg ReplaceConfig) string {
	conds := make([]string, len(cfg.ScopeKeys))
	for i, k := range cfg.ScopeKeys {
		conds[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{k}.Sanitize(), i+1)
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", sanitizeTable(cfg.Table), strings.Join(conds, " AND "))
}
