package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Zeeeepa/gobby-sub002/internal/common/sqlite"
	"github.com/Zeeeepa/gobby-sub002/internal/db"
)

// taskIDReferrers are the columns that store task ids and must follow a
// primary key rewrite.
var taskIDReferrers = []struct {
	table  string
	column string
}{
	{"tasks", "parent_task_id"},
	{"task_dependencies", "task_id"},
	{"task_dependencies", "depends_on"},
	{"session_tasks", "task_id"},
	{"task_validation_history", "task_id"},
	{"task_selection_history", "task_id"},
	{"worktrees", "task_id"},
}

// migrateTaskIDsToUUID converts legacy short task ids (gt-XXXXXX) to v4
// UUIDs. The old 6-hex short form is embedded at the start of the UUID's
// last segment so old references in commit messages stay greppable. Foreign
// keys are disabled for the duration; the writer pool is a single connection
// so the pragma and the transaction share it.
func migrateTaskIDsToUUID(ctx context.Context, store *db.Store) error {
	if _, err := store.Execute(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("disabling foreign keys: %w", err)
	}
	defer func() {
		_, _ = store.Execute(ctx, "PRAGMA foreign_keys = ON")
	}()

	var legacyIDs []string
	if err := store.Writer().SelectContext(ctx, &legacyIDs,
		"SELECT id FROM tasks WHERE id LIKE 'gt-%' ORDER BY id"); err != nil {
		return fmt.Errorf("listing legacy task ids: %w", err)
	}
	if len(legacyIDs) == 0 {
		return nil
	}

	return store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, oldID := range legacyIDs {
			newID := uuidWithShortHash(strings.TrimPrefix(oldID, "gt-"))

			if _, err := tx.ExecContext(ctx,
				"UPDATE tasks SET id = ? WHERE id = ?", newID, oldID); err != nil {
				return fmt.Errorf("rewriting task %s: %w", oldID, err)
			}
			for _, ref := range taskIDReferrers {
				stmt := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", ref.table, ref.column, ref.column)
				if _, err := tx.ExecContext(ctx, stmt, newID, oldID); err != nil {
					return fmt.Errorf("rewriting %s.%s for %s: %w", ref.table, ref.column, oldID, err)
				}
			}
		}
		return nil
	})
}

// uuidWithShortHash returns a fresh v4 UUID string whose last segment starts
// with the given short hash (truncated to fit, lowercased).
func uuidWithShortHash(short string) string {
	short = strings.ToLower(short)
	parts := strings.Split(uuid.New().String(), "-")
	last := parts[len(parts)-1]
	if len(short) > len(last) {
		short = short[:len(last)]
	}
	parts[len(parts)-1] = short + last[len(short):]
	return strings.Join(parts, "-")
}

// migrateTaskSeqNums adds the per-project seq_num column and assigns dense
// ordinals ordered by (created_at, id), continuing from any existing max.
func migrateTaskSeqNums(ctx context.Context, store *db.Store) error {
	if err := sqlite.EnsureColumn(store.Writer().DB, "tasks", "seq_num", "INTEGER"); err != nil {
		return fmt.Errorf("adding tasks.seq_num: %w", err)
	}

	next, err := seqStartPerProject(ctx, store, "tasks")
	if err != nil {
		return err
	}

	type taskRow struct {
		ID        string `db:"id"`
		ProjectID string `db:"project_id"`
	}
	var rows []taskRow
	if err := store.Writer().SelectContext(ctx, &rows,
		"SELECT id, project_id FROM tasks WHERE seq_num IS NULL ORDER BY project_id, created_at ASC, id ASC"); err != nil {
		return fmt.Errorf("listing tasks without seq_num: %w", err)
	}

	if err := store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, r := range rows {
			next[r.ProjectID]++
			if _, err := tx.ExecContext(ctx,
				"UPDATE tasks SET seq_num = ? WHERE id = ?", next[r.ProjectID], r.ID); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("backfilling task seq_num: %w", err)
	}

	_, err = store.Execute(ctx,
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_project_seq ON tasks(project_id, seq_num)")
	return err
}

// migrateSessionSeqNums mirrors the task backfill for sessions.
func migrateSessionSeqNums(ctx context.Context, store *db.Store) error {
	if err := sqlite.EnsureColumn(store.Writer().DB, "sessions", "seq_num", "INTEGER"); err != nil {
		return fmt.Errorf("adding sessions.seq_num: %w", err)
	}

	next, err := seqStartPerProject(ctx, store, "sessions")
	if err != nil {
		return err
	}

	type sessionRow struct {
		ID        string `db:"id"`
		ProjectID string `db:"project_id"`
	}
	var rows []sessionRow
	if err := store.Writer().SelectContext(ctx, &rows,
		"SELECT id, project_id FROM sessions WHERE seq_num IS NULL ORDER BY project_id, created_at ASC, id ASC"); err != nil {
		return fmt.Errorf("listing sessions without seq_num: %w", err)
	}

	if err := store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, r := range rows {
			next[r.ProjectID]++
			if _, err := tx.ExecContext(ctx,
				"UPDATE sessions SET seq_num = ? WHERE id = ?", next[r.ProjectID], r.ID); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("backfilling session seq_num: %w", err)
	}

	_, err = store.Execute(ctx,
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_project_seq ON sessions(project_id, seq_num)")
	return err
}

// seqStartPerProject returns the current max seq_num per project so the
// backfill continues instead of colliding.
func seqStartPerProject(ctx context.Context, store *db.Store, table string) (map[string]int, error) {
	type maxRow struct {
		ProjectID string `db:"project_id"`
		Max       int    `db:"max_seq"`
	}
	var maxes []maxRow
	stmt := fmt.Sprintf(
		"SELECT project_id, COALESCE(MAX(seq_num), 0) AS max_seq FROM %s WHERE seq_num IS NOT NULL GROUP BY project_id", table)
	if err := store.Writer().SelectContext(ctx, &maxes, stmt); err != nil {
		return nil, fmt.Errorf("reading existing seq_num maxima: %w", err)
	}
	next := make(map[string]int, len(maxes))
	for _, m := range maxes {
		next[m.ProjectID] = m.Max
	}
	return next, nil
}

// migrateTaskPathCache adds path_cache and materializes the parent chain as
// a dotted seq_num path. The recursive CTE assigns roots first, then walks
// down one level per recursion.
func migrateTaskPathCache(ctx context.Context, store *db.Store) error {
	if err := sqlite.EnsureColumn(store.Writer().DB, "tasks", "path_cache", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("adding tasks.path_cache: %w", err)
	}

	_, err := store.Execute(ctx, `
WITH RECURSIVE task_paths(id, path) AS (
	SELECT id, CAST(seq_num AS TEXT) FROM tasks WHERE parent_task_id IS NULL
	UNION ALL
	SELECT t.id, tp.path || '.' || CAST(t.seq_num AS TEXT)
	FROM tasks t
	JOIN task_paths tp ON t.parent_task_id = tp.id
)
UPDATE tasks SET path_cache = COALESCE(
	(SELECT path FROM task_paths WHERE task_paths.id = tasks.id), '')`)
	if err != nil {
		return fmt.Errorf("backfilling task path_cache: %w", err)
	}
	return nil
}
