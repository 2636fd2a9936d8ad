// Package migrate owns the ordered schema migration chain. Each migration is
// (version, description, action) where the action is either a SQL script or
// a Go function for data rewrites; applied versions advance the
// schema_version table so a second run is a no-op.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/db"
	"go.uber.org/zap"
)

// Migration is one entry in the ordered chain. Exactly one of SQL or Fn is
// set: SQL scripts are split on ';' and executed statement by statement,
// Fn migrations rewrite data and must leave the database consistent.
type Migration struct {
	Version     int
	Description string
	SQL         string
	Fn          func(ctx context.Context, store *db.Store) error
}

// Run applies all pending migrations in order. A failed migration aborts and
// surfaces the error; the daemon must not start on a failed chain.
func Run(ctx context.Context, store *db.Store, log *logger.Logger) error {
	return RunTo(ctx, store, log, latestVersion())
}

// RunTo applies pending migrations up to and including maxVersion. Used by
// Run with the latest version, and by tools that replay history.
func RunTo(ctx context.Context, store *db.Store, log *logger.Logger, maxVersion int) error {
	if log == nil {
		log = logger.Default()
	}

	if err := ensureVersionTable(ctx, store); err != nil {
		return fmt.Errorf("ensuring schema_version table: %w", err)
	}

	current, err := currentVersion(ctx, store)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current || m.Version > maxVersion {
			continue
		}

		log.Info("applying migration",
			zap.Int("version", m.Version),
			zap.String("description", m.Description))

		if err := apply(ctx, store, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}

		if _, err := store.Execute(ctx,
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			m.Version, db.NowUTC()); err != nil {
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}
		applied++
	}

	if applied > 0 {
		log.Info("migrations complete", zap.Int("applied", applied), zap.Int("version", maxVersion))
	}
	return nil
}

// latestVersion returns the highest version in the chain.
func latestVersion() int {
	max := 0
	for _, m := range migrations {
		if m.Version > max {
			max = m.Version
		}
	}
	return max
}

func apply(ctx context.Context, store *db.Store, m Migration) error {
	if m.Fn != nil {
		return m.Fn(ctx, store)
	}
	for _, stmt := range SplitStatements(m.SQL) {
		if _, err := store.Execute(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", truncate(stmt, 80), err)
		}
	}
	return nil
}

// SplitStatements breaks a SQL script into individual statements on ';',
// trimming whitespace and dropping empties.
func SplitStatements(script string) []string {
	parts := strings.Split(script, ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

func ensureVersionTable(ctx context.Context, store *db.Store) error {
	_, err := store.Execute(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	return err
}

func currentVersion(ctx context.Context, store *db.Store) (int, error) {
	var v sql.NullInt64
	err := store.FetchValue(ctx, &v, "SELECT MAX(version) FROM schema_version")
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
