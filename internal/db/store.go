// Package db owns the embedded SQLite store: connection setup, the
// writer/reader pool, and the parameterized execution surface the registries
// build on.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store is the single embedded relational store. All mutation goes through
// Execute (or WithTx for multi-statement atomicity) on the single writer
// connection; reads fan out over the reader pool.
type Store struct {
	pool *Pool
}

// Open opens (creating if needed) the database file at path and returns a
// Store backed by a single-writer/multi-reader pool.
func Open(path string) (*Store, error) {
	writer, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	wx := sqlx.NewDb(writer, "sqlite3")
	rx := sqlx.NewDb(reader, "sqlite3")
	return &Store{pool: NewPool(wx, rx)}, nil
}

// OpenMemory opens an in-memory database for tests. Reads and writes share
// one connection; a second connection would see a different database.
func OpenMemory() (*Store, error) {
	conn, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// One pinned connection: the database lives exactly as long as it does.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return &Store{pool: NewPool(conn, conn)}, nil
}

// Writer exposes the underlying single-connection write pool.
func (s *Store) Writer() *sqlx.DB { return s.pool.Writer() }

// Reader exposes the underlying read pool.
func (s *Store) Reader() *sqlx.DB { return s.pool.Reader() }

// Execute runs a single mutating statement with parameters.
func (s *Store) Execute(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	return s.pool.Writer().ExecContext(ctx, stmt, args...)
}

// FetchOne scans a single row into dest. Returns sql.ErrNoRows when the
// query matches nothing.
func (s *Store) FetchOne(ctx context.Context, dest any, stmt string, args ...any) error {
	return s.pool.Reader().GetContext(ctx, dest, stmt, args...)
}

// FetchAll scans all matching rows into dest (a pointer to a slice).
func (s *Store) FetchAll(ctx context.Context, dest any, stmt string, args ...any) error {
	return s.pool.Reader().SelectContext(ctx, dest, stmt, args...)
}

// FetchValue scans a single scalar value.
func (s *Store) FetchValue(ctx context.Context, dest any, stmt string, args ...any) error {
	return s.pool.Reader().QueryRowxContext(ctx, stmt, args...).Scan(dest)
}

// FetchMaps returns all matching rows as string-keyed records. Used by data
// migrations that predate the typed row structs.
func (s *Store) FetchMaps(ctx context.Context, stmt string, args ...any) ([]map[string]any, error) {
	rows, err := s.pool.Reader().QueryxContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		m := map[string]any{}
		if err := rows.MapScan(m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// WithTx runs fn inside a transaction on the writer connection, committing
// on nil and rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// NowUTC returns the current time formatted the way every timestamp column
// stores it: ISO-8601 UTC with sub-second precision.
func NowUTC() string {
	return FormatTime(time.Now().UTC())
}

// FormatTime renders t in the store's canonical timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a stored timestamp, accepting both the canonical format
// and the second-precision form older rows may carry.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}
