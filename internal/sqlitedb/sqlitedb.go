// Package sqlitedb opens SQLite databases through the pure Go modernc driver
// and applies versioned schema migrations.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Migration is one forward-only schema step. Versions are scoped per
// component so several stores can share one database file.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Open opens (or creates) the database at path with WAL journaling and a
// busy timeout. Parent directories are created on demand.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path == MemoryPath || path == "" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps in-memory databases shared and serialises
	// writers on file databases.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

// Migrate applies every migration of component newer than the recorded
// schema version, each in its own transaction.
func Migrate(ctx context.Context, db *sql.DB, component string, migrations []Migration) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_versions (
			component   TEXT NOT NULL,
			version     INTEGER NOT NULL,
			description TEXT,
			applied_at  TEXT NOT NULL,
			PRIMARY KEY (component, version)
		)`); err != nil {
		return fmt.Errorf("create schema_versions table: %w", err)
	}

	current, err := Version(ctx, db, component)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s/%d: %w", component, m.Version, err)
		}

		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("apply migration %s/%d (%s): %w", component, m.Version, m.Description, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_versions (component, version, description, applied_at) VALUES (?, ?, ?, ?)`,
			component, m.Version, m.Description, FormatTime(time.Now()),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s/%d: %w", component, m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s/%d: %w", component, m.Version, err)
		}
		current = m.Version
	}

	return nil
}

// Version returns the highest applied migration of component, or 0.
func Version(ctx context.Context, db *sql.DB, component string) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_versions WHERE component = ?`, component,
	).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// FormatTime renders a timestamp in the sortable text form stored in every table.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}
