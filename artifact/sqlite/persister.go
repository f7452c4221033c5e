// Package sqlite persists the artifact log in SQLite. The table is append
// only; the stage-output index is rebuilt from it on load.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/taskmesh/artifact"
	"github.com/hupe1980/taskmesh/internal/sqlitedb"
)

var migrations = []sqlitedb.Migration{
	{
		Version:     1,
		Description: "create artifacts",
		SQL: `
		CREATE TABLE IF NOT EXISTS artifacts (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			id            TEXT NOT NULL UNIQUE,
			execution_id  TEXT NOT NULL,
			stage_index   INTEGER,
			stage_name    TEXT,
			artifact_type TEXT NOT NULL,
			title         TEXT NOT NULL,
			content       TEXT NOT NULL,
			metadata      TEXT,
			agent_id      TEXT,
			created_at    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_artifacts_execution ON artifacts(execution_id, seq)`,
	},
}

// Persister implements artifact.Persister.
type Persister struct {
	db     *sql.DB
	owned  bool
	closed bool
}

var _ artifact.Persister = (*Persister)(nil)

// Open opens the database at path and migrates the artifact schema.
func Open(ctx context.Context, path string) (*Persister, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	p, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// New wraps a database handle owned by the caller.
func New(ctx context.Context, db *sql.DB) (*Persister, error) {
	if err := sqlitedb.Migrate(ctx, db, "artifact", migrations); err != nil {
		return nil, err
	}
	return &Persister{db: db}, nil
}

// Close closes the database if it was opened by Open.
func (p *Persister) Close() error {
	if !p.owned || p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

// Append writes one artifact.
func (p *Persister) Append(ctx context.Context, a artifact.Artifact) error {
	var (
		stage    any
		metadata any
	)
	if idx, ok := a.Stage(); ok {
		stage = idx
	}
	if len(a.Metadata) > 0 {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, execution_id, stage_index, stage_name, artifact_type, title, content, metadata, agent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExecutionID, stage, a.StageName, string(a.Type), a.Title,
		string(a.Content), metadata, a.AgentID, sqlitedb.FormatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// Delete removes every artifact of an execution.
func (p *Persister) Delete(ctx context.Context, executionID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM artifacts WHERE execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	return nil
}

// LoadAll returns every artifact in insertion order.
func (p *Persister) LoadAll(ctx context.Context) ([]artifact.Artifact, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, execution_id, stage_index, stage_name, artifact_type, title, content, metadata, agent_id, created_at
		FROM artifacts ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	out := []artifact.Artifact{}
	for rows.Next() {
		var (
			a         artifact.Artifact
			stage     sql.NullInt64
			stageName sql.NullString
			typ       string
			content   string
			metadata  sql.NullString
			agentID   sql.NullString
			created   string
		)
		if err := rows.Scan(&a.ID, &a.ExecutionID, &stage, &stageName, &typ, &a.Title,
			&content, &metadata, &agentID, &created); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}

		if a.Type, err = artifact.ParseType(typ); err != nil {
			return nil, err
		}
		if stage.Valid {
			a = a.WithStage(int(stage.Int64), stageName.String)
		}
		a.Content = json.RawMessage(content)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &a.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", a.ID, err)
			}
		}
		a.AgentID = agentID.String
		if a.CreatedAt, err = sqlitedb.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
