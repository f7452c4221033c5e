// Package sqlite provides a durable admission.Store backed by SQLite, so slot
// state survives restarts and can be reconciled on startup.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/taskmesh/admission"
	"github.com/hupe1980/taskmesh/internal/sqlitedb"
)

var migrations = []sqlitedb.Migration{
	{
		Version:     1,
		Description: "create execution_slots",
		SQL: `
		CREATE TABLE IF NOT EXISTS execution_slots (
			id              TEXT PRIMARY KEY,
			task_attempt_id TEXT NOT NULL,
			project_id      TEXT NOT NULL,
			slot_type       TEXT NOT NULL,
			resource_weight INTEGER NOT NULL DEFAULT 1,
			acquired_at     TEXT NOT NULL,
			released_at     TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_slots_project_active ON execution_slots(project_id, released_at);
		CREATE INDEX IF NOT EXISTS idx_slots_attempt ON execution_slots(task_attempt_id)`,
	},
}

// Store implements admission.Store on a SQLite database.
type Store struct {
	db     *sql.DB
	owned  bool
	closed bool
}

var _ admission.Store = (*Store)(nil)

// Open opens the database file at path and migrates the slot schema. Use
// sqlitedb.MemoryPath for an ephemeral database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an existing database handle. The caller keeps ownership of db.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if err := sqlitedb.Migrate(ctx, db, "admission", migrations); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database if it was opened by Open.
func (s *Store) Close() error {
	if !s.owned || s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

const slotColumns = `id, task_attempt_id, project_id, slot_type, resource_weight, acquired_at, released_at`

// Insert persists a newly acquired slot.
func (s *Store) Insert(ctx context.Context, slot admission.Slot) error {
	var released any
	if slot.ReleasedAt != nil {
		released = sqlitedb.FormatTime(*slot.ReleasedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_slots (`+slotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		slot.ID, slot.TaskAttemptID, slot.ProjectID, string(slot.SlotType),
		slot.ResourceWeight, sqlitedb.FormatTime(slot.AcquiredAt), released,
	)
	if err != nil {
		return fmt.Errorf("insert slot: %w", err)
	}
	return nil
}

// Get returns a slot by id.
func (s *Store) Get(ctx context.Context, id string) (admission.Slot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM execution_slots WHERE id = ?`, id)
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return admission.Slot{}, admission.ErrSlotNotFound
	}
	return slot, err
}

// MarkReleased sets released_at if the slot is still active.
func (s *Store) MarkReleased(ctx context.Context, id string, at time.Time) (admission.Slot, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_slots SET released_at = ? WHERE id = ? AND released_at IS NULL`,
		sqlitedb.FormatTime(at), id,
	)
	if err != nil {
		return admission.Slot{}, false, fmt.Errorf("release slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return admission.Slot{}, false, err
	}
	slot, err := s.Get(ctx, id)
	if err != nil {
		return admission.Slot{}, false, err
	}
	return slot, n > 0, nil
}

// ReleaseAllForAttempt releases every active slot of an attempt.
func (s *Store) ReleaseAllForAttempt(ctx context.Context, taskAttemptID string, at time.Time) ([]admission.Slot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+slotColumns+` FROM execution_slots
		 WHERE task_attempt_id = ? AND released_at IS NULL
		 ORDER BY acquired_at, id`, taskAttemptID)
	if err != nil {
		return nil, fmt.Errorf("query attempt slots: %w", err)
	}
	slots, err := scanSlots(rows)
	if err != nil {
		return nil, err
	}

	stamp := sqlitedb.FormatTime(at)
	if _, err := tx.ExecContext(ctx,
		`UPDATE execution_slots SET released_at = ? WHERE task_attempt_id = ? AND released_at IS NULL`,
		stamp, taskAttemptID,
	); err != nil {
		return nil, fmt.Errorf("release attempt slots: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for i := range slots {
		released := at.UTC()
		slots[i].ReleasedAt = &released
	}
	return slots, nil
}

// CountActive counts active slots of the given types in a project.
func (s *Store) CountActive(ctx context.Context, projectID string, types ...admission.SlotType) (int, error) {
	if len(types) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(types)+1)
	args = append(args, projectID)
	for _, t := range types {
		args = append(args, string(t))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_slots
		 WHERE project_id = ? AND released_at IS NULL AND slot_type IN (`+placeholders+`)`,
		args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active slots: %w", err)
	}
	return n, nil
}

// ListActive returns active slots ordered by acquisition time.
func (s *Store) ListActive(ctx context.Context, projectID string) ([]admission.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM execution_slots WHERE released_at IS NULL`
	var args []any
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY acquired_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active slots: %w", err)
	}
	return scanSlots(rows)
}

// ActiveForAttempt returns the most recent active slot of an attempt.
func (s *Store) ActiveForAttempt(ctx context.Context, taskAttemptID string) (admission.Slot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+slotColumns+` FROM execution_slots
		 WHERE task_attempt_id = ? AND released_at IS NULL
		 ORDER BY acquired_at DESC LIMIT 1`, taskAttemptID)
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return admission.Slot{}, false, nil
	}
	if err != nil {
		return admission.Slot{}, false, err
	}
	return slot, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSlot(row scanner) (admission.Slot, error) {
	var (
		slot     admission.Slot
		slotType string
		acquired string
		released sql.NullString
	)
	if err := row.Scan(&slot.ID, &slot.TaskAttemptID, &slot.ProjectID, &slotType,
		&slot.ResourceWeight, &acquired, &released); err != nil {
		return admission.Slot{}, err
	}

	t, err := admission.ParseSlotType(slotType)
	if err != nil {
		return admission.Slot{}, err
	}
	slot.SlotType = t

	if slot.AcquiredAt, err = sqlitedb.ParseTime(acquired); err != nil {
		return admission.Slot{}, err
	}
	if released.Valid {
		at, err := sqlitedb.ParseTime(released.String)
		if err != nil {
			return admission.Slot{}, err
		}
		slot.ReleasedAt = &at
	}
	return slot, nil
}

func scanSlots(rows *sql.Rows) ([]admission.Slot, error) {
	defer rows.Close()
	out := []admission.Slot{}
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}
