package admission

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists slot rows. Implementations must be safe for concurrent use.
type Store interface {
	// Insert persists a newly acquired slot.
	Insert(ctx context.Context, slot Slot) error
	// Get returns the slot with the given id or ErrSlotNotFound.
	Get(ctx context.Context, id string) (Slot, error)
	// MarkReleased sets released_at on an active slot. It returns the stored
	// record and whether this call released it; an already released slot is
	// returned unchanged with false.
	MarkReleased(ctx context.Context, id string, at time.Time) (Slot, bool, error)
	// ReleaseAllForAttempt releases every active slot of the attempt and
	// returns the released records.
	ReleaseAllForAttempt(ctx context.Context, taskAttemptID string, at time.Time) ([]Slot, error)
	// CountActive counts active slots of the given types in a project.
	CountActive(ctx context.Context, projectID string, types ...SlotType) (int, error)
	// ListActive returns active slots ordered by acquisition time. An empty
	// projectID lists every project.
	ListActive(ctx context.Context, projectID string) ([]Slot, error)
	// ActiveForAttempt returns the active slot of an attempt, if any.
	ActiveForAttempt(ctx context.Context, taskAttemptID string) (Slot, bool, error)
}

// MemoryStore is a volatile Store keeping slots in a process local map. It is
// the default store and suits tests and single-process deployments that do not
// need restart recovery.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[string]Slot
}

// NewMemoryStore returns an empty in-memory slot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]Slot)}
}

// Insert stores a copy of the slot.
func (m *MemoryStore) Insert(_ context.Context, slot Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[slot.ID] = copySlot(slot)
	return nil
}

// Get returns a copy of the slot or ErrSlotNotFound.
func (m *MemoryStore) Get(_ context.Context, id string) (Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[id]
	if !ok {
		return Slot{}, ErrSlotNotFound
	}
	return copySlot(s), nil
}

// MarkReleased releases an active slot; released slots are returned as-is.
func (m *MemoryStore) MarkReleased(_ context.Context, id string, at time.Time) (Slot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return Slot{}, false, ErrSlotNotFound
	}
	if !s.Active() {
		return copySlot(s), false, nil
	}
	released := at
	s.ReleasedAt = &released
	m.slots[id] = s
	return copySlot(s), true, nil
}

// ReleaseAllForAttempt releases every active slot of the attempt.
func (m *MemoryStore) ReleaseAllForAttempt(_ context.Context, taskAttemptID string, at time.Time) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Slot
	for id, s := range m.slots {
		if s.TaskAttemptID != taskAttemptID || !s.Active() {
			continue
		}
		released := at
		s.ReleasedAt = &released
		m.slots[id] = s
		out = append(out, copySlot(s))
	}
	sortSlots(out)
	return out, nil
}

// CountActive counts active slots of the given types.
func (m *MemoryStore) CountActive(_ context.Context, projectID string, types ...SlotType) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.slots {
		if s.ProjectID != projectID || !s.Active() {
			continue
		}
		for _, t := range types {
			if s.SlotType == t {
				n++
				break
			}
		}
	}
	return n, nil
}

// ListActive returns active slots ordered by acquisition time.
func (m *MemoryStore) ListActive(_ context.Context, projectID string) ([]Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Slot{}
	for _, s := range m.slots {
		if !s.Active() || (projectID != "" && s.ProjectID != projectID) {
			continue
		}
		out = append(out, copySlot(s))
	}
	sortSlots(out)
	return out, nil
}

// ActiveForAttempt returns the most recently acquired active slot of the attempt.
func (m *MemoryStore) ActiveForAttempt(_ context.Context, taskAttemptID string) (Slot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		found Slot
		ok    bool
	)
	for _, s := range m.slots {
		if s.TaskAttemptID != taskAttemptID || !s.Active() {
			continue
		}
		if !ok || s.AcquiredAt.After(found.AcquiredAt) {
			found, ok = s, true
		}
	}
	return copySlot(found), ok, nil
}

func copySlot(s Slot) Slot {
	if s.ReleasedAt != nil {
		at := *s.ReleasedAt
		s.ReleasedAt = &at
	}
	return s
}

func sortSlots(slots []Slot) {
	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].AcquiredAt.Equal(slots[j].AcquiredAt) {
			return slots[i].ID < slots[j].ID
		}
		return slots[i].AcquiredAt.Before(slots[j].AcquiredAt)
	})
}
