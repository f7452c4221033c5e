package core

import (
	"sync"
	"time"
)

// Turn is one message exchanged with an agent inside a Session.
type Turn struct {
	Role string    `json:"role"` // user or assistant
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is the continuity container shared by every iteration of one
// execution. It is safe for concurrent access.
//
// Contract:
//   - Turns are append-only and returned as defensive copies
//   - ExternalID holds a provider-side session handle once an agent captures one
//   - Clone performs deep copies of maps/slices for safe divergence
type Session struct {
	ID         string            `json:"id"`
	ExternalID string            `json:"external_id,omitempty"`
	Turns      []Turn            `json:"turns"`
	Created    time.Time         `json:"created"`
	Updated    time.Time         `json:"updated"`
	Metadata   map[string]string `json:"metadata"`
	mu         sync.RWMutex
}

// NewSession creates a new session with the given ID.
func NewSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{ID: id, Turns: []Turn{}, Created: now, Updated: now, Metadata: map[string]string{}}
}

// AddTurn appends a message to the history.
func (s *Session) AddTurn(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.Turns = append(s.Turns, Turn{Role: role, Text: text, At: now})
	s.Updated = now
}

// History returns a copy of all turns.
func (s *Session) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.Turns))
	copy(out, s.Turns)
	return out
}

// Len returns the number of recorded turns.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Turns)
}

// SetExternalID records the provider-side session handle.
func (s *Session) SetExternalID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExternalID = id
	s.Updated = time.Now().UTC()
}

// GetExternalID returns the provider-side session handle, if captured.
func (s *Session) GetExternalID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ExternalID
}

// SetMetadata sets a metadata key.
func (s *Session) SetMetadata(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metadata[key] = value
	s.Updated = time.Now().UTC()
}

// GetMetadata returns a metadata value and whether it exists.
func (s *Session) GetMetadata(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.Metadata[key]
	return v, ok
}

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Session{
		ID:         s.ID,
		ExternalID: s.ExternalID,
		Turns:      make([]Turn, len(s.Turns)),
		Created:    s.Created,
		Updated:    s.Updated,
		Metadata:   make(map[string]string, len(s.Metadata)),
	}
	copy(clone.Turns, s.Turns)
	for k, v := range s.Metadata {
		clone.Metadata[k] = v
	}
	return clone
}

// SessionStore hands out the live Session for an execution.
type SessionStore interface {
	// Get returns the session with the given id, creating it if absent.
	Get(id string) (*Session, error)
	// Delete drops the session.
	Delete(id string) error
}
