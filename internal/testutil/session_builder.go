package testutil

import (
	"github.com/hupe1980/taskmesh/core"
)

// SessionBuilder constructs sessions with fluent chaining.
//
//	sess := NewSessionBuilder("sess-1").Turn("user", "hi").Metadata("k", "v").Build()
type SessionBuilder struct {
	id         string
	externalID string
	turns      []core.Turn
	metadata   map[string]string
}

// NewSessionBuilder creates a builder for a session with the given id.
func NewSessionBuilder(id string) *SessionBuilder {
	return &SessionBuilder{id: id, metadata: map[string]string{}}
}

// Turn appends a conversation turn (chainable).
func (b *SessionBuilder) Turn(role, text string) *SessionBuilder {
	b.turns = append(b.turns, core.Turn{Role: role, Text: text})
	return b
}

// ExternalID sets the provider side session id (chainable).
func (b *SessionBuilder) ExternalID(id string) *SessionBuilder {
	b.externalID = id
	return b
}

// Metadata sets a metadata key (chainable).
func (b *SessionBuilder) Metadata(key, value string) *SessionBuilder {
	b.metadata[key] = value
	return b
}

// Build returns the populated session.
func (b *SessionBuilder) Build() *core.Session {
	s := core.NewSession(b.id)
	for _, t := range b.turns {
		s.AddTurn(t.Role, t.Text)
	}
	if b.externalID != "" {
		s.SetExternalID(b.externalID)
	}
	for k, v := range b.metadata {
		s.SetMetadata(k, v)
	}
	return s
}
