package core

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies execution events.
type EventKind string

const (
	EventStarted           EventKind = "started"
	EventStageStarted      EventKind = "stage_started"
	EventStageCompleted    EventKind = "stage_completed"
	EventStageFailed       EventKind = "stage_failed"
	EventIterationProgress EventKind = "iteration_progress"
	EventArtifactProduced  EventKind = "artifact_produced"
	EventPaused            EventKind = "paused"
	EventResumed           EventKind = "resumed"
	EventCompleted         EventKind = "completed"
	EventFailed            EventKind = "failed"
	EventCancelled         EventKind = "cancelled"
	EventAgentStatus       EventKind = "agent_status"
)

// Terminal reports whether no further events follow this kind for an execution.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventFailed || k == EventCancelled
}

// AgentStatus is the coarse activity state reported in agent_status events.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentPlanning  AgentStatus = "planning"
	AgentExecuting AgentStatus = "executing"
	AgentVerifying AgentStatus = "verifying"
	AgentBlocked   AgentStatus = "blocked"
	AgentError     AgentStatus = "error"
)

// Event is a notification published to external observers. After emission it
// should be treated as immutable. Delivery is best-effort and consumers must
// tolerate duplicates; ID can be used to de-duplicate.
//
// Optional fields use pointers or omitempty so absence can be distinguished
// from zero values (stage 0 is a valid stage).
type Event struct {
	ID           string         `json:"id"`
	Kind         EventKind      `json:"kind"`
	ExecutionID  string         `json:"execution_id,omitempty"`
	ProjectID    string         `json:"project_id,omitempty"`
	AgentID      string         `json:"agent_id,omitempty"`
	StageIndex   *int           `json:"stage_index,omitempty"`
	StageName    string         `json:"stage_name,omitempty"`
	Iteration    int            `json:"iteration,omitempty"`
	Status       string         `json:"status,omitempty"`
	ArtifactID   string         `json:"artifact_id,omitempty"`
	ArtifactType string         `json:"artifact_type,omitempty"`
	Message      string         `json:"message,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// NewEvent creates an event of the given kind bound to an execution.
func NewEvent(kind EventKind, executionID string) Event {
	return Event{
		ID:          NewID(),
		Kind:        kind,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
	}
}

// WithStage returns a copy of the event carrying stage coordinates.
func (e Event) WithStage(index int, name string) Event {
	idx := index
	e.StageIndex = &idx
	e.StageName = name
	return e
}

// WithData returns a copy of the event with an extra data key.
func (e Event) WithData(key string, value any) Event {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// NewID generates a new unique identifier.
func NewID() string { return uuid.NewString() }
