package admission

import (
	"fmt"
	"time"
)

// SlotType categorises an execution slot.
type SlotType string

const (
	// SlotAgent is a regular coding/LLM agent execution.
	SlotAgent SlotType = "agent"
	// SlotBrowserAgent is a browser automation execution with its own budget.
	SlotBrowserAgent SlotType = "browser_agent"
	// SlotScript is a scripted execution; it counts against the agent budget.
	SlotScript SlotType = "script"
)

// ParseSlotType converts a stored or configured name into a SlotType.
func ParseSlotType(s string) (SlotType, error) {
	switch SlotType(s) {
	case SlotAgent, SlotBrowserAgent, SlotScript:
		return SlotType(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSlotType, s)
	}
}

// budgetTypes returns the slot types sharing t's capacity budget.
func (t SlotType) budgetTypes() []SlotType {
	if t == SlotBrowserAgent {
		return []SlotType{SlotBrowserAgent}
	}
	return []SlotType{SlotAgent, SlotScript}
}

// Slot is a capacity token held by one task attempt. A nil ReleasedAt means
// the slot is active.
type Slot struct {
	ID             string     `json:"id"`
	TaskAttemptID  string     `json:"task_attempt_id"`
	ProjectID      string     `json:"project_id"`
	SlotType       SlotType   `json:"slot_type"`
	ResourceWeight int        `json:"resource_weight"`
	AcquiredAt     time.Time  `json:"acquired_at"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
}

// Active reports whether the slot has not been released.
func (s Slot) Active() bool { return s.ReleasedAt == nil }

// Limits is the configured concurrency budget of a project. Non-positive
// fields fall back to the controller defaults.
type Limits struct {
	MaxAgents        int `json:"max_concurrent_agents" yaml:"max_concurrent_agents"`
	MaxBrowserAgents int `json:"max_concurrent_browser_agents" yaml:"max_concurrent_browser_agents"`
}

// DefaultLimits applies to projects without explicit configuration.
var DefaultLimits = Limits{MaxAgents: 3, MaxBrowserAgents: 1}

func (l Limits) merge(fallback Limits) Limits {
	if l.MaxAgents <= 0 {
		l.MaxAgents = fallback.MaxAgents
	}
	if l.MaxBrowserAgents <= 0 {
		l.MaxBrowserAgents = fallback.MaxBrowserAgents
	}
	return l
}

func (l Limits) forType(t SlotType) int {
	if t == SlotBrowserAgent {
		return l.MaxBrowserAgents
	}
	return l.MaxAgents
}

// ProjectCapacity is a derived, read-only snapshot of a project's slot usage.
type ProjectCapacity struct {
	ProjectID                  string `json:"project_id"`
	MaxConcurrentAgents        int    `json:"max_concurrent_agents"`
	MaxConcurrentBrowserAgents int    `json:"max_concurrent_browser_agents"`
	ActiveAgentSlots           int    `json:"active_agent_slots"`
	ActiveBrowserSlots         int    `json:"active_browser_slots"`
	AvailableAgentSlots        int    `json:"available_agent_slots"`
	AvailableBrowserSlots      int    `json:"available_browser_slots"`
}

// Available returns the free slots for the budget t belongs to.
func (c ProjectCapacity) Available(t SlotType) int {
	if t == SlotBrowserAgent {
		return c.AvailableBrowserSlots
	}
	return c.AvailableAgentSlots
}

func available(max, active int) int {
	if active >= max {
		return 0
	}
	return max - active
}
