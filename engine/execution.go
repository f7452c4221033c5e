package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/admission"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/router"
)

var (
	// ErrInvalidRequest rejects a malformed or unroutable submission.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrExecutionNotFound is returned for unknown execution ids.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrNotPaused is returned by Resume and Abort when the execution is not paused.
	ErrNotPaused = errors.New("execution is not paused")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
)

// Phase is the coarse lifecycle position of an execution.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhasePlanning  Phase = "planning"
	PhaseExecuting Phase = "executing"
	PhasePaused    Phase = "paused"
	PhaseVerifying Phase = "verifying"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// Status is the phase plus its detail: the stage for Executing and Failed,
// the reason for Paused and the error for Failed.
type Status struct {
	Phase      Phase  `json:"phase"`
	StageIndex *int   `json:"stage_index,omitempty"`
	StageName  string `json:"stage_name,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// String renders the status compactly, e.g. "executing{1:Draft}".
func (s Status) String() string {
	var detail []string
	if s.StageIndex != nil {
		detail = append(detail, fmt.Sprintf("%d:%s", *s.StageIndex, s.StageName))
	}
	if s.Reason != "" {
		detail = append(detail, s.Reason)
	}
	if s.Error != "" {
		detail = append(detail, s.Error)
	}
	if len(detail) == 0 {
		return string(s.Phase)
	}
	return fmt.Sprintf("%s{%s}", s.Phase, strings.Join(detail, ", "))
}

// Request is a submission.
type Request struct {
	// Selector addresses an agent directly; leave it empty for keyword routing.
	Selector  router.Selector `json:"selector"`
	Input     string          `json:"input"`
	ProjectID string          `json:"project_id"`
	// TaskAttemptID defaults to the execution id.
	TaskAttemptID  string            `json:"task_attempt_id,omitempty"`
	ResourceWeight int               `json:"resource_weight,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Input) == "" {
		return fmt.Errorf("%w: input is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		return fmt.Errorf("%w: project id is required", ErrInvalidRequest)
	}
	if r.ResourceWeight < 0 {
		return fmt.Errorf("%w: negative resource weight", ErrInvalidRequest)
	}
	return nil
}

// Execution is a read-only snapshot of one run.
type Execution struct {
	ID            string             `json:"id"`
	ProjectID     string             `json:"project_id"`
	TaskAttemptID string             `json:"task_attempt_id"`
	AgentID       string             `json:"agent_id"`
	Codename      string             `json:"codename"`
	WorkflowID    string             `json:"workflow_id"`
	Confidence    float64            `json:"confidence"`
	Input         string             `json:"input"`
	Status        Status             `json:"status"`
	SlotID        string             `json:"slot_id"`
	SlotType      admission.SlotType `json:"slot_type"`
	Stages        int                `json:"stages"`
	Iterations    int                `json:"iterations"`
	Output        string             `json:"output,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	FinishedAt    *time.Time         `json:"finished_at,omitempty"`
}

// CancelAck acknowledges a cancellation.
type CancelAck struct {
	ExecutionID       string `json:"execution_id"`
	Status            Status `json:"status"`
	SlotsReleased     int    `json:"slots_released"`
	ArtifactsRetained bool   `json:"artifacts_retained"`
	// AlreadyFinished is set when the execution had ended before the call.
	AlreadyFinished bool `json:"already_finished"`
}

type controlKind int

const (
	controlResume controlKind = iota
	controlAbort
)

type control struct {
	kind   controlKind
	reason string
}

// execution is the engine-owned state of one run.
type execution struct {
	match   router.Match
	agent   core.Agent
	session *core.Session
	cancel  context.CancelFunc
	done    chan struct{}
	control chan control

	mu      sync.RWMutex
	snap    Execution
	exited  bool
	onExit  []func()
	pending bool // a Resume or Abort is queued and not yet consumed
}

// afterExit runs fn once the run goroutine has returned: immediately when it
// already has, otherwise from the goroutine itself.
func (x *execution) afterExit(fn func()) {
	x.mu.Lock()
	if !x.exited {
		x.onExit = append(x.onExit, fn)
		x.mu.Unlock()
		return
	}
	x.mu.Unlock()
	fn()
}

func (x *execution) exit() {
	x.mu.Lock()
	x.exited = true
	fns := x.onExit
	x.onExit = nil
	x.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// offer queues a pause decision. Only one decision per pause is accepted.
func (x *execution) offer(c control) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if p := x.snap.Status.Phase; p != PhasePaused {
		return fmt.Errorf("%w: %s is %s", ErrNotPaused, x.snap.ID, p)
	}
	if x.pending {
		return fmt.Errorf("%w: %s already has a pending decision", ErrNotPaused, x.snap.ID)
	}
	x.pending = true
	x.control <- c
	return nil
}

// resume consumes a queued Resume and leaves the paused phase in the same
// step, so no further decision can be queued for this pause. A queued Abort
// keeps the pending flag set until the execution fails.
func (x *execution) resume(st Status, now time.Time) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.pending = false
	if x.snap.Status.Phase.Terminal() {
		return false
	}
	x.snap.Status = st
	x.snap.UpdatedAt = now
	return true
}
