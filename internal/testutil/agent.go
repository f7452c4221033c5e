package testutil

import (
	"context"
	"sync"

	"github.com/hupe1980/taskmesh/core"
)

// Step is one scripted agent reply.
type Step struct {
	Output string
	Err    error
	// Block makes the call wait for ctx cancellation before replying.
	Block bool
	// Hold makes the call wait until the channel is closed, ignoring ctx.
	Hold <-chan struct{}
}

// ScriptedAgent replays steps in order and repeats the last one once the
// script is exhausted. It records every instruction and session it receives.
type ScriptedAgent struct {
	name  string
	kind  core.AgentKind
	steps []Step

	mu       sync.Mutex
	calls    int
	prompts  []string
	sessions []*core.Session
	started  chan struct{}
}

var _ core.Agent = (*ScriptedAgent)(nil)

// NewScriptedAgent creates an agent returning outputs in order.
func NewScriptedAgent(name string, outputs ...string) *ScriptedAgent {
	steps := make([]Step, len(outputs))
	for i, o := range outputs {
		steps[i] = Step{Output: o}
	}
	return NewStepAgent(name, steps...)
}

// NewStepAgent creates an agent from explicit steps.
func NewStepAgent(name string, steps ...Step) *ScriptedAgent {
	return &ScriptedAgent{name: name, kind: core.KindModel, steps: steps, started: make(chan struct{}, 64)}
}

// WithKind overrides the reported kind (chainable).
func (a *ScriptedAgent) WithKind(k core.AgentKind) *ScriptedAgent {
	a.kind = k
	return a
}

// Name implements core.Agent.
func (a *ScriptedAgent) Name() string { return a.name }

// Kind implements core.Agent.
func (a *ScriptedAgent) Kind() core.AgentKind { return a.kind }

// Invoke implements core.Agent.
func (a *ScriptedAgent) Invoke(ctx context.Context, sess *core.Session, instruction string) (string, error) {
	a.mu.Lock()
	idx := a.calls
	a.calls++
	a.prompts = append(a.prompts, instruction)
	a.sessions = append(a.sessions, sess)
	var step Step
	if len(a.steps) > 0 {
		if idx >= len(a.steps) {
			idx = len(a.steps) - 1
		}
		step = a.steps[idx]
	}
	a.mu.Unlock()

	select {
	case a.started <- struct{}{}:
	default:
	}

	if step.Block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if step.Hold != nil {
		<-step.Hold
		return step.Output, step.Err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if sess != nil {
		sess.AddTurn("user", instruction)
		if step.Err == nil {
			sess.AddTurn("assistant", step.Output)
		}
	}

	return step.Output, step.Err
}

// Started receives a value whenever Invoke is entered.
func (a *ScriptedAgent) Started() <-chan struct{} { return a.started }

// Calls returns how many times Invoke ran.
func (a *ScriptedAgent) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Prompts returns the received instructions.
func (a *ScriptedAgent) Prompts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...)
}

// Sessions returns the sessions passed to every call.
func (a *ScriptedAgent) Sessions() []*core.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*core.Session(nil), a.sessions...)
}
