package core

import "context"

// Agent is the single invocation interface every agent variant implements.
//
// An agent receives an instruction within a Session and returns the raw text it
// produced. Follow-up instructions are issued against the same Session so the
// agent can carry context forward between iterations. Implementations must:
//   - Respect context cancellation
//   - Record the exchange on the Session (AddTurn) when they keep history
//   - Return an error only for genuine invocation faults; an answer that does
//     not finish the task is still a successful invocation
type Agent interface {
	Name() string
	Kind() AgentKind
	Invoke(ctx context.Context, sess *Session, instruction string) (string, error)
}

// AgentKind is the closed set of agent variants the engine knows how to build.
type AgentKind string

const (
	// KindModel drives an LLM provider through the model package.
	KindModel AgentKind = "model"
	// KindCommand runs a local command (script agent).
	KindCommand AgentKind = "command"
)

// Valid reports whether k is one of the known agent kinds.
func (k AgentKind) Valid() bool {
	switch k {
	case KindModel, KindCommand:
		return true
	default:
		return false
	}
}

// Capability describes what an agent profile can do. The set is closed; the
// router scores requests against it and the engine derives the slot type from it.
type Capability string

const (
	CapabilityCoding   Capability = "coding"
	CapabilityResearch Capability = "research"
	CapabilityBrowser  Capability = "browser_automation"
	CapabilityContent  Capability = "content_creation"
	CapabilityAnalysis Capability = "data_analysis"
	CapabilityScript   Capability = "script"
)

// Capabilities lists every known capability in a stable order.
func Capabilities() []Capability {
	return []Capability{
		CapabilityCoding,
		CapabilityResearch,
		CapabilityBrowser,
		CapabilityContent,
		CapabilityAnalysis,
		CapabilityScript,
	}
}

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	for _, known := range Capabilities() {
		if c == known {
			return true
		}
	}
	return false
}

// AgentFunc adapts a plain function to the Agent interface. Mostly useful in
// tests and for embedding custom logic without a dedicated type.
type AgentFunc struct {
	AgentName string
	AgentKind AgentKind
	Fn        func(ctx context.Context, sess *Session, instruction string) (string, error)
}

// Name returns the configured agent name.
func (f AgentFunc) Name() string { return f.AgentName }

// Kind returns the configured kind, defaulting to KindModel.
func (f AgentFunc) Kind() AgentKind {
	if f.AgentKind == "" {
		return KindModel
	}
	return f.AgentKind
}

// Invoke calls the wrapped function.
func (f AgentFunc) Invoke(ctx context.Context, sess *Session, instruction string) (string, error) {
	return f.Fn(ctx, sess, instruction)
}
