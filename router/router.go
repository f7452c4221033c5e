package router

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// MinConfidence is the lowest score Route accepts.
const MinConfidence = 0.3

var (
	// ErrNoMatch is returned when no online agent scores above MinConfidence.
	ErrNoMatch = errors.New("no agent matches the request")
	// ErrUnknownAgent is returned for an agent id or codename that is not registered.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrUnknownWorkflow is returned for a workflow id the agent does not have.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrAgentOffline is returned when a directly addressed agent is offline.
	ErrAgentOffline = errors.New("agent is offline")
)

// Match is a routing decision.
type Match struct {
	Agent      AgentProfile `json:"agent"`
	Workflow   Workflow     `json:"workflow"`
	Confidence float64      `json:"confidence"`
	Reasons    []string     `json:"reasons"`
}

// Selector addresses an agent directly. An empty selector means keyword
// routing over the request text.
type Selector struct {
	// Agent is an agent id or codename.
	Agent      string `json:"agent,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// Router selects an agent and workflow for a request.
type Router struct {
	mu     sync.RWMutex
	agents []AgentProfile
}

// New creates a router over the given profiles. Registration order breaks
// scoring ties.
func New(profiles ...AgentProfile) *Router {
	r := &Router{}
	for _, p := range profiles {
		r.Register(p)
	}
	return r
}

// Register adds a profile, replacing one with the same id.
func (r *Router) Register(p AgentProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p = p.clone()
	for i := range r.agents {
		if r.agents[i].ID == p.ID {
			r.agents[i] = p
			return
		}
	}
	r.agents = append(r.agents, p)
}

// SetStatus changes the availability of an agent.
func (r *Router) SetStatus(agentID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.agents {
		if r.agents[i].ID == agentID {
			r.agents[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
}

// Agents returns every registered profile.
func (r *Router) Agents() []AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentProfile, len(r.agents))
	for i, p := range r.agents {
		out[i] = p.clone()
	}
	return out
}

// Agent looks a profile up by id, then by codename (case-insensitive).
func (r *Router) Agent(ref string) (AgentProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.agents {
		if p.ID == ref {
			return p.clone(), true
		}
	}
	for _, p := range r.agents {
		if strings.EqualFold(p.Codename, ref) {
			return p.clone(), true
		}
	}
	return AgentProfile{}, false
}

// Resolve honours a direct selector when one is given and otherwise routes
// on the request text.
func (r *Router) Resolve(sel Selector, request string) (Match, error) {
	if sel.Agent == "" {
		if sel.WorkflowID != "" {
			return Match{}, fmt.Errorf("%w: workflow %q given without an agent", ErrUnknownAgent, sel.WorkflowID)
		}
		m, ok := r.Route(request)
		if !ok {
			return Match{}, ErrNoMatch
		}
		return m, nil
	}

	p, ok := r.Agent(sel.Agent)
	if !ok {
		return Match{}, fmt.Errorf("%w: %s", ErrUnknownAgent, sel.Agent)
	}
	if !p.Online() {
		return Match{}, fmt.Errorf("%w: %s", ErrAgentOffline, p.Codename)
	}

	var wf Workflow
	switch {
	case sel.WorkflowID != "":
		if wf, ok = p.Workflow(sel.WorkflowID); !ok {
			return Match{}, fmt.Errorf("%w: %s/%s", ErrUnknownWorkflow, p.ID, sel.WorkflowID)
		}
	case len(p.Workflows) > 0:
		wf = p.Workflows[0]
	default:
		return Match{}, fmt.Errorf("%w: agent %s has no workflows", ErrUnknownWorkflow, p.ID)
	}

	return Match{
		Agent:      p,
		Workflow:   wf,
		Confidence: 1.0,
		Reasons:    []string{fmt.Sprintf("direct agent reference: %s", sel.Agent)},
	}, nil
}

// Route scores every workflow of every online agent against the request and
// returns the best match scoring at least MinConfidence.
func (r *Router) Route(request string) (Match, bool) {
	req := strings.ToLower(request)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best  Match
		found bool
	)
	for _, p := range r.agents {
		if !p.Online() {
			continue
		}
		for _, wf := range p.Workflows {
			score, reasons := Score(req, p, wf)
			if score < MinConfidence || (found && score <= best.Confidence) {
				continue
			}
			best = Match{Agent: p.clone(), Workflow: wf, Confidence: score, Reasons: reasons}
			found = true
		}
	}
	return best, found
}

// Score rates how well a lower-cased request matches one workflow of an
// agent. The result is capped at 1.0.
func Score(req string, p AgentProfile, wf Workflow) (float64, []string) {
	var (
		score   float64
		reasons []string
	)

	if c := strings.ToLower(p.Codename); c != "" && strings.Contains(req, c) {
		score += 0.5
		reasons = append(reasons, fmt.Sprintf("agent name %q mentioned", p.Codename))
	}

	for _, kw := range wf.TriggerKeywords {
		if k := strings.ToLower(kw); k != "" && strings.Contains(req, k) {
			score += 0.4
			reasons = append(reasons, fmt.Sprintf("trigger keyword %q matched", kw))
		}
	}

	if n := strings.ToLower(wf.Name); n != "" && strings.Contains(req, n) {
		score += 0.3
		reasons = append(reasons, fmt.Sprintf("workflow name %q matched", wf.Name))
	}

	for _, word := range strings.Fields(strings.ToLower(p.Title)) {
		if len(word) > 3 && strings.Contains(req, word) {
			score += 0.2
			reasons = append(reasons, fmt.Sprintf("title keyword %q matched", word))
		}
	}

	for _, c := range p.Capabilities {
		raw := strings.ToLower(string(c))
		spaced := strings.ReplaceAll(raw, "_", " ")
		if strings.Contains(req, spaced) || strings.Contains(req, raw) {
			score += 0.2
			reasons = append(reasons, fmt.Sprintf("capability %q matched", c))
		}
	}

	hits := 0
	for _, word := range strings.Fields(strings.ToLower(wf.Objective)) {
		if len(word) > 4 && strings.Contains(req, word) {
			hits++
		}
	}
	if hits >= 2 {
		score += 0.2
		reasons = append(reasons, fmt.Sprintf("%d objective keywords matched", hits))
	}

	if score > 1.0 {
		score = 1.0
	}
	return score, reasons
}

// WorkflowRef identifies a workflow together with its agent.
type WorkflowRef struct {
	AgentID      string `json:"agent_id"`
	Codename     string `json:"codename"`
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name"`
}

// Workflows lists every workflow of every registered agent.
func (r *Router) Workflows() []WorkflowRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []WorkflowRef
	for _, p := range r.agents {
		for _, wf := range p.Workflows {
			out = append(out, WorkflowRef{AgentID: p.ID, Codename: p.Codename, WorkflowID: wf.ID, WorkflowName: wf.Name})
		}
	}
	return out
}
