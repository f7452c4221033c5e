package router

import (
	"github.com/hupe1980/taskmesh/admission"
	"github.com/hupe1980/taskmesh/core"
)

// Status is the availability of an agent profile.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Stage is one named step of a workflow. Loop stages are driven by the loop
// controller until dual-gate completion; other stages invoke the agent once.
type Stage struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Instruction string `json:"instruction,omitempty" yaml:"instruction"`
	Output      string `json:"output,omitempty" yaml:"output"`
	Loop        bool   `json:"loop,omitempty" yaml:"loop"`
	// Preset names the loop configuration preset; empty means standard.
	Preset string `json:"preset,omitempty" yaml:"preset"`
}

// Workflow is an ordered list of stages an agent knows how to run.
type Workflow struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	Objective       string   `json:"objective,omitempty" yaml:"objective"`
	TriggerKeywords []string `json:"trigger_keywords,omitempty" yaml:"trigger_keywords"`
	Stages          []Stage  `json:"stages" yaml:"stages"`
	Deliverables    []string `json:"deliverables,omitempty" yaml:"deliverables"`
}

// AgentProfile describes a routable agent.
type AgentProfile struct {
	ID           string            `json:"id" yaml:"id"`
	Codename     string            `json:"codename" yaml:"codename"`
	Title        string            `json:"title,omitempty" yaml:"title"`
	Mission      string            `json:"mission,omitempty" yaml:"mission"`
	Kind         core.AgentKind    `json:"kind" yaml:"kind"`
	Capabilities []core.Capability `json:"capabilities,omitempty" yaml:"capabilities"`
	Status       Status            `json:"status,omitempty" yaml:"status"`
	Workflows    []Workflow        `json:"workflows,omitempty" yaml:"workflows"`
}

// Online reports whether the agent can be routed to. An empty status counts
// as online.
func (p AgentProfile) Online() bool { return p.Status != StatusOffline }

// HasCapability reports whether the profile lists c.
func (p AgentProfile) HasCapability(c core.Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// SlotType derives the admission budget an execution of this agent uses.
func (p AgentProfile) SlotType() admission.SlotType {
	switch {
	case p.HasCapability(core.CapabilityBrowser):
		return admission.SlotBrowserAgent
	case p.Kind == core.KindCommand || p.HasCapability(core.CapabilityScript):
		return admission.SlotScript
	default:
		return admission.SlotAgent
	}
}

// Workflow returns the workflow with the given id.
func (p AgentProfile) Workflow(id string) (Workflow, bool) {
	for _, w := range p.Workflows {
		if w.ID == id {
			return w, true
		}
	}
	return Workflow{}, false
}

func (p AgentProfile) clone() AgentProfile {
	p.Capabilities = append([]core.Capability(nil), p.Capabilities...)
	wfs := make([]Workflow, len(p.Workflows))
	for i, w := range p.Workflows {
		w.TriggerKeywords = append([]string(nil), w.TriggerKeywords...)
		w.Stages = append([]Stage(nil), w.Stages...)
		w.Deliverables = append([]string(nil), w.Deliverables...)
		wfs[i] = w
	}
	p.Workflows = wfs
	return p
}
