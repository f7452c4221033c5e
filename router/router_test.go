package router

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/admission"
	"github.com/hupe1980/taskmesh/core"
)

func scout() AgentProfile {
	return AgentProfile{
		ID:           "scout-research",
		Codename:     "Scout",
		Title:        "Market Research Analyst",
		Kind:         core.KindModel,
		Capabilities: []core.Capability{core.CapabilityResearch, core.CapabilityAnalysis},
		Workflows: []Workflow{{
			ID:              "competitor-scan",
			Name:            "Competitor Scan",
			Objective:       "Identify competitor positioning and pricing signals",
			TriggerKeywords: []string{"competitor", "market scan"},
			Stages:          []Stage{{Name: "Collect"}, {Name: "Summarise"}},
		}},
	}
}

func pixel() AgentProfile {
	return AgentProfile{
		ID:           "pixel-browser",
		Codename:     "Pixel",
		Title:        "Browser Operator",
		Kind:         core.KindModel,
		Capabilities: []core.Capability{core.CapabilityBrowser},
		Workflows: []Workflow{
			{ID: "screenshot", Name: "Screenshot", TriggerKeywords: []string{"screenshot"}},
			{ID: "form-fill", Name: "Form Fill", TriggerKeywords: []string{"fill the form"}},
		},
	}
}

func TestRoute_ByCodename(t *testing.T) {
	r := New(scout(), pixel())

	m, ok := r.Route("Tell Scout to look into things")
	require.True(t, ok)
	assert.Equal(t, "Scout", m.Agent.Codename)
	assert.InDelta(t, 0.5, m.Confidence, 1e-9)
}

func TestRoute_ByKeywordAndCap(t *testing.T) {
	r := New(scout(), pixel())

	m, ok := r.Route("I need competitor analysis, a market scan and data analysis")
	require.True(t, ok)
	assert.Equal(t, "scout-research", m.Agent.ID)
	// two keywords, title word "market" and the data analysis capability, capped
	assert.InDelta(t, 1.0, m.Confidence, 1e-9)
	assert.Len(t, m.Reasons, 4)
}

func TestRoute_BelowThresholdAndOffline(t *testing.T) {
	r := New(scout(), pixel())

	_, ok := r.Route("make me a sandwich")
	assert.False(t, ok)

	// title word "analyst" alone scores 0.2
	_, ok = r.Route("ask an analyst")
	assert.False(t, ok)

	require.NoError(t, r.SetStatus("pixel-browser", StatusOffline))
	_, ok = r.Route("take a screenshot")
	assert.False(t, ok)

	assert.ErrorIs(t, r.SetStatus("nobody", StatusOnline), ErrUnknownAgent)
}

func TestRoute_PicksBestWorkflow(t *testing.T) {
	r := New(pixel())

	m, ok := r.Route("please fill the form on the page")
	require.True(t, ok)
	assert.Equal(t, "form-fill", m.Workflow.ID)
}

func TestScore_ObjectiveNeedsTwoWords(t *testing.T) {
	p, wf := scout(), scout().Workflows[0]

	one, _ := Score("pricing only", p, wf)
	assert.InDelta(t, 0, one, 1e-9)

	two, reasons := Score("pricing and positioning", p, wf)
	assert.InDelta(t, 0.2, two, 1e-9)
	assert.Contains(t, reasons, "2 objective keywords matched")
}

func TestResolve_Direct(t *testing.T) {
	r := New(scout(), pixel())

	m, err := r.Resolve(Selector{Agent: "pixel"}, "")
	require.NoError(t, err)
	assert.Equal(t, "screenshot", m.Workflow.ID, "first workflow by default")
	assert.Equal(t, 1.0, m.Confidence)

	m, err = r.Resolve(Selector{Agent: "pixel-browser", WorkflowID: "form-fill"}, "")
	require.NoError(t, err)
	assert.Equal(t, "form-fill", m.Workflow.ID)

	_, err = r.Resolve(Selector{Agent: "pixel", WorkflowID: "nope"}, "")
	assert.True(t, errors.Is(err, ErrUnknownWorkflow))

	_, err = r.Resolve(Selector{Agent: "ghost"}, "")
	assert.True(t, errors.Is(err, ErrUnknownAgent))

	_, err = r.Resolve(Selector{}, "nothing relevant")
	assert.True(t, errors.Is(err, ErrNoMatch))

	require.NoError(t, r.SetStatus("scout-research", StatusOffline))
	_, err = r.Resolve(Selector{Agent: "Scout"}, "")
	assert.True(t, errors.Is(err, ErrAgentOffline))
}

func TestProfile_SlotType(t *testing.T) {
	assert.Equal(t, admission.SlotAgent, scout().SlotType())
	assert.Equal(t, admission.SlotBrowserAgent, pixel().SlotType())
	assert.Equal(t, admission.SlotScript, AgentProfile{Kind: core.KindCommand}.SlotType())
}

func TestRouter_ProfilesAreCopies(t *testing.T) {
	p := scout()
	r := New(p)
	p.Workflows[0].TriggerKeywords[0] = "changed"

	got, ok := r.Agent("scout-research")
	require.True(t, ok)
	assert.Equal(t, "competitor", got.Workflows[0].TriggerKeywords[0])

	got.Capabilities[0] = core.CapabilityCoding
	again, _ := r.Agent("scout-research")
	assert.Equal(t, core.CapabilityResearch, again.Capabilities[0])

	assert.Len(t, r.Workflows(), 1)
}
