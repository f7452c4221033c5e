package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hupe1980/taskmesh/admission"
	"github.com/hupe1980/taskmesh/artifact"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/event"
	"github.com/hupe1980/taskmesh/internal/testutil"
	"github.com/hupe1980/taskmesh/router"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const done = "all good <promise>TASK_COMPLETE</promise>\nEXIT_SIGNAL: true"

func etlProfile() router.AgentProfile {
	return router.AgentProfile{
		ID:           "data-engineer",
		Codename:     "Pipe",
		Title:        "Data Engineer",
		Kind:         core.KindModel,
		Capabilities: []core.Capability{core.CapabilityAnalysis},
		Workflows: []router.Workflow{{
			ID:              "etl",
			Name:            "ETL run",
			TriggerKeywords: []string{"etl", "ingest"},
			Stages: []router.Stage{
				{Name: "Ingest", Instruction: "Load the raw batch."},
				{Name: "Transform", Description: "Clean the batch."},
			},
		}},
	}
}

func builderProfile() router.AgentProfile {
	return router.AgentProfile{
		ID:       "builder",
		Codename: "Forge",
		Kind:     core.KindModel,
		Workflows: []router.Workflow{{
			ID:     "build",
			Name:   "Build feature",
			Stages: []router.Stage{{Name: "Build", Loop: true}},
		}},
	}
}

func newTestEngine(t *testing.T, optFns ...func(o *Options)) *Engine {
	t.Helper()
	e := New(append([]func(o *Options){func(o *Options) {
		o.Config.Loop.IterationDelay = 0
		o.Router = router.New(etlProfile(), builderProfile())
	}}, optFns...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, e.Close(ctx))
	})
	return e
}

func wait(t *testing.T, e *Engine, id string) Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	x, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return x
}

func waitForPhase(t *testing.T, e *Engine, id string, phase Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		x, err := e.Get(id)
		return err == nil && x.Status.Phase == phase
	}, 5*time.Second, 5*time.Millisecond)
}

func types(arts []artifact.Artifact) []artifact.Type {
	out := make([]artifact.Type, len(arts))
	for i, a := range arts {
		out[i] = a.Type
	}
	return out
}

func TestEngine_StagesChainOutputs(t *testing.T) {
	ctx := context.Background()
	agent := testutil.NewScriptedAgent("pipe", `{"batch_id":"abc123"}`, "cleaned")
	e := newTestEngine(t)
	e.Register("data-engineer", agent)

	id, err := e.Submit(ctx, Request{Input: "run the nightly etl", ProjectID: "p1"})
	require.NoError(t, err)

	x := wait(t, e, id)
	assert.Equal(t, PhaseCompleted, x.Status.Phase)
	assert.Equal(t, "data-engineer", x.AgentID)
	assert.Equal(t, "etl", x.WorkflowID)
	assert.Equal(t, 2, x.Iterations)
	assert.Equal(t, "cleaned", x.Output)
	require.NotNil(t, x.FinishedAt)

	out, ok := e.StageOutput(id, 0)
	require.True(t, ok)
	assert.JSONEq(t, `{"batch_id":"abc123"}`, string(out))

	prompts := agent.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "Load the raw batch.")
	assert.Contains(t, prompts[1], "Clean the batch.")
	assert.Contains(t, prompts[1], `{"batch_id":"abc123"}`)

	assert.Equal(t, []artifact.Type{
		artifact.TypePlan,
		artifact.TypeExecutionLog, artifact.TypeStageOutput,
		artifact.TypeExecutionLog, artifact.TypeStageOutput,
		artifact.TypeDeliverable,
	}, types(e.ListArtifacts(id)))
	assert.Len(t, e.ListArtifacts(id, artifact.TypeStageOutput), 2)

	c, err := e.Capacity(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.ActiveAgentSlots)
	assert.Empty(t, e.Active())
}

func TestEngine_LoopStageStripsMarkers(t *testing.T) {
	agent := testutil.NewScriptedAgent("forge", "still working", done)
	e := newTestEngine(t)
	e.Register("builder", agent)

	id, err := e.Submit(context.Background(), Request{
		Selector:  router.Selector{Agent: "forge"},
		Input:     "add the login page",
		ProjectID: "p1",
	})
	require.NoError(t, err)

	x := wait(t, e, id)
	require.Equal(t, PhaseCompleted, x.Status.Phase, x.Status.String())
	assert.Equal(t, 2, x.Iterations)
	assert.Equal(t, 1.0, x.Confidence)

	out, ok := e.StageOutput(id, 0)
	require.True(t, ok)
	assert.JSONEq(t, `{"text":"all good"}`, string(out))
	assert.Len(t, e.ListArtifacts(id, artifact.TypeExecutionLog), 2)

	// both iterations share one session
	sessions := agent.Sessions()
	require.Len(t, sessions, 2)
	assert.Same(t, sessions[0], sessions[1])
}

func TestEngine_RejectsInvalidRequests(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	cases := []Request{
		{Input: " ", ProjectID: "p1"},
		{Input: "etl", ProjectID: ""},
		{Input: "etl", ProjectID: "p1", ResourceWeight: -1},
		{Input: "etl", ProjectID: "p1", Selector: router.Selector{Agent: "nobody"}},
		{Input: "etl", ProjectID: "p1", Selector: router.Selector{Agent: "builder", WorkflowID: "nope"}},
		{Input: "bake a cake", ProjectID: "p1"},
	}
	for _, req := range cases {
		_, err := e.Submit(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "%+v", req)
	}
	assert.Empty(t, e.Active())
}

func TestEngine_CapacityRejectionAndCancel(t *testing.T) {
	ctx := context.Background()
	adm := admission.New(func(o *admission.Options) {
		o.DefaultLimits = admission.Limits{MaxAgents: 1, MaxBrowserAgents: 1}
	})
	agent := testutil.NewStepAgent("forge", testutil.Step{Block: true})
	e := newTestEngine(t, func(o *Options) { o.Admission = adm })
	e.Register("builder", agent)

	req := Request{Selector: router.Selector{Agent: "builder"}, Input: "long job", ProjectID: "p1"}
	id, err := e.Submit(ctx, req)
	require.NoError(t, err)
	<-agent.Started()

	_, err = e.Submit(ctx, req)
	var capErr *admission.CapacityError
	require.True(t, errors.As(err, &capErr), "got %v", err)
	assert.Equal(t, 1, capErr.Limit)

	c, err := e.Capacity(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.AvailableAgentSlots)

	ack, err := e.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, ack.SlotsReleased)
	assert.True(t, ack.ArtifactsRetained)
	assert.Equal(t, PhaseCancelled, ack.Status.Phase)

	c, err = e.Capacity(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.AvailableAgentSlots)

	x, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, PhaseCancelled, x.Status.Phase)
	assert.NotEmpty(t, e.ListArtifacts(id, artifact.TypePlan))

	again, err := e.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, again.AlreadyFinished)
	assert.Equal(t, 0, again.SlotsReleased)
}

func TestEngine_CancelCanDropArtifacts(t *testing.T) {
	ctx := context.Background()
	agent := testutil.NewStepAgent("forge", testutil.Step{Block: true})
	e := newTestEngine(t, func(o *Options) { o.Config.CleanupOnCancel = true })
	e.Register("builder", agent)

	id, err := e.Submit(ctx, Request{Selector: router.Selector{Agent: "builder"}, Input: "job", ProjectID: "p1"})
	require.NoError(t, err)
	<-agent.Started()

	ack, err := e.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ack.ArtifactsRetained)
	assert.Empty(t, e.ListArtifacts(id))
}

func TestEngine_CancelReleasesSlotWhenAgentIgnoresContext(t *testing.T) {
	ctx := context.Background()
	hold := make(chan struct{})
	agent := testutil.NewStepAgent("forge", testutil.Step{Output: "late", Hold: hold})
	adm := admission.New(func(o *admission.Options) {
		o.DefaultLimits = admission.Limits{MaxAgents: 1, MaxBrowserAgents: 1}
	})
	e := newTestEngine(t, func(o *Options) {
		o.Admission = adm
		o.Config.CleanupOnCancel = true
	})
	e.Register("builder", agent)

	sub := e.Subscribe(event.Filter{Kinds: []core.EventKind{core.EventCancelled}})
	defer sub.Close()

	id, err := e.Submit(ctx, Request{Selector: router.Selector{Agent: "builder"}, Input: "job", ProjectID: "p1"})
	require.NoError(t, err)
	<-agent.Started()

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	ack, err := e.Cancel(cancelCtx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, ack.SlotsReleased)
	assert.Equal(t, PhaseCancelled, ack.Status.Phase)

	c, err := e.Capacity(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.ActiveAgentSlots, "slot is freed while the agent is still running")

	// the freed slot admits new work right away
	agent2 := testutil.NewScriptedAgent("pipe", "ok")
	e.Register("data-engineer", agent2)
	next, err := e.Submit(ctx, Request{Selector: router.Selector{Agent: "data-engineer"}, Input: "etl", ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, wait(t, e, next).Status.Phase)

	close(hold)
	x := wait(t, e, id)
	assert.Equal(t, PhaseCancelled, x.Status.Phase)
	assert.Empty(t, e.ListArtifacts(id), "retention runs once the run exits")

	ev := <-sub.C
	assert.Equal(t, id, ev.ExecutionID)

	again, err := e.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, again.AlreadyFinished)
	assert.Equal(t, 0, again.SlotsReleased)
}

func TestEngine_CloseWithExpiredContextReleasesSlots(t *testing.T) {
	ctx := context.Background()
	hold := make(chan struct{})
	agent := testutil.NewStepAgent("forge", testutil.Step{Hold: hold})
	e := New(func(o *Options) { o.Router = router.New(builderProfile()) })
	e.Register("builder", agent)

	id, err := e.Submit(ctx, Request{Selector: router.Selector{Agent: "builder"}, Input: "job", ProjectID: "p1"})
	require.NoError(t, err)
	<-agent.Started()

	closeCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Close(closeCtx), context.DeadlineExceeded)

	c, err := e.Capacity(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.ActiveAgentSlots)

	close(hold)
	x := wait(t, e, id)
	assert.Equal(t, PhaseCancelled, x.Status.Phase)
}

func pausingEngine(t *testing.T, agent core.Agent) *Engine {
	e := newTestEngine(t, func(o *Options) {
		o.Config.Loop.Backpressure.MaxIterations = 2
		o.Config.Loop.Backpressure.StagnationLimit = 0
	})
	e.Register("builder", agent)
	return e
}

func TestEngine_PauseAndResume(t *testing.T) {
	ctx := context.Background()
	agent := testutil.NewScriptedAgent("forge", "step a", "step b", "step c", done)
	e := pausingEngine(t, agent)

	sub := e.Subscribe(event.Filter{Kinds: []core.EventKind{core.EventPaused, core.EventResumed}})
	defer sub.Close()

	id, err := e.Submit(ctx, Request{Selector: router.Selector{Agent: "builder"}, Input: "job", ProjectID: "p1"})
	require.NoError(t, err)
	waitForPhase(t, e, id, PhasePaused)

	x, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "max_iterations", x.Status.Reason)
	require.NotNil(t, x.Status.StageIndex)
	assert.Equal(t, 0, *x.Status.StageIndex)

	c, err := e.Capacity(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.ActiveAgentSlots, "a paused execution keeps its slot")

	paused := <-sub.C
	assert.Equal(t, core.EventPaused, paused.Kind)
	assert.Equal(t, "max_iterations", paused.Status)

	require.NoError(t, e.Resume(id))
	x = wait(t, e, id)
	assert.Equal(t, PhaseCompleted, x.Status.Phase)
	assert.Equal(t, 4, x.Iterations)

	resumed := <-sub.C
	assert.Equal(t, core.EventResumed, resumed.Kind)
	assert.ErrorIs(t, e.Resume(id), ErrNotPaused)
}

func TestEngine_AbortFailsPausedExecution(t *testing.T) {
	ctx := context.Background()
	var (
		mu     sync.Mutex
		failed *CallbackContext
	)
	agent := testutil.NewScriptedAgent("forge", "step a", "step b")
	e := pausingEngine(t, agent)
	e.Callbacks().Register(NewFunctionCallback(CallbackOnError, func(_ context.Context, cc *CallbackContext) error {
		mu.Lock()
		defer mu.Unlock()
		failed = cc
		return nil
	}))

	id, err := e.Submit(ctx, Request{Selector: router.Selector{Agent: "builder"}, Input: "job", ProjectID: "p1"})
	require.NoError(t, err)
	waitForPhase(t, e, id, PhasePaused)

	require.NoError(t, e.Abort(id, "operator gave up"))
	x := wait(t, e, id)
	assert.Equal(t, PhaseFailed, x.Status.Phase)
	assert.Contains(t, x.Status.Error, "operator gave up")

	c, err := e.Capacity(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.ActiveAgentSlots)
	assert.Len(t, e.ListArtifacts(id, artifact.TypeError), 1)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, failed)
	assert.Equal(t, id, failed.ExecutionID)
	assert.Equal(t, 0, failed.StageIndex)
}

func TestEngine_OneDecisionPerPause(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	agent := testutil.NewStepAgent("forge",
		testutil.Step{Output: "step a"},
		testutil.Step{Output: "step b"},
		testutil.Step{Output: "step c", Hold: gate},
		testutil.Step{Output: "step d"},
	)
	e := pausingEngine(t, agent)

	id, err := e.Submit(ctx, Request{Selector: router.Selector{Agent: "builder"}, Input: "job", ProjectID: "p1"})
	require.NoError(t, err)
	waitForPhase(t, e, id, PhasePaused)

	require.NoError(t, e.Resume(id))
	assert.ErrorIs(t, e.Resume(id), ErrNotPaused, "a second decision for the same pause is rejected")
	assert.ErrorIs(t, e.Abort(id, "late"), ErrNotPaused)
	close(gate)

	// the next pause must wait for a fresh decision
	require.Eventually(t, func() bool {
		x, err := e.Get(id)
		return err == nil && x.Status.Phase == PhasePaused && x.Iterations == 4
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	x, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, PhasePaused, x.Status.Phase)
	assert.Equal(t, 4, agent.Calls())

	require.NoError(t, e.Abort(id, "stop"))
	assert.Equal(t, PhaseFailed, wait(t, e, id).Status.Phase)
}

func TestEngine_AgentErrorFailsStage(t *testing.T) {
	ctx := context.Background()
	agent := testutil.NewStepAgent("pipe", testutil.Step{Err: errors.New("warehouse unreachable")})
	e := newTestEngine(t)
	e.Register("data-engineer", agent)

	sub := e.Subscribe(event.Filter{ProjectID: "p1"})
	defer sub.Close()

	id, err := e.Submit(ctx, Request{Input: "ingest etl batch", ProjectID: "p1"})
	require.NoError(t, err)

	x := wait(t, e, id)
	assert.Equal(t, PhaseFailed, x.Status.Phase)
	assert.Contains(t, x.Status.Error, "warehouse unreachable")
	assert.Equal(t, "Ingest", x.Status.StageName)

	_, ok := e.StageOutput(id, 0)
	assert.False(t, ok)

	var kinds []core.EventKind
	for ev := range sub.C {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == core.EventFailed {
			break
		}
	}
	assert.Contains(t, kinds, core.EventStarted)
	assert.Contains(t, kinds, core.EventStageStarted)
	assert.Contains(t, kinds, core.EventStageFailed)
	assert.NotContains(t, kinds, core.EventCompleted)
}

func TestEngine_BeforeStageHookCanFail(t *testing.T) {
	agent := testutil.NewScriptedAgent("pipe", "x")
	e := newTestEngine(t)
	e.Register("data-engineer", agent)
	e.Callbacks().Register(NewFunctionCallback(CallbackBeforeStage, func(_ context.Context, cc *CallbackContext) error {
		if cc.StageIndex == 1 {
			return errors.New("quota exceeded")
		}
		return nil
	}))

	id, err := e.Submit(context.Background(), Request{Input: "etl", ProjectID: "p1"})
	require.NoError(t, err)

	x := wait(t, e, id)
	assert.Equal(t, PhaseFailed, x.Status.Phase)
	assert.Contains(t, x.Status.Error, "quota exceeded")
	assert.Equal(t, 1, agent.Calls())
}

func TestEngine_EventsInOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		kinds []core.EventKind
	)
	sink := event.SinkFunc(func(ev core.Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
	})
	agent := testutil.NewScriptedAgent("pipe", "a", "b")
	e := newTestEngine(t, func(o *Options) { o.Sinks = []event.Sink{sink} })
	e.Register("data-engineer", agent)

	id, err := e.Submit(context.Background(), Request{Input: "etl", ProjectID: "p1"})
	require.NoError(t, err)
	wait(t, e, id)

	mu.Lock()
	defer mu.Unlock()
	var lifecycle []core.EventKind
	for _, k := range kinds {
		switch k {
		case core.EventStarted, core.EventStageStarted, core.EventStageCompleted, core.EventCompleted:
			lifecycle = append(lifecycle, k)
		}
	}
	assert.Equal(t, []core.EventKind{
		core.EventStarted,
		core.EventStageStarted, core.EventStageCompleted,
		core.EventStageStarted, core.EventStageCompleted,
		core.EventCompleted,
	}, lifecycle)
	assert.Contains(t, kinds, core.EventArtifactProduced)
	assert.Contains(t, kinds, core.EventAgentStatus)
}

func TestEngine_FactoryBuildsUnregisteredAgents(t *testing.T) {
	var built []string
	e := newTestEngine(t, func(o *Options) {
		o.Factory = func(p router.AgentProfile) (core.Agent, error) {
			built = append(built, p.ID)
			return testutil.NewScriptedAgent(p.Codename, "ok"), nil
		}
	})

	id, err := e.Submit(context.Background(), Request{Input: "etl", ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, wait(t, e, id).Status.Phase)
	assert.Equal(t, []string{"data-engineer"}, built)
}

func TestEngine_RecoverReleasesOrphans(t *testing.T) {
	ctx := context.Background()
	adm := admission.New()
	_, err := adm.TryAcquire(ctx, "p1", "crashed-attempt", admission.SlotAgent)
	require.NoError(t, err)

	agent := testutil.NewStepAgent("forge", testutil.Step{Block: true})
	e := newTestEngine(t, func(o *Options) { o.Admission = adm })
	e.Register("builder", agent)

	id, err := e.Submit(ctx, Request{Selector: router.Selector{Agent: "builder"}, Input: "job", ProjectID: "p1"})
	require.NoError(t, err)
	<-agent.Started()

	released, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	c, err := e.Capacity(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.ActiveAgentSlots)

	_, err = e.Cancel(ctx, id)
	require.NoError(t, err)
}

func TestEngine_CloseStopsRunningExecutions(t *testing.T) {
	ctx := context.Background()
	agent := testutil.NewStepAgent("forge", testutil.Step{Block: true})
	e := New(func(o *Options) { o.Router = router.New(builderProfile()) })
	e.Register("builder", agent)

	id, err := e.Submit(ctx, Request{Selector: router.Selector{Agent: "builder"}, Input: "job", ProjectID: "p1"})
	require.NoError(t, err)
	<-agent.Started()

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.Close(closeCtx))

	x, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, PhaseCancelled, x.Status.Phase)

	_, err = e.Submit(ctx, Request{Selector: router.Selector{Agent: "builder"}, Input: "job", ProjectID: "p1"})
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, e.Close(closeCtx))
}

func TestEngine_UnknownExecution(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Get("missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	_, err = e.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	assert.ErrorIs(t, e.Resume("missing"), ErrExecutionNotFound)
}

func TestStatus_String(t *testing.T) {
	st := stageStatus(PhaseExecuting, 1, "Draft")
	assert.Equal(t, "executing{1:Draft}", st.String())
	assert.Equal(t, "completed", Status{Phase: PhaseCompleted}.String())
	failed := Status{Phase: PhaseFailed, Error: "boom"}
	assert.True(t, strings.HasPrefix(failed.String(), "failed{"))
}
