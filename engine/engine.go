package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/taskmesh/admission"
	"github.com/hupe1980/taskmesh/artifact"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/event"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/loop"
	"github.com/hupe1980/taskmesh/router"
	"github.com/hupe1980/taskmesh/session"
)

// Config tunes engine behaviour.
type Config struct {
	// Loop is the base configuration of loop stages. A stage preset only
	// overrides the iteration budget and per-iteration validation.
	Loop loop.Config
	// CleanupOnCancel drops the artifacts of a cancelled execution.
	CleanupOnCancel bool
	// EventBufferSize is the per-subscriber event buffer.
	EventBufferSize int
	// ContextArtifacts is how many recent iteration logs are summarised into
	// follow-up prompts.
	ContextArtifacts int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Loop:             loop.DefaultConfig(),
		EventBufferSize:  event.DefaultBufferSize,
		ContextArtifacts: 3,
	}
}

// AgentFactory builds the agent for a profile that was not registered
// explicitly.
type AgentFactory func(profile router.AgentProfile) (core.Agent, error)

// Options configures an Engine.
type Options struct {
	Config    Config
	Router    *router.Router
	Admission *admission.Controller
	Artifacts *artifact.Pipeline
	Sessions  core.SessionStore
	// Sinks receive every event in addition to the built-in broadcaster.
	Sinks     []event.Sink
	Factory   AgentFactory
	Callbacks *CallbackManager
	Logger    logging.Logger
	Now       func() time.Time
}

// Engine is the composition root: it routes submissions to agents, admits
// them against project capacity, drives their stages and publishes progress.
type Engine struct {
	cfg         Config
	router      *router.Router
	admission   *admission.Controller
	artifacts   *artifact.Pipeline
	sessions    core.SessionStore
	broadcaster *event.Broadcaster
	sinks       []event.Sink
	factory     AgentFactory
	callbacks   *CallbackManager
	logger      logging.Logger
	now         func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	agentsMu sync.RWMutex
	agents   map[string]core.Agent

	execMu     sync.RWMutex
	executions map[string]*execution
	closed     bool
}

// New creates an engine. Missing collaborators get in-memory defaults.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig(),
		Logger: logging.NoOpLogger{},
		Now:    func() time.Time { return time.Now().UTC() },
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if opts.Router == nil {
		opts.Router = router.New()
	}
	if opts.Admission == nil {
		opts.Admission = admission.New(func(o *admission.Options) { o.Logger = logger })
	}
	if opts.Artifacts == nil {
		opts.Artifacts = artifact.NewPipeline(func(o *artifact.Options) { o.Logger = logger })
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewInMemoryStore()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       opts.Config,
		router:    opts.Router,
		admission: opts.Admission,
		artifacts: opts.Artifacts,
		sessions:  opts.Sessions,
		broadcaster: event.NewBroadcaster(func(o *event.Options) {
			o.BufferSize = opts.Config.EventBufferSize
			o.Logger = logger
		}),
		sinks:      opts.Sinks,
		factory:    opts.Factory,
		callbacks:  opts.Callbacks,
		logger:     logging.WithComponent(logger, "engine"),
		now:        opts.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		agents:     make(map[string]core.Agent),
		executions: make(map[string]*execution),
	}
}

// Register binds an agent implementation to a profile id.
func (e *Engine) Register(agentID string, a core.Agent) {
	e.agentsMu.Lock()
	defer e.agentsMu.Unlock()
	e.agents[agentID] = a
}

// Router returns the router used for submissions.
func (e *Engine) Router() *router.Router { return e.router }

// Callbacks returns the lifecycle hook registry.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

func (e *Engine) agentFor(p router.AgentProfile) (core.Agent, error) {
	e.agentsMu.RLock()
	a, ok := e.agents[p.ID]
	e.agentsMu.RUnlock()
	if ok {
		return a, nil
	}
	if e.factory == nil {
		return nil, fmt.Errorf("no agent registered for %s", p.ID)
	}
	a, err := e.factory(p)
	if err != nil {
		return nil, err
	}
	e.Register(p.ID, a)
	return a, nil
}

// Submit validates and routes a request, acquires a slot and starts the
// execution in the background. Capacity exhaustion is returned as the
// *admission.CapacityError from the admission controller.
func (e *Engine) Submit(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	match, err := e.router.Resolve(req.Selector, req.Input)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	agent, err := e.agentFor(match.Agent)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if len(match.Workflow.Stages) == 0 {
		match.Workflow.Stages = []router.Stage{{Name: match.Workflow.Name, Loop: true}}
	}

	e.execMu.RLock()
	closed := e.closed
	e.execMu.RUnlock()
	if closed {
		return "", ErrClosed
	}

	id := uuid.NewString()
	attempt := req.TaskAttemptID
	if attempt == "" {
		attempt = id
	}

	var acquireOpts []admission.AcquireOption
	if req.ResourceWeight > 0 {
		acquireOpts = append(acquireOpts, admission.WithResourceWeight(req.ResourceWeight))
	}
	slot, err := e.admission.TryAcquire(ctx, req.ProjectID, attempt, match.Agent.SlotType(), acquireOpts...)
	if err != nil {
		return "", err
	}

	sess, err := e.sessions.Get(id)
	if err != nil {
		_, _ = e.admission.Release(ctx, slot.ID)
		return "", fmt.Errorf("create session: %w", err)
	}
	sess.SetMetadata("project", req.ProjectID)
	sess.SetMetadata("agent", match.Agent.ID)
	sess.SetMetadata("workflow", match.Workflow.ID)
	for k, v := range req.Metadata {
		sess.SetMetadata(k, v)
	}

	now := e.now()
	runCtx, cancel := context.WithCancel(e.baseCtx)
	x := &execution{
		match:   match,
		agent:   agent,
		session: sess,
		cancel:  cancel,
		done:    make(chan struct{}),
		control: make(chan control, 1),
		snap: Execution{
			ID:            id,
			ProjectID:     req.ProjectID,
			TaskAttemptID: attempt,
			AgentID:       match.Agent.ID,
			Codename:      match.Agent.Codename,
			WorkflowID:    match.Workflow.ID,
			Confidence:    match.Confidence,
			Input:         req.Input,
			Status:        Status{Phase: PhasePending},
			SlotID:        slot.ID,
			SlotType:      slot.SlotType,
			Stages:        len(match.Workflow.Stages),
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}

	e.execMu.Lock()
	if e.closed {
		e.execMu.Unlock()
		cancel()
		_, _ = e.admission.Release(ctx, slot.ID)
		return "", ErrClosed
	}
	e.executions[id] = x
	e.wg.Add(1)
	e.execMu.Unlock()

	e.logger.Info("execution submitted",
		"execution_id", id, "project_id", req.ProjectID, "agent_id", match.Agent.ID,
		"workflow_id", match.Workflow.ID, "confidence", match.Confidence, "slot_type", string(slot.SlotType))

	e.publish(x, core.NewEvent(core.EventStarted, id).WithData("confidence", match.Confidence).WithData("reasons", match.Reasons))

	go func() {
		defer e.wg.Done()
		defer close(x.done)
		e.run(runCtx, x)
		x.exit()
	}()

	return id, nil
}

func (e *Engine) lookup(id string) (*execution, error) {
	e.execMu.RLock()
	defer e.execMu.RUnlock()
	x, ok := e.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return x, nil
}

// Get returns a snapshot of an execution.
func (e *Engine) Get(id string) (Execution, error) {
	x, err := e.lookup(id)
	if err != nil {
		return Execution{}, err
	}
	return x.snapshot(), nil
}

// Active lists executions that have not reached a terminal phase, oldest first.
func (e *Engine) Active() []Execution {
	e.execMu.RLock()
	defer e.execMu.RUnlock()
	var out []Execution
	for _, x := range e.executions {
		if s := x.snapshot(); !s.Status.Phase.Terminal() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Wait blocks until the execution's run goroutine exits or ctx ends. A
// paused execution keeps waiting.
func (e *Engine) Wait(ctx context.Context, id string) (Execution, error) {
	x, err := e.lookup(id)
	if err != nil {
		return Execution{}, err
	}
	select {
	case <-x.done:
		return x.snapshot(), nil
	case <-ctx.Done():
		return x.snapshot(), ctx.Err()
	}
}

// Capacity returns the slot usage of a project.
func (e *Engine) Capacity(ctx context.Context, projectID string) (admission.ProjectCapacity, error) {
	return e.admission.Capacity(ctx, projectID)
}

// ListArtifacts returns the artifacts of an execution in creation order,
// optionally restricted to the given types.
func (e *Engine) ListArtifacts(executionID string, types ...artifact.Type) []artifact.Artifact {
	all := e.artifacts.ByExecution(executionID)
	if len(types) == 0 {
		return all
	}
	out := []artifact.Artifact{}
	for _, a := range all {
		for _, t := range types {
			if a.Type == t {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// StageOutput returns the latest indexed output of a stage.
func (e *Engine) StageOutput(executionID string, stage int) (json.RawMessage, bool) {
	return e.artifacts.StageOutput(executionID, stage)
}

// Resume continues a paused execution with a fresh backpressure window.
func (e *Engine) Resume(id string) error {
	return e.signal(id, control{kind: controlResume})
}

// Abort fails a paused execution.
func (e *Engine) Abort(id, reason string) error {
	return e.signal(id, control{kind: controlAbort, reason: reason})
}

func (e *Engine) signal(id string, c control) error {
	x, err := e.lookup(id)
	if err != nil {
		return err
	}
	return x.offer(c)
}

// Cancel stops an execution and releases every slot of its task attempt
// before returning, whether or not the agent honours cancellation. It then
// waits for the run to exit and applies the artifact retention policy. If ctx
// ends first, Cancel returns ctx.Err() with the slots already released and
// the retention step runs once the run exits. Cancelling a finished execution
// is acknowledged without side effects.
func (e *Engine) Cancel(ctx context.Context, id string) (CancelAck, error) {
	x, err := e.lookup(id)
	if err != nil {
		return CancelAck{}, err
	}

	if !x.transition(Status{Phase: PhaseCancelled}, e.now()) {
		s := x.snapshot()
		return CancelAck{ExecutionID: id, Status: s.Status, ArtifactsRetained: true, AlreadyFinished: true}, nil
	}

	x.cancel()
	snap := x.snapshot()
	released, err := e.admission.ReleaseAllForAttempt(context.WithoutCancel(ctx), snap.TaskAttemptID)
	if err != nil {
		e.logger.Error("releasing slots failed", "execution_id", id, "error", err)
		return CancelAck{}, fmt.Errorf("release slots: %w", err)
	}

	ack := CancelAck{
		ExecutionID:       id,
		Status:            snap.Status,
		SlotsReleased:     released,
		ArtifactsRetained: !e.cfg.CleanupOnCancel,
	}

	select {
	case <-x.done:
		if err := e.finishCancel(ctx, x, released); err != nil {
			return CancelAck{}, err
		}
		return ack, nil
	case <-ctx.Done():
		e.logger.Warn("cancelled execution still running", "execution_id", id, "slots_released", released)
		x.afterExit(func() {
			if err := e.finishCancel(context.WithoutCancel(ctx), x, released); err != nil {
				e.logger.Error("finishing cancellation failed", "execution_id", id, "error", err)
			}
		})
		return ack, ctx.Err()
	}
}

// finishCancel runs once the cancelled run has exited.
func (e *Engine) finishCancel(ctx context.Context, x *execution, released int) error {
	id := x.snapshot().ID
	if e.cfg.CleanupOnCancel {
		if err := e.artifacts.Cleanup(ctx, id); err != nil {
			return err
		}
	}
	_ = e.sessions.Delete(id)

	e.publish(x, core.NewEvent(core.EventCancelled, id).WithData("slots_released", released))
	e.logger.Info("execution cancelled", "execution_id", id, "slots_released", released, "artifacts_retained", !e.cfg.CleanupOnCancel)
	return nil
}

// Subscribe opens an event subscription.
func (e *Engine) Subscribe(filter event.Filter) *event.Subscription {
	return e.broadcaster.Subscribe(filter)
}

// EventsDropped reports how many event deliveries were dropped.
func (e *Engine) EventsDropped() uint64 { return e.broadcaster.Dropped() }

// Recover reloads persisted artifacts and releases every active slot whose
// task attempt is not owned by a live execution of this engine. Call it once
// at startup.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if _, err := e.artifacts.Load(ctx); err != nil {
		return 0, err
	}

	alive := make(map[string]bool)
	for _, s := range e.Active() {
		alive[s.TaskAttemptID] = true
	}

	released, err := e.admission.Reconcile(ctx, func(s admission.Slot) bool { return alive[s.TaskAttemptID] })
	if err != nil {
		return 0, err
	}
	if released > 0 {
		e.logger.Warn("released orphaned slots", "count", released)
	}
	return released, nil
}

// Close cancels every running execution, waits for them and closes all
// subscriptions.
func (e *Engine) Close(ctx context.Context) error {
	e.execMu.Lock()
	if e.closed {
		e.execMu.Unlock()
		return nil
	}
	e.closed = true
	ids := make([]string, 0, len(e.executions))
	for id, x := range e.executions {
		if !x.phase().Terminal() {
			ids = append(ids, id)
		}
	}
	e.execMu.Unlock()

	var errs []error
	for _, id := range ids {
		if _, err := e.Cancel(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	e.baseCancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	e.broadcaster.Close()
	return errors.Join(errs...)
}

func (e *Engine) publish(x *execution, ev core.Event) {
	s := x.snapshot()
	ev.ProjectID = s.ProjectID
	ev.AgentID = s.AgentID
	e.broadcaster.Publish(ev)
	for _, sink := range e.sinks {
		sink.Publish(ev)
	}
}
