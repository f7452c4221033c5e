package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

var (
	// ErrInvocation wraps agent faults. The loop does not retry them.
	ErrInvocation = errors.New("agent invocation failed")
	// ErrNotPaused is returned by Resume and Abort outside the paused state.
	ErrNotPaused = errors.New("loop is not paused")
	// ErrFinished is returned when Run is called on a completed or failed loop.
	ErrFinished = errors.New("loop already finished")
	// ErrAlreadyRunning is returned when Run is called concurrently.
	ErrAlreadyRunning = errors.New("loop is already running")
	// ErrAborted is the failure cause after Abort.
	ErrAborted = errors.New("loop aborted")
)

// State is the loop state machine position.
type State string

const (
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateFailed    State = "failed"
	StateCompleted State = "completed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Iteration describes one invoke-and-evaluate cycle.
type Iteration struct {
	// Number counts iterations since the loop started, across resumes.
	Number int
	// Window is the position inside the current policy window.
	Window     int
	Prompt     string
	Output     string
	Status     CompletionStatus
	Accepted   bool
	Validation *ValidationResult
	StartedAt  time.Time
	Duration   time.Duration
	Err        error
}

// Observer is notified around every iteration. A BeforeIteration error fails
// the loop.
type Observer interface {
	BeforeIteration(ctx context.Context, number int, prompt string) error
	AfterIteration(ctx context.Context, it Iteration)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	Before func(ctx context.Context, number int, prompt string) error
	After  func(ctx context.Context, it Iteration)
}

// BeforeIteration implements Observer.
func (o ObserverFuncs) BeforeIteration(ctx context.Context, number int, prompt string) error {
	if o.Before == nil {
		return nil
	}
	return o.Before(ctx, number, prompt)
}

// AfterIteration implements Observer.
func (o ObserverFuncs) AfterIteration(ctx context.Context, it Iteration) {
	if o.After != nil {
		o.After(ctx, it)
	}
}

// Result is a snapshot of the loop after Run returns.
type Result struct {
	State      State
	Iterations int
	Output     string
	Completion CompletionStatus
	Violation  *Violation
	Validation *ValidationResult
	Err        error
}

// Options configures a Controller.
type Options struct {
	Config Config
	// Policy overrides Config.Backpressure when set.
	Policy   Policy
	Observer Observer
	// ContextFunc supplies short summaries of recent artifacts for follow-up prompts.
	ContextFunc func(ctx context.Context) []string
	Logger      logging.Logger
	Now         func() time.Time
}

// Controller drives one agent task through repeated invocations until it
// completes, fails or is paused by backpressure. All iterations share the
// same agent session.
type Controller struct {
	agent     core.Agent
	session   *core.Session
	task      string
	cfg       Config
	detector  *Detector
	validator *Validator
	prompts   *PromptBuilder
	policy    Policy
	observer  Observer
	contextFn func(ctx context.Context) []string
	logger    logging.Logger
	now       func() time.Time

	mu             sync.Mutex
	state          State
	running        bool
	iteration      int
	health         Health
	windowStart    time.Time
	lastOutput     string
	hasOutput      bool
	lastStatus     CompletionStatus
	lastValidation *ValidationResult
	violation      *Violation
	err            error
}

// New creates a Controller in Running(0).
func New(agent core.Agent, session *core.Session, task string, optFns ...func(o *Options)) *Controller {
	opts := Options{
		Config: DefaultConfig(),
		Logger: logging.NoOpLogger{},
		Now:    time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if session == nil {
		session = core.NewSession(core.NewID())
	}

	policy := opts.Policy
	if policy == nil {
		policy = opts.Config.Backpressure
	}

	logger := logging.WithComponent(opts.Logger, "loop")
	validator := NewValidator(opts.Config.Validation, logger)

	return &Controller{
		agent:     agent,
		session:   session,
		task:      task,
		cfg:       opts.Config,
		detector:  NewDetector(opts.Config.Completion),
		validator: validator,
		prompts:   NewPromptBuilder(opts.Config.Prompt, opts.Config.Completion, validator.Commands()),
		policy:    policy,
		observer:  opts.Observer,
		contextFn: opts.ContextFunc,
		logger:    logger,
		now:       opts.Now,
		state:     StateRunning,
	}
}

// Detector exposes the completion detector of this loop.
func (c *Controller) Detector() *Detector { return c.detector }

// Session returns the shared agent session.
func (c *Controller) Session() *core.Session { return c.session }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Health returns the signals of the current policy window.
func (c *Controller) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthLocked()
}

func (c *Controller) healthLocked() Health {
	h := c.health
	h.Validations = append([]bool(nil), c.health.Validations...)
	if !c.windowStart.IsZero() {
		h.Elapsed = c.now().Sub(c.windowStart)
	}
	return h
}

// Snapshot returns the current result view.
func (c *Controller) Snapshot() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Result {
	return Result{
		State:      c.state,
		Iterations: c.iteration,
		Output:     c.lastOutput,
		Completion: c.lastStatus,
		Violation:  c.violation,
		Validation: c.lastValidation,
		Err:        c.err,
	}
}

// Run iterates until the loop completes, pauses or fails, or ctx ends. A
// pause is not an error: inspect Result.State and Result.Violation. Run may
// be called again after Resume.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	c.mu.Lock()
	switch {
	case c.running:
		c.mu.Unlock()
		return Result{}, ErrAlreadyRunning
	case c.state.Terminal():
		res := c.snapshotLocked()
		c.mu.Unlock()
		return res, ErrFinished
	case c.state == StatePaused:
		res := c.snapshotLocked()
		c.mu.Unlock()
		return res, nil
	}
	c.running = true
	if c.windowStart.IsZero() {
		c.windowStart = c.now()
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return c.Snapshot(), err
		}

		if v := c.policy.Evaluate(c.Health()); v != nil {
			c.pause(v)
			return c.Snapshot(), nil
		}

		it, err := c.iterate(ctx)
		if err != nil {
			return c.Snapshot(), err
		}

		if it.Accepted {
			c.mu.Lock()
			c.state = StateCompleted
			c.mu.Unlock()
			c.logger.Info("loop completed", "iterations", it.Number)
			return c.Snapshot(), nil
		}

		if c.cfg.IterationDelay > 0 {
			timer := time.NewTimer(c.cfg.IterationDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return c.Snapshot(), ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func (c *Controller) iterate(ctx context.Context) (Iteration, error) {
	c.mu.Lock()
	c.iteration++
	it := Iteration{Number: c.iteration, Window: c.health.Iterations + 1}
	lastValidation := c.lastValidation
	c.mu.Unlock()

	it.Prompt = c.buildPrompt(ctx, it.Number, lastValidation)

	if c.observer != nil {
		if err := c.observer.BeforeIteration(ctx, it.Number, it.Prompt); err != nil {
			return it, c.fail(fmt.Errorf("before iteration %d: %w", it.Number, err))
		}
	}

	it.StartedAt = c.now()
	c.logger.Debug("starting iteration", "iteration", it.Number, "window", it.Window)

	output, err := c.agent.Invoke(ctx, c.session, it.Prompt)
	it.Duration = c.now().Sub(it.StartedAt)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return it, ctxErr
		}
		it.Err = fmt.Errorf("%w: iteration %d: %w", ErrInvocation, it.Number, err)
		c.notify(ctx, it)
		return it, c.fail(it.Err)
	}

	it.Output = output
	it.Status = c.detector.Check(output)
	c.recordOutput(output, it.Status)

	switch {
	case it.Status.IsComplete() && c.cfg.ValidateBeforeCompletion && c.validator.HasCommands():
		v := c.validator.Validate(ctx)
		it.Validation = &v
		c.recordValidation(v)
		it.Accepted = v.Passed
		if !v.Passed {
			c.logger.Info("completion rejected by validation", "iteration", it.Number, "summary", v.Summary)
		}
	case it.Status.IsComplete():
		it.Accepted = true
	case c.cfg.ValidateEachIteration && c.validator.HasCommands():
		v := c.validator.Validate(ctx)
		it.Validation = &v
		c.recordValidation(v)
	}

	if err := ctx.Err(); err != nil {
		return it, err
	}

	c.notify(ctx, it)
	return it, nil
}

func (c *Controller) notify(ctx context.Context, it Iteration) {
	if c.observer != nil {
		c.observer.AfterIteration(ctx, it)
	}
}

func (c *Controller) buildPrompt(ctx context.Context, n int, last *ValidationResult) string {
	if n == 1 {
		return c.prompts.BuildInitial(c.task)
	}
	var recent []string
	if c.contextFn != nil {
		recent = c.contextFn(ctx)
	}
	if last != nil && !last.Passed {
		return c.prompts.BuildWithFeedback(c.task, n, last.FailureSummary(), recent)
	}
	return c.prompts.BuildFollowUp(c.task, n, recent)
}

const maxValidationHistory = 256

func (c *Controller) recordOutput(output string, status CompletionStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	trimmed := strings.TrimSpace(output)
	c.health.Iterations++
	c.health.OutputBytes += int64(len(output))
	if trimmed == "" || (c.hasOutput && trimmed == c.lastOutput) {
		c.health.StagnantIterations++
	} else {
		c.health.StagnantIterations = 0
	}
	c.health.LastStatus = status
	c.lastOutput = trimmed
	c.hasOutput = true
	c.lastStatus = status
}

func (c *Controller) recordValidation(v ValidationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.health.Validations = append(c.health.Validations, v.Passed)
	if n := len(c.health.Validations); n > maxValidationHistory {
		c.health.Validations = c.health.Validations[n-maxValidationHistory:]
	}
	if v.Passed {
		c.health.ConsecutiveFailures = 0
	} else {
		c.health.ConsecutiveFailures++
	}
	c.lastValidation = &v
}

func (c *Controller) pause(v *Violation) {
	c.mu.Lock()
	c.state = StatePaused
	c.violation = v
	c.mu.Unlock()
	c.logger.Warn("loop paused by backpressure", "reason", string(v.Reason), "limit", v.Limit, "observed", v.Observed)
}

func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.state = StateFailed
	c.err = err
	c.mu.Unlock()
	c.logger.Error("loop failed", "error", err)
	return err
}

// Resume moves a paused loop back to running and opens a fresh policy window.
// Call Run again to continue iterating.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return fmt.Errorf("%w: state is %s", ErrNotPaused, c.state)
	}
	c.state = StateRunning
	c.violation = nil
	c.health = Health{LastStatus: c.lastStatus}
	c.windowStart = c.now()
	c.logger.Info("loop resumed", "iteration", c.iteration)
	return nil
}

// Abort fails a paused loop.
func (c *Controller) Abort(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return fmt.Errorf("%w: state is %s", ErrNotPaused, c.state)
	}
	c.state = StateFailed
	c.err = fmt.Errorf("%w: %s", ErrAborted, reason)
	c.logger.Warn("loop aborted", "reason", reason)
	return nil
}
