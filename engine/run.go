package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/taskmesh/artifact"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/loop"
	"github.com/hupe1980/taskmesh/router"
)

const maxLogOutput = 4000

var stageTemplate = util.MustParse("stage", `{{ .Input }}

## Stage {{ .Number }} of {{ .Total }}: {{ .Stage.Name }}
{{ .Stage.Instruction | default .Stage.Description }}
{{- if .Previous }}

## Output of the previous stage
{{ .Previous }}
{{- end }}
`)

// errStopped marks a run that ended because the execution was cancelled.
var errStopped = errors.New("execution stopped")

func (e *Engine) run(ctx context.Context, x *execution) {
	snap := x.snapshot()
	log := logging.With(e.logger, "execution_id", snap.ID)

	if !e.enter(x, Status{Phase: PhasePlanning}, core.AgentPlanning) {
		return
	}
	if err := e.storePlan(ctx, x); err != nil {
		e.fail(x, err, -1, "")
		return
	}

	stages := x.match.Workflow.Stages
	var output string
	for i, stage := range stages {
		out, err := e.runStage(ctx, x, i, stage)
		if err != nil {
			if errors.Is(err, errStopped) || ctx.Err() != nil {
				log.Debug("run stopped", "stage", i)
				return
			}
			e.fail(x, err, i, stage.Name)
			return
		}
		output = out
	}

	if !e.enter(x, Status{Phase: PhaseVerifying}, core.AgentVerifying) {
		return
	}
	e.complete(ctx, x, output)
}

// enter transitions x and announces the agent status. It returns false when
// the execution already ended.
func (e *Engine) enter(x *execution, st Status, agentStatus core.AgentStatus) bool {
	if !x.transition(st, e.now()) {
		return false
	}
	e.announce(x, st, agentStatus)
	return true
}

func (e *Engine) announce(x *execution, st Status, agentStatus core.AgentStatus) {
	ev := core.NewEvent(core.EventAgentStatus, x.snapshot().ID)
	ev.Status = string(agentStatus)
	if st.StageIndex != nil {
		ev = ev.WithStage(*st.StageIndex, st.StageName)
	}
	e.publish(x, ev)
}

func (e *Engine) storePlan(ctx context.Context, x *execution) error {
	wf := x.match.Workflow
	names := make([]string, len(wf.Stages))
	for i, s := range wf.Stages {
		names[i] = s.Name
	}
	content, err := artifact.JSON(map[string]any{
		"agent_id":    x.match.Agent.ID,
		"workflow_id": wf.ID,
		"objective":   wf.Objective,
		"stages":      names,
		"confidence":  x.match.Confidence,
		"reasons":     x.match.Reasons,
	})
	if err != nil {
		return err
	}
	_, err = e.storeArtifact(ctx, x, artifact.New(x.snapshot().ID, artifact.TypePlan, "Execution plan: "+wf.Name, content))
	return err
}

func (e *Engine) storeArtifact(ctx context.Context, x *execution, a artifact.Artifact) (artifact.Artifact, error) {
	stored, err := e.artifacts.Store(ctx, a.WithAgent(x.match.Agent.ID))
	if err != nil {
		return artifact.Artifact{}, err
	}
	ev := core.NewEvent(core.EventArtifactProduced, stored.ExecutionID)
	ev.ArtifactID = stored.ID
	ev.ArtifactType = string(stored.Type)
	ev.Message = stored.Title
	if idx, ok := stored.Stage(); ok {
		ev = ev.WithStage(idx, stored.StageName)
	}
	e.publish(x, ev)
	return stored, nil
}

func (e *Engine) stageTask(x *execution, idx int, stage router.Stage) (string, error) {
	snap := x.snapshot()
	var previous string
	if idx > 0 {
		if out, ok := e.artifacts.StageOutput(snap.ID, idx-1); ok {
			previous = string(out)
		}
	}
	return util.Execute(stageTemplate, map[string]any{
		"Input":    snap.Input,
		"Number":   idx + 1,
		"Total":    len(x.match.Workflow.Stages),
		"Stage":    stage,
		"Previous": previous,
	})
}

func (e *Engine) runStage(ctx context.Context, x *execution, idx int, stage router.Stage) (string, error) {
	id := x.snapshot().ID
	cc := e.callbackContext(x, idx, stage.Name)
	if err := e.callbacks.Execute(ctx, CallbackBeforeStage, cc); err != nil {
		return "", fmt.Errorf("before stage hook: %w", err)
	}

	if !e.enter(x, stageStatus(PhaseExecuting, idx, stage.Name), core.AgentExecuting) {
		return "", errStopped
	}
	e.publish(x, core.NewEvent(core.EventStageStarted, id).WithStage(idx, stage.Name))

	task, err := e.stageTask(x, idx, stage)
	if err != nil {
		return "", err
	}

	var output string
	if stage.Loop {
		output, err = e.runLoopStage(ctx, x, idx, stage, task)
	} else {
		output, err = e.runSingleStage(ctx, x, idx, stage, task)
	}
	if err != nil {
		return "", err
	}

	stored, err := e.storeArtifact(ctx, x, artifact.New(id, artifact.TypeStageOutput,
		fmt.Sprintf("Stage %d output: %s", idx, stage.Name), artifact.ContentFromOutput(output)).WithStage(idx, stage.Name))
	if err != nil {
		return "", err
	}

	done := core.NewEvent(core.EventStageCompleted, id).WithStage(idx, stage.Name)
	done.ArtifactID = stored.ID
	e.publish(x, done)

	if err := e.callbacks.Execute(ctx, CallbackAfterStage, cc); err != nil {
		e.logger.Warn("after stage hook failed", "execution_id", id, "stage", idx, "error", err)
	}
	return output, nil
}

func (e *Engine) runSingleStage(ctx context.Context, x *execution, idx int, stage router.Stage, task string) (string, error) {
	out, err := x.agent.Invoke(ctx, x.session, task)
	if err != nil {
		if ctx.Err() != nil {
			return "", errStopped
		}
		return "", fmt.Errorf("%w: %w", loop.ErrInvocation, err)
	}
	x.update(func(s *Execution) { s.Iterations++ })
	out = loop.NewDetector(e.cfg.Loop.Completion).Strip(out)

	content, _ := artifact.JSON(map[string]any{"iteration": 1, "output": util.Truncate(out, maxLogOutput, "...")})
	if _, err := e.storeArtifact(ctx, x, artifact.New(x.snapshot().ID, artifact.TypeExecutionLog,
		fmt.Sprintf("Stage %d invocation", idx), content).WithStage(idx, stage.Name)); err != nil {
		return "", err
	}
	return out, nil
}

func (e *Engine) loopConfig(stage router.Stage) (loop.Config, error) {
	cfg := e.cfg.Loop
	if stage.Preset == "" {
		return cfg, nil
	}
	preset, err := loop.PresetConfig(stage.Preset)
	if err != nil {
		return loop.Config{}, err
	}
	cfg.Backpressure.MaxIterations = preset.Backpressure.MaxIterations
	cfg.ValidateEachIteration = preset.ValidateEachIteration
	return cfg, nil
}

func (e *Engine) runLoopStage(ctx context.Context, x *execution, idx int, stage router.Stage, task string) (string, error) {
	cfg, err := e.loopConfig(stage)
	if err != nil {
		return "", err
	}
	id := x.snapshot().ID

	ctl := loop.New(x.agent, x.session, task, func(o *loop.Options) {
		o.Config = cfg
		o.Logger = e.logger
		o.Observer = loop.ObserverFuncs{
			Before: func(ctx context.Context, n int, _ string) error {
				cc := e.callbackContext(x, idx, stage.Name)
				cc.Iteration = &loop.Iteration{Number: n}
				return e.callbacks.Execute(ctx, CallbackBeforeIteration, cc)
			},
			After: func(ctx context.Context, it loop.Iteration) {
				e.recordIteration(ctx, x, idx, stage, it)
			},
		}
		o.ContextFunc = func(context.Context) []string { return e.recentContext(id, idx) }
	})

	for {
		res, err := ctl.Run(ctx)
		if ctx.Err() != nil {
			return "", errStopped
		}
		if err != nil {
			return "", err
		}

		switch res.State {
		case loop.StateCompleted:
			return ctl.Detector().Strip(res.Output), nil
		case loop.StateFailed:
			return "", res.Err
		case loop.StatePaused:
			if err := e.pause(ctx, x, ctl, idx, stage, res.Violation); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("loop returned in unexpected state %s", res.State)
		}
	}
}

// pause parks the execution until Resume, Abort or cancellation.
func (e *Engine) pause(ctx context.Context, x *execution, ctl *loop.Controller, idx int, stage router.Stage, v *loop.Violation) error {
	id := x.snapshot().ID
	st := stageStatus(PhasePaused, idx, stage.Name)
	if v != nil {
		st.Reason = string(v.Reason)
	}
	if !e.enter(x, st, core.AgentBlocked) {
		return errStopped
	}

	ev := core.NewEvent(core.EventPaused, id).WithStage(idx, stage.Name)
	ev.Status = st.Reason
	if v != nil {
		ev.Message = v.Message
		ev = ev.WithData("limit", v.Limit).WithData("observed", v.Observed)
	}
	e.publish(x, ev)

	cc := e.callbackContext(x, idx, stage.Name)
	cc.Violation = v
	if err := e.callbacks.Execute(ctx, CallbackOnPause, cc); err != nil {
		e.logger.Warn("pause hook failed", "execution_id", id, "error", err)
	}

	select {
	case <-ctx.Done():
		return errStopped
	case c := <-x.control:
		if c.kind == controlAbort {
			if err := ctl.Abort(c.reason); err != nil {
				return err
			}
			return ctl.Snapshot().Err
		}
		running := stageStatus(PhaseExecuting, idx, stage.Name)
		if !x.resume(running, e.now()) {
			return errStopped
		}
		if err := ctl.Resume(); err != nil {
			return err
		}
		e.announce(x, running, core.AgentExecuting)
		e.publish(x, core.NewEvent(core.EventResumed, id).WithStage(idx, stage.Name))
		return nil
	}
}

func (e *Engine) recordIteration(ctx context.Context, x *execution, idx int, stage router.Stage, it loop.Iteration) {
	id := x.snapshot().ID
	if it.Err == nil {
		x.update(func(s *Execution) { s.Iterations++ })
	}

	data := map[string]any{
		"iteration": it.Number,
		"status":    string(it.Status),
		"accepted":  it.Accepted,
		"output":    util.Truncate(it.Output, maxLogOutput, "..."),
		"duration":  it.Duration.String(),
	}
	if it.Validation != nil {
		data["validation"] = it.Validation.StatusString()
		if !it.Validation.Passed {
			data["validation_failures"] = it.Validation.FailureSummary()
		}
	}
	if hint, ok := loop.NewDetector(e.cfg.Loop.Completion).ExtractContext(it.Output); ok {
		data["completion_context"] = hint
	}
	if it.Err != nil {
		data["error"] = it.Err.Error()
	}

	content, err := artifact.JSON(data)
	if err == nil {
		_, err = e.storeArtifact(ctx, x, artifact.New(id, artifact.TypeExecutionLog,
			fmt.Sprintf("Stage %d iteration %d", idx, it.Number), content).
			WithStage(idx, stage.Name).WithMetadata("iteration", it.Number))
	}
	if err != nil {
		e.logger.Warn("storing iteration log failed", "execution_id", id, "iteration", it.Number, "error", err)
	}

	ev := core.NewEvent(core.EventIterationProgress, id).WithStage(idx, stage.Name)
	ev.Iteration = it.Number
	ev.Status = string(it.Status)
	e.publish(x, ev.WithData("accepted", it.Accepted))

	cc := e.callbackContext(x, idx, stage.Name)
	cc.Iteration = &it
	if err := e.callbacks.Execute(ctx, CallbackAfterIteration, cc); err != nil {
		e.logger.Warn("after iteration hook failed", "execution_id", id, "error", err)
	}
}

// recentContext summarises the latest iteration logs of a stage for the
// follow-up prompt.
func (e *Engine) recentContext(executionID string, stage int) []string {
	logs := e.artifacts.ByType(executionID, artifact.TypeExecutionLog)
	var out []string
	for i := len(logs) - 1; i >= 0 && len(out) < e.cfg.ContextArtifacts; i-- {
		a := logs[i]
		if idx, ok := a.Stage(); !ok || idx != stage {
			continue
		}
		var entry struct {
			Iteration int    `json:"iteration"`
			Status    string `json:"status"`
			Output    string `json:"output"`
		}
		if err := a.Decode(&entry); err != nil {
			continue
		}
		summary := util.Truncate(strings.Join(strings.Fields(entry.Output), " "), 200, "...")
		out = append(out, fmt.Sprintf("Iteration %d (%s): %s", entry.Iteration, entry.Status, summary))
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (e *Engine) complete(ctx context.Context, x *execution, output string) {
	if x.phase().Terminal() {
		return
	}
	snap := x.snapshot()
	content, err := artifact.JSON(map[string]any{
		"output":     artifact.ContentFromOutput(output),
		"stages":     snap.Stages,
		"iterations": snap.Iterations,
	})
	if err == nil {
		_, err = e.storeArtifact(ctx, x, artifact.New(snap.ID, artifact.TypeDeliverable, "Deliverable: "+x.match.Workflow.Name, content))
	}
	if err != nil {
		e.fail(x, err, -1, "")
		return
	}

	x.update(func(s *Execution) { s.Output = output })
	if !e.enter(x, Status{Phase: PhaseCompleted}, core.AgentIdle) {
		return
	}

	if _, err := e.admission.Release(context.WithoutCancel(ctx), snap.SlotID); err != nil {
		e.logger.Error("releasing slot failed", "execution_id", snap.ID, "slot_id", snap.SlotID, "error", err)
	}
	_ = e.sessions.Delete(snap.ID)

	e.publish(x, core.NewEvent(core.EventCompleted, snap.ID).WithData("iterations", snap.Iterations))
	if err := e.callbacks.Execute(ctx, CallbackOnComplete, e.callbackContext(x, snap.Stages-1, "")); err != nil {
		e.logger.Warn("complete hook failed", "execution_id", snap.ID, "error", err)
	}
	e.logger.Info("execution completed", "execution_id", snap.ID, "iterations", snap.Iterations)
}

func (e *Engine) fail(x *execution, cause error, idx int, stageName string) {
	if x.phase().Terminal() {
		return
	}
	snap := x.snapshot()
	ctx := context.WithoutCancel(e.baseCtx)

	st := Status{Phase: PhaseFailed, Error: cause.Error()}
	if idx >= 0 {
		st = stageStatus(PhaseFailed, idx, stageName)
		st.Error = cause.Error()
	}

	errArtifact := artifact.New(snap.ID, artifact.TypeError, "Execution failed", artifact.MustJSON(map[string]any{"error": cause.Error()}))
	if idx >= 0 {
		errArtifact = errArtifact.WithStage(idx, stageName)
	}
	if _, err := e.storeArtifact(ctx, x, errArtifact); err != nil {
		e.logger.Warn("storing error artifact failed", "execution_id", snap.ID, "error", err)
	}

	if !e.enter(x, st, core.AgentError) {
		return
	}

	if _, err := e.admission.ReleaseAllForAttempt(ctx, snap.TaskAttemptID); err != nil {
		e.logger.Error("releasing slots failed", "execution_id", snap.ID, "error", err)
	}
	_ = e.sessions.Delete(snap.ID)

	if idx >= 0 {
		sf := core.NewEvent(core.EventStageFailed, snap.ID).WithStage(idx, stageName)
		sf.Message = cause.Error()
		e.publish(x, sf)
	}
	ev := core.NewEvent(core.EventFailed, snap.ID)
	ev.Message = cause.Error()
	e.publish(x, ev)

	cc := e.callbackContext(x, idx, stageName)
	cc.Err = cause
	if err := e.callbacks.Execute(ctx, CallbackOnError, cc); err != nil {
		e.logger.Warn("error hook failed", "execution_id", snap.ID, "error", err)
	}
	e.logger.Error("execution failed", "execution_id", snap.ID, "stage", idx, "error", cause)
}

func (e *Engine) callbackContext(x *execution, idx int, stageName string) *CallbackContext {
	s := x.snapshot()
	return &CallbackContext{
		ExecutionID: s.ID,
		ProjectID:   s.ProjectID,
		AgentID:     s.AgentID,
		StageIndex:  idx,
		StageName:   stageName,
	}
}
