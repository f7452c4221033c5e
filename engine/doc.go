// Package engine runs agent executions end to end.
//
// Submit routes a request to an agent workflow, acquires a slot from the
// admission controller and starts the execution in the background. Each
// workflow stage either invokes the agent once or drives it through the loop
// controller until dual-gate completion. Stage outputs are stored in the
// artifact pipeline and chained into the next stage's prompt.
//
// # Core Responsibilities
//
// Admission:
//   - Slot type derived from the agent profile's capabilities
//   - Capacity rejections returned unchanged as *admission.CapacityError
//   - One task attempt per slot; every slot of the attempt released on exit
//
// Stage Orchestration:
//   - Plan artifact before the first stage
//   - Single-shot or looped stages, with the previous output in the prompt
//   - StageOutput artifacts indexed by stage for later retrieval
//   - Deliverable artifact and slot release on completion
//
// Control:
//   - Pause on backpressure violations, holding the slot
//   - Exactly one Resume or Abort accepted per pause
//   - Cancel releases slots before waiting for the run, even when the agent
//     ignores cancellation; artifact retention follows Config.CleanupOnCancel
//   - Recover releases slots orphaned by a previous process
//
// Events and Hooks:
//   - core.Event values fanned out to subscribers without blocking
//   - Additional sinks receive every event
//   - CallbackManager hooks around stages, iterations, pauses and outcomes
//
// # Lifecycle
//
// An execution moves through the phases
//
//	pending -> planning -> executing{i} -> verifying -> completed
//
// and may leave any non-terminal phase for failed or cancelled. A loop stage
// that trips a backpressure limit parks the execution in paused:
//
//	executing{i} --violation--> paused{reason} --Resume--> executing{i}
//	                                           --Abort---> failed
//	                                           --Cancel--> cancelled
//
// Terminal phases are final; a late result from an agent that outlived its
// cancellation is discarded.
//
// # Usage
//
//	e := engine.New(func(o *engine.Options) {
//		o.Router = router.New(profiles...)
//		o.Admission = admission.New()
//	})
//	e.Register("builder", agent)
//
//	id, err := e.Submit(ctx, engine.Request{Input: "build the importer", ProjectID: "p1"})
//	if err != nil {
//		return err
//	}
//	x, err := e.Wait(ctx, id)
//
// # Concurrency
//
// Every execution runs in its own goroutine with its own cancel func. Engine
// methods are safe for concurrent use. Close cancels running executions and
// waits for them until its context ends.
package engine
