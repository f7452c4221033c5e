// Package loop drives a single agent task through repeated invocations until
// it signals completion.
//
// # Core Responsibilities
//
// Completion Detection:
//   - Dual gate: a completion promise and an exit signal must both appear
//   - Single markers are reported as PromiseOnly or SignalOnly and keep the
//     loop running unless the gate is relaxed
//   - Markers are stripped from the final output; nearby lines can be
//     extracted as context
//
// Backpressure:
//   - Max iterations, consecutive failures, stagnation, error rate over a
//     window and total timeout
//   - A tripped limit pauses the loop with a typed *Violation instead of
//     failing it
//   - Custom checks compose through Policy, PolicyFunc and Policies
//
// Validation:
//   - Shell commands run in parallel with a per-command timeout
//   - Fail-on-any or minimum-pass semantics
//   - A failed validation rejects a completion claim and its summary is fed
//     into the next prompt
//
// Prompting:
//   - Initial, follow-up and feedback prompts from text templates
//   - Recent iteration context supplied by the caller
//
// # State Machine
//
//	Running(N) --Incomplete/PromiseOnly/SignalOnly--> Running(N+1)
//	Running(N) --dual-gate Complete--------------------> Completed(N)
//	Running(N) --backpressure violation----------------> Paused(reason)
//	Running(N) --agent fault---------------------------> Failed(err)
//	Paused     --Resume--> Running   Paused --Abort--> Failed
//
// Resume starts a fresh backpressure window; the iteration count and the
// last output carry over.
//
// # Configuration
//
// DefaultConfig, AggressiveConfig and QuickConfig are the built-in presets,
// also reachable by name through PresetConfig. WithCompletionPromise and
// WithValidationCommands derive variants.
//
// # Usage
//
//	ctl := loop.New(agent, sess, "implement the parser", func(o *loop.Options) {
//		o.Config = loop.QuickConfig()
//	})
//	res, err := ctl.Run(ctx)
//	if res.State == loop.StatePaused {
//		// inspect res.Violation, then
//		_ = ctl.Resume()
//	}
package loop
