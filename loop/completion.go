package loop

import (
	"strings"
)

// CompletionStatus classifies one iteration's output.
type CompletionStatus string

const (
	// StatusComplete means the completion gate is satisfied.
	StatusComplete CompletionStatus = "complete"
	// StatusPromiseOnly means only the completion promise was found in dual-gate mode.
	StatusPromiseOnly CompletionStatus = "promise_only"
	// StatusSignalOnly means only the exit signal was found.
	StatusSignalOnly CompletionStatus = "signal_only"
	// StatusIncomplete means neither marker was found.
	StatusIncomplete CompletionStatus = "incomplete"
)

// IsComplete reports whether the loop may finish.
func (s CompletionStatus) IsComplete() bool { return s == StatusComplete }

// HasIndicator reports whether at least one marker was seen.
func (s CompletionStatus) HasIndicator() bool { return s != StatusIncomplete && s != "" }

const (
	// DefaultCompletionPromise is the default completion marker.
	DefaultCompletionPromise = "<promise>TASK_COMPLETE</promise>"
	// DefaultExitSignal is the default exit marker.
	DefaultExitSignal = "EXIT_SIGNAL: true"
)

// CompletionConfig configures the completion detector. It is fixed for the
// lifetime of a loop run.
type CompletionConfig struct {
	Promise         string `json:"completion_promise" yaml:"completion_promise"`
	ExitSignal      string `json:"exit_signal_key" yaml:"exit_signal_key"`
	RequireDualGate bool   `json:"require_dual_gate" yaml:"require_dual_gate"`
}

// DefaultCompletionConfig returns the dual-gate defaults.
func DefaultCompletionConfig() CompletionConfig {
	return CompletionConfig{
		Promise:         DefaultCompletionPromise,
		ExitSignal:      DefaultExitSignal,
		RequireDualGate: true,
	}
}

// Detector checks iteration output for completion markers.
type Detector struct {
	cfg CompletionConfig
}

// NewDetector creates a Detector. Empty markers fall back to the defaults.
func NewDetector(cfg CompletionConfig) *Detector {
	if cfg.Promise == "" {
		cfg.Promise = DefaultCompletionPromise
	}
	if cfg.ExitSignal == "" {
		cfg.ExitSignal = DefaultExitSignal
	}
	return &Detector{cfg: cfg}
}

// Config returns the detector configuration.
func (d *Detector) Config() CompletionConfig { return d.cfg }

// Check classifies output. A missing marker is never an error.
func (d *Detector) Check(output string) CompletionStatus {
	promise := strings.Contains(output, d.cfg.Promise)
	signal := strings.Contains(output, d.cfg.ExitSignal)

	switch {
	case promise && signal:
		return StatusComplete
	case promise && !d.cfg.RequireDualGate:
		return StatusComplete
	case promise:
		return StatusPromiseOnly
	case signal:
		return StatusSignalOnly
	default:
		return StatusIncomplete
	}
}

// IsComplete is shorthand for Check(output).IsComplete().
func (d *Detector) IsComplete(output string) bool { return d.Check(output).IsComplete() }

const maxContextLines = 5

// ExtractContext returns up to five lines that mention a marker or talk about
// being complete, finished or done.
func (d *Detector) ExtractContext(output string) (string, bool) {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(line, d.cfg.Promise) ||
			strings.Contains(line, d.cfg.ExitSignal) ||
			strings.Contains(lower, "complete") ||
			strings.Contains(lower, "finished") ||
			strings.Contains(lower, "done") {
			lines = append(lines, line)
			if len(lines) == maxContextLines {
				break
			}
		}
	}
	if len(lines) == 0 {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}

// Strip removes both markers from output and trims surrounding whitespace.
func (d *Detector) Strip(output string) string {
	out := strings.ReplaceAll(output, d.cfg.Promise, "")
	out = strings.ReplaceAll(out, d.cfg.ExitSignal, "")
	return strings.TrimSpace(out)
}
