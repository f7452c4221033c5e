package loop

import (
	"errors"
	"fmt"
	"time"
)

// ErrBackpressure matches every *Violation via errors.Is.
var ErrBackpressure = errors.New("backpressure violation")

// Reason identifies which health check tripped.
type Reason string

const (
	ReasonMaxIterations       Reason = "max_iterations"
	ReasonMaxWallClock        Reason = "max_wall_clock"
	ReasonStagnation          Reason = "stagnation"
	ReasonErrorRate           Reason = "error_rate"
	ReasonOutputVolume        Reason = "output_volume"
	ReasonConsecutiveFailures Reason = "consecutive_failures"
)

// Violation is a typed, resumable pause reason.
type Violation struct {
	Reason   Reason  `json:"reason"`
	Limit    float64 `json:"limit"`
	Observed float64 `json:"observed"`
	Message  string  `json:"message"`
}

// Error implements error.
func (v *Violation) Error() string {
	if v.Message != "" {
		return fmt.Sprintf("%s: %s", v.Reason, v.Message)
	}
	return fmt.Sprintf("%s: observed %g, limit %g", v.Reason, v.Observed, v.Limit)
}

// Unwrap lets errors.Is match ErrBackpressure.
func (v *Violation) Unwrap() error { return ErrBackpressure }

// Health is the accumulated signal set of the current policy window. The
// window starts when a loop starts and again on every resume.
type Health struct {
	// Iterations completed in this window.
	Iterations int
	// Elapsed wall clock time since the window started.
	Elapsed time.Duration
	// StagnantIterations counts consecutive iterations whose output was empty
	// or identical to the previous output.
	StagnantIterations int
	// OutputBytes is the cumulative output size in this window.
	OutputBytes int64
	// Validations holds validation outcomes, oldest first.
	Validations []bool
	// ConsecutiveFailures counts consecutive failed validations.
	ConsecutiveFailures int
	// LastStatus is the completion status of the latest iteration.
	LastStatus CompletionStatus
}

// ErrorRate returns the share of failed validations among the last window
// outcomes and how many outcomes were considered.
func (h Health) ErrorRate(window int) (float64, int) {
	outcomes := h.Validations
	if window > 0 && len(outcomes) > window {
		outcomes = outcomes[len(outcomes)-window:]
	}
	if len(outcomes) == 0 {
		return 0, 0
	}
	failed := 0
	for _, ok := range outcomes {
		if !ok {
			failed++
		}
	}
	return float64(failed) / float64(len(outcomes)), len(outcomes)
}

// Policy decides whether the next iteration may start. A nil Violation means
// proceed. Evaluate must not block.
type Policy interface {
	Evaluate(h Health) *Violation
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(h Health) *Violation

// Evaluate implements Policy.
func (f PolicyFunc) Evaluate(h Health) *Violation { return f(h) }

type policies []Policy

func (p policies) Evaluate(h Health) *Violation {
	for _, policy := range p {
		if policy == nil {
			continue
		}
		if v := policy.Evaluate(h); v != nil {
			return v
		}
	}
	return nil
}

// Policies composes several policies; the first violation wins.
func Policies(p ...Policy) Policy { return policies(p) }

// BackpressureConfig is the built-in policy. A zero value disables a check.
type BackpressureConfig struct {
	MaxIterations          int           `json:"max_iterations" yaml:"max_iterations"`
	MaxWallClock           time.Duration `json:"max_wall_clock" yaml:"max_wall_clock"`
	StagnationLimit        int           `json:"stagnation_limit" yaml:"stagnation_limit"`
	MaxErrorRate           float64       `json:"max_error_rate" yaml:"max_error_rate"`
	ErrorWindow            int           `json:"error_window" yaml:"error_window"`
	MaxOutputBytes         int64         `json:"max_output_bytes" yaml:"max_output_bytes"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
}

// DefaultErrorWindow is used when MaxErrorRate is set without a window.
const DefaultErrorWindow = 10

// DefaultBackpressureConfig returns the standard policy.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		MaxIterations:          50,
		StagnationLimit:        2,
		ErrorWindow:            DefaultErrorWindow,
		MaxConsecutiveFailures: 5,
	}
}

// Evaluate implements Policy.
func (c BackpressureConfig) Evaluate(h Health) *Violation {
	if c.MaxIterations > 0 && h.Iterations >= c.MaxIterations {
		return &Violation{
			Reason:   ReasonMaxIterations,
			Limit:    float64(c.MaxIterations),
			Observed: float64(h.Iterations),
			Message:  fmt.Sprintf("reached %d iterations without completion", h.Iterations),
		}
	}

	if c.MaxWallClock > 0 && h.Elapsed >= c.MaxWallClock {
		return &Violation{
			Reason:   ReasonMaxWallClock,
			Limit:    c.MaxWallClock.Seconds(),
			Observed: h.Elapsed.Seconds(),
			Message:  fmt.Sprintf("running for %s, limit %s", h.Elapsed.Round(time.Millisecond), c.MaxWallClock),
		}
	}

	if c.MaxConsecutiveFailures > 0 && h.ConsecutiveFailures >= c.MaxConsecutiveFailures {
		return &Violation{
			Reason:   ReasonConsecutiveFailures,
			Limit:    float64(c.MaxConsecutiveFailures),
			Observed: float64(h.ConsecutiveFailures),
			Message:  fmt.Sprintf("%d consecutive failed validations", h.ConsecutiveFailures),
		}
	}

	if c.StagnationLimit > 0 && h.StagnantIterations >= c.StagnationLimit {
		return &Violation{
			Reason:   ReasonStagnation,
			Limit:    float64(c.StagnationLimit),
			Observed: float64(h.StagnantIterations),
			Message:  fmt.Sprintf("no progress for %d consecutive iterations", h.StagnantIterations),
		}
	}

	if c.MaxErrorRate > 0 {
		window := c.ErrorWindow
		if window <= 0 {
			window = DefaultErrorWindow
		}
		// the rate is only meaningful once the window is full
		if rate, n := h.ErrorRate(window); n >= window && rate > c.MaxErrorRate {
			return &Violation{
				Reason:   ReasonErrorRate,
				Limit:    c.MaxErrorRate,
				Observed: rate,
				Message:  fmt.Sprintf("%.0f%% of the last %d validations failed", rate*100, n),
			}
		}
	}

	if c.MaxOutputBytes > 0 && h.OutputBytes >= c.MaxOutputBytes {
		return &Violation{
			Reason:   ReasonOutputVolume,
			Limit:    float64(c.MaxOutputBytes),
			Observed: float64(h.OutputBytes),
			Message:  fmt.Sprintf("produced %d bytes of output", h.OutputBytes),
		}
	}

	return nil
}
