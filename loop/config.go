package loop

import (
	"fmt"
	"strings"
	"time"
)

// DefaultIterationDelay is the pause between iterations.
const DefaultIterationDelay = 2 * time.Second

// Config configures one loop run.
type Config struct {
	Completion               CompletionConfig   `json:"completion" yaml:"completion"`
	Backpressure             BackpressureConfig `json:"backpressure" yaml:"backpressure"`
	Validation               ValidationConfig   `json:"validation" yaml:"validation"`
	Prompt                   PromptConfig       `json:"prompt" yaml:"prompt"`
	IterationDelay           time.Duration      `json:"iteration_delay" yaml:"iteration_delay"`
	ValidateEachIteration    bool               `json:"validate_each_iteration" yaml:"validate_each_iteration"`
	ValidateBeforeCompletion bool               `json:"validate_before_completion" yaml:"validate_before_completion"`
}

// Preset names a predefined Config.
type Preset string

const (
	PresetStandard   Preset = "standard"
	PresetAggressive Preset = "aggressive"
	PresetQuick      Preset = "quick"
)

// DefaultConfig returns the standard preset.
func DefaultConfig() Config {
	return Config{
		Completion:               DefaultCompletionConfig(),
		Backpressure:             DefaultBackpressureConfig(),
		Validation:               DefaultValidationConfig(),
		Prompt:                   DefaultPromptConfig(),
		IterationDelay:           DefaultIterationDelay,
		ValidateBeforeCompletion: true,
	}
}

// AggressiveConfig allows 100 iterations and validates after each one.
func AggressiveConfig() Config {
	c := DefaultConfig()
	c.Backpressure.MaxIterations = 100
	c.ValidateEachIteration = true
	return c
}

// QuickConfig caps the loop at 20 iterations.
func QuickConfig() Config {
	c := DefaultConfig()
	c.Backpressure.MaxIterations = 20
	return c
}

// PresetConfig resolves a preset name; the empty name is standard.
func PresetConfig(name string) (Config, error) {
	switch Preset(strings.ToLower(strings.TrimSpace(name))) {
	case "", PresetStandard:
		return DefaultConfig(), nil
	case PresetAggressive:
		return AggressiveConfig(), nil
	case PresetQuick:
		return QuickConfig(), nil
	default:
		return Config{}, fmt.Errorf("unknown loop preset %q", name)
	}
}

// WithCompletionPromise returns a copy using promise as completion marker.
func (c Config) WithCompletionPromise(promise string) Config {
	c.Completion.Promise = promise
	return c
}

// WithValidationCommands returns a copy running commands between iterations.
func (c Config) WithValidationCommands(commands ...string) Config {
	c.Validation.Commands = append([]string(nil), commands...)
	return c
}
