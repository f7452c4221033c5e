// Package config loads the taskmesh YAML configuration and watches it for
// project limit changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/taskmesh/admission"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/engine"
	"github.com/hupe1980/taskmesh/event"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/loop"
	"github.com/hupe1980/taskmesh/router"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Model providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderMock      = "mock"
)

// Config is the root of the configuration file.
type Config struct {
	Engine   EngineConfig                `yaml:"engine"`
	Logging  LoggingConfig               `yaml:"logging"`
	Storage  StorageConfig               `yaml:"storage"`
	Defaults admission.Limits            `yaml:"default_limits"`
	Projects map[string]admission.Limits `yaml:"projects"`
	Loop     LoopConfig                  `yaml:"loop"`
	Agents   []AgentConfig               `yaml:"agents"`
}

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	CleanupOnCancel  bool `yaml:"cleanup_on_cancel"`
	EventBufferSize  int  `yaml:"event_buffer_size"`
	ContextArtifacts int  `yaml:"context_artifacts"`
}

// LoggingConfig selects the logging backend.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Backend string `yaml:"backend"`
}

// StorageConfig points at the SQLite database. An empty path keeps all
// state in memory.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoopConfig is a loop preset plus field overrides.
type LoopConfig struct {
	Preset      string `yaml:"preset"`
	loop.Config `yaml:",inline"`
}

// AgentConfig is a routable profile plus how to build its agent.
type AgentConfig struct {
	router.AgentProfile `yaml:",inline"`

	// Provider and Model apply to model agents.
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	Instruction string `yaml:"instruction"`
	// MaxCalls caps provider calls per session; zero means unlimited.
	MaxCalls int `yaml:"max_calls"`

	// Command, Dir and Timeout apply to command agents.
	Command string        `yaml:"command"`
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	ec := engine.DefaultConfig()
	return &Config{
		Engine: EngineConfig{
			EventBufferSize:  ec.EventBufferSize,
			ContextArtifacts: ec.ContextArtifacts,
		},
		Logging:  LoggingConfig{Level: "info", Format: "text", Backend: string(logging.BackendSlog)},
		Defaults: admission.DefaultLimits,
		Projects: map[string]admission.Limits{},
		Loop:     LoopConfig{Preset: string(loop.PresetStandard), Config: loop.DefaultConfig()},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults. The loop preset is resolved
// first so that explicit loop fields override it.
func Parse(data []byte) (*Config, error) {
	var head struct {
		Loop struct {
			Preset string `yaml:"preset"`
		} `yaml:"loop"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := Default()
	if head.Loop.Preset != "" {
		preset, err := loop.PresetConfig(head.Loop.Preset)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		cfg.Loop.Config = preset
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Projects == nil {
		cfg.Projects = map[string]admission.Limits{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging: %v", err)
	}
	switch logging.Backend(c.Logging.Backend) {
	case "", logging.BackendSlog, logging.BackendZap:
	default:
		add("logging: unknown backend %q", c.Logging.Backend)
	}
	if c.Engine.EventBufferSize < 0 || c.Engine.ContextArtifacts < 0 {
		add("engine: sizes must not be negative")
	}

	checkLimits := func(scope string, l admission.Limits) {
		if l.MaxAgents < 0 || l.MaxBrowserAgents < 0 {
			add("%s: limits must not be negative", scope)
		}
	}
	checkLimits("default_limits", c.Defaults)
	for id, l := range c.Projects {
		checkLimits("projects."+id, l)
	}

	if c.Loop.Backpressure.MaxErrorRate < 0 || c.Loop.Backpressure.MaxErrorRate > 1 {
		add("loop: max_error_rate must be within [0,1]")
	}
	if c.Loop.Completion.Promise == "" {
		add("loop: completion_promise must not be empty")
	}
	if c.Loop.Completion.RequireDualGate && c.Loop.Completion.ExitSignal == "" {
		add("loop: exit_signal_key is required for the dual gate")
	}

	seen := map[string]bool{}
	for i, a := range c.Agents {
		scope := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" || a.Codename == "" {
			add("%s: id and codename are required", scope)
		}
		if seen[a.ID] {
			add("%s: duplicate id %q", scope, a.ID)
		}
		seen[a.ID] = true

		switch a.Kind {
		case core.KindModel, "":
			switch a.Provider {
			case "", ProviderMock, ProviderAnthropic, ProviderOpenAI:
			default:
				add("%s: unknown provider %q", scope, a.Provider)
			}
			if a.MaxCalls < 0 {
				add("%s: max_calls must not be negative", scope)
			}
		case core.KindCommand:
			if strings.TrimSpace(a.Command) == "" {
				add("%s: command agents need a command", scope)
			}
		default:
			add("%s: unknown kind %q", scope, a.Kind)
		}

		for _, wf := range a.Workflows {
			if wf.ID == "" {
				add("%s: workflow without id", scope)
			}
			for j, st := range wf.Stages {
				if st.Name == "" {
					add("%s: workflow %s stage %d has no name", scope, wf.ID, j)
				}
				if _, err := loop.PresetConfig(st.Preset); err != nil {
					add("%s: workflow %s stage %d: %v", scope, wf.ID, j, err)
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// EngineConfig returns the engine settings.
func (c *Config) EngineConfig() engine.Config {
	size := c.Engine.EventBufferSize
	if size == 0 {
		size = event.DefaultBufferSize
	}
	return engine.Config{
		Loop:             c.Loop.Config,
		CleanupOnCancel:  c.Engine.CleanupOnCancel,
		EventBufferSize:  size,
		ContextArtifacts: c.Engine.ContextArtifacts,
	}
}

// LoggerConfig returns the logger settings.
func (c *Config) LoggerConfig() (*logging.LoggerConfig, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultLoggerConfig()
	lc.Level = level
	lc.Backend = logging.Backend(c.Logging.Backend)
	if c.Logging.Format != "" {
		lc.Format = c.Logging.Format
	}
	return lc, nil
}

// Profiles returns the routable agent profiles in file order.
func (c *Config) Profiles() []router.AgentProfile {
	out := make([]router.AgentProfile, len(c.Agents))
	for i, a := range c.Agents {
		p := a.AgentProfile
		if p.Kind == "" {
			p.Kind = core.KindModel
		}
		out[i] = p
	}
	return out
}

// Agent returns the agent entry with the given id.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// ApplyLimits pushes the default and per-project limits into ctl. Running
// slots are never evicted by a lower limit.
func (c *Config) ApplyLimits(ctl *admission.Controller) {
	ctl.SetDefaultLimits(c.Defaults)
	for id, l := range c.Projects {
		ctl.SetLimits(id, l)
	}
}
