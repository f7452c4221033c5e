package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/admission"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

const sample = `
engine:
  cleanup_on_cancel: true
logging:
  level: debug
  backend: zap
storage:
  path: /var/lib/taskmesh/state.db
default_limits:
  max_concurrent_agents: 2
  max_concurrent_browser_agents: 1
projects:
  acme:
    max_concurrent_agents: 5
    max_concurrent_browser_agents: 2
loop:
  preset: quick
  iteration_delay: 250ms
  backpressure:
    stagnation_limit: 4
agents:
  - id: data-engineer
    codename: Pipe
    title: Data Engineer
    capabilities: [data_analysis]
    provider: anthropic
    model: claude-3-5-sonnet-20241022
    workflows:
      - id: etl
        name: ETL run
        trigger_keywords: [etl, ingest]
        stages:
          - name: Ingest
            instruction: Load the raw batch.
          - name: Transform
            loop: true
            preset: aggressive
  - id: linter
    codename: Lint
    kind: command
    command: golangci-lint run ./...
    timeout: 2m
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.True(t, cfg.Engine.CleanupOnCancel)
	assert.Equal(t, 1000, cfg.Engine.EventBufferSize, "unset fields keep defaults")
	assert.Equal(t, "/var/lib/taskmesh/state.db", cfg.Storage.Path)
	assert.Equal(t, admission.Limits{MaxAgents: 2, MaxBrowserAgents: 1}, cfg.Defaults)
	assert.Equal(t, admission.Limits{MaxAgents: 5, MaxBrowserAgents: 2}, cfg.Projects["acme"])

	// preset first, explicit fields on top
	assert.Equal(t, 20, cfg.Loop.Backpressure.MaxIterations)
	assert.Equal(t, 4, cfg.Loop.Backpressure.StagnationLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.Loop.IterationDelay)
	assert.True(t, cfg.Loop.Completion.RequireDualGate)

	require.Len(t, cfg.Agents, 2)
	pipe, ok := cfg.Agent("data-engineer")
	require.True(t, ok)
	assert.Equal(t, ProviderAnthropic, pipe.Provider)
	require.Len(t, pipe.Workflows, 1)
	assert.True(t, pipe.Workflows[0].Stages[1].Loop)

	lint, ok := cfg.Agent("linter")
	require.True(t, ok)
	assert.Equal(t, core.KindCommand, lint.Kind)
	assert.Equal(t, 2*time.Minute, lint.Timeout)

	profiles := cfg.Profiles()
	assert.Equal(t, core.KindModel, profiles[0].Kind, "kind defaults to model")
	assert.True(t, profiles[0].HasCapability(core.CapabilityAnalysis))

	ec := cfg.EngineConfig()
	assert.True(t, ec.CleanupOnCancel)
	assert.Equal(t, 4, ec.Loop.Backpressure.StagnationLimit)

	lc, err := cfg.LoggerConfig()
	require.NoError(t, err)
	assert.Equal(t, logging.LogLevelDebug, lc.Level)
	assert.Equal(t, logging.BackendZap, lc.Backend)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"preset":   "loop:\n  preset: turbo\n",
		"level":    "logging:\n  level: loud\n",
		"backend":  "logging:\n  backend: logrus\n",
		"limits":   "projects:\n  p:\n    max_concurrent_agents: -1\n",
		"rate":     "loop:\n  backpressure:\n    max_error_rate: 1.5\n",
		"command":  "agents:\n  - id: a\n    codename: A\n    kind: command\n",
		"provider": "agents:\n  - id: a\n    codename: A\n    provider: bard\n",
		"dup":      "agents:\n  - id: a\n    codename: A\n  - id: a\n    codename: B\n",
		"stage":    "agents:\n  - id: a\n    codename: A\n    workflows:\n      - id: w\n        stages:\n          - loop: true\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := Parse([]byte("agents: [unclosed"))
	assert.Error(t, err)
}

func TestApplyLimits(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	ctl := admission.New()
	cfg.ApplyLimits(ctl)
	assert.Equal(t, admission.Limits{MaxAgents: 5, MaxBrowserAgents: 2}, ctl.LimitsFor("acme"))
	assert.Equal(t, admission.Limits{MaxAgents: 2, MaxBrowserAgents: 1}, ctl.LimitsFor("other"))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_limits:\n  max_concurrent_agents: 1\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { reloaded <- c }, func(o *WatchOptions) {
			o.Debounce = 20 * time.Millisecond
		})
	}()

	// the watcher may not be registered yet, so keep writing until it fires
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	var got *Config
	for got == nil {
		select {
		case got = <-reloaded:
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte("default_limits:\n  max_concurrent_agents: 7\n"), 0o600))
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}
	assert.Equal(t, 7, got.Defaults.MaxAgents)

	cancel()
	require.NoError(t, <-done)
}
