package loop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/logging"
)

// DefaultValidationTimeout bounds a single validation command.
const DefaultValidationTimeout = 5 * time.Minute

const (
	maxFailureOutput = 500
	waitDelay        = 500 * time.Millisecond
)

// ValidationConfig configures the commands run between iterations.
type ValidationConfig struct {
	Commands     []string      `json:"commands" yaml:"commands"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	FailOnAny    bool          `json:"fail_on_any" yaml:"fail_on_any"`
	MinPassCount int           `json:"min_pass_count" yaml:"min_pass_count"`
	Parallel     bool          `json:"parallel" yaml:"parallel"`
	Dir          string        `json:"dir" yaml:"dir"`
}

// DefaultValidationConfig fails on any failing command with a five minute timeout.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{Timeout: DefaultValidationTimeout, FailOnAny: true}
}

// CommandResult is the outcome of one validation command. ExitCode is nil
// when the command never produced one (timeout, spawn failure).
type CommandResult struct {
	Command  string        `json:"command"`
	Passed   bool          `json:"passed"`
	ExitCode *int          `json:"exit_code,omitempty"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ValidationResult aggregates one validation run. Results keep command order.
type ValidationResult struct {
	Results     []CommandResult `json:"results"`
	Passed      bool            `json:"passed"`
	PassedCount int             `json:"passed_count"`
	FailedCount int             `json:"failed_count"`
	Duration    time.Duration   `json:"duration"`
	Summary     string          `json:"summary"`
}

// StatusString renders a compact PASS/FAIL line.
func (r ValidationResult) StatusString() string {
	if r.Passed {
		return fmt.Sprintf("PASS (%d/%d commands)", r.PassedCount, len(r.Results))
	}
	return fmt.Sprintf("FAIL (%d/%d passed)", r.PassedCount, len(r.Results))
}

// FailedCommands lists the commands that did not pass.
func (r ValidationResult) FailedCommands() []string {
	var out []string
	for _, c := range r.Results {
		if !c.Passed {
			out = append(out, c.Command)
		}
	}
	return out
}

// FailureSummary describes every failed command with its exit code and the
// first 500 bytes of stderr (or stdout). It is empty when validation passed.
func (r ValidationResult) FailureSummary() string {
	if r.Passed {
		return ""
	}

	var parts []string
	for _, c := range r.Results {
		if c.Passed {
			continue
		}
		code := "none"
		if c.ExitCode != nil {
			code = fmt.Sprint(*c.ExitCode)
		}

		var detail string
		switch {
		case c.Stderr != "":
			detail = "  stderr: " + strings.TrimSpace(util.Truncate(c.Stderr, maxFailureOutput, "...[truncated]"))
		case c.Stdout != "":
			detail = "  stdout: " + strings.TrimSpace(util.Truncate(c.Stdout, maxFailureOutput, "...[truncated]"))
		default:
			detail = "  (no output)"
		}
		parts = append(parts, fmt.Sprintf("- %s (exit code: %s)\n%s", c.Command, code, detail))
	}

	if len(parts) == 0 {
		return r.Summary
	}
	return strings.Join(parts, "\n\n")
}

// Validator runs validation commands through the shell.
type Validator struct {
	cfg    ValidationConfig
	logger logging.Logger
}

// NewValidator creates a Validator. A zero timeout uses DefaultValidationTimeout.
func NewValidator(cfg ValidationConfig, logger logging.Logger) *Validator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultValidationTimeout
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Validator{cfg: cfg, logger: logger}
}

// HasCommands reports whether there is anything to run.
func (v *Validator) HasCommands() bool { return v != nil && len(v.cfg.Commands) > 0 }

// Commands returns the configured commands.
func (v *Validator) Commands() []string {
	if v == nil {
		return nil
	}
	return append([]string(nil), v.cfg.Commands...)
}

// Validate runs every command and aggregates the outcome. Command failures
// are reported in the result, never as an error.
func (v *Validator) Validate(ctx context.Context) ValidationResult {
	start := time.Now()
	results := make([]CommandResult, len(v.cfg.Commands))

	if v.cfg.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i, cmd := range v.cfg.Commands {
			g.Go(func() error {
				// every command runs to completion; failures never cancel siblings
				results[i] = v.run(gctx, cmd)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, cmd := range v.cfg.Commands {
			results[i] = v.run(ctx, cmd)
		}
	}

	res := ValidationResult{Results: results, Duration: time.Since(start)}
	for _, r := range results {
		if r.Passed {
			res.PassedCount++
		}
	}
	res.FailedCount = len(results) - res.PassedCount

	if v.cfg.FailOnAny {
		res.Passed = res.FailedCount == 0
	} else {
		res.Passed = res.PassedCount >= v.cfg.MinPassCount
	}

	if res.Passed {
		res.Summary = fmt.Sprintf("All %d validation commands passed", len(results))
	} else {
		res.Summary = fmt.Sprintf("%d of %d commands failed: %s",
			res.FailedCount, len(results), strings.Join(res.FailedCommands(), ", "))
	}

	v.logger.Debug("validation finished", "status", res.StatusString(), "duration", res.Duration)

	return res
}

func (v *Validator) run(ctx context.Context, command string) CommandResult {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = v.cfg.Dir
	// grandchildren may keep the output pipes open after sh is killed
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CommandResult{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		code := 0
		res.ExitCode = &code
		res.Passed = true
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Stderr = fmt.Sprintf("command timed out after %s", v.cfg.Timeout)
	case errors.As(err, &exitErr) && exitErr.ExitCode() >= 0:
		code := exitErr.ExitCode()
		res.ExitCode = &code
	default:
		if res.Stderr == "" {
			res.Stderr = err.Error()
		}
	}

	return res
}

// ProjectType is a toolchain inferred from marker files.
type ProjectType string

const (
	ProjectGo      ProjectType = "go"
	ProjectRust    ProjectType = "rust"
	ProjectNode    ProjectType = "node"
	ProjectPython  ProjectType = "python"
	ProjectUnknown ProjectType = "unknown"
)

// DetectProjectType inspects dir for well known build files.
func DetectProjectType(dir string) ProjectType {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}

	switch {
	case exists("Cargo.toml"):
		return ProjectRust
	case exists("package.json"):
		return ProjectNode
	case exists("pyproject.toml"), exists("setup.py"), exists("requirements.txt"):
		return ProjectPython
	case exists("go.mod"):
		return ProjectGo
	default:
		return ProjectUnknown
	}
}

// DefaultCommands returns the standard validation commands of a toolchain.
func DefaultCommands(t ProjectType) []string {
	switch t {
	case ProjectGo:
		return []string{"go test ./...", "go vet ./..."}
	case ProjectRust:
		return []string{"cargo test --quiet", "cargo clippy --quiet -- -D warnings"}
	case ProjectNode:
		return []string{"npm test", "npm run lint"}
	case ProjectPython:
		return []string{"pytest", "ruff check ."}
	default:
		return nil
	}
}
