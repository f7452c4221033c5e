package loop

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_FailOnAny(t *testing.T) {
	v := NewValidator(ValidationConfig{
		Commands:  []string{"true", "echo boom >&2; exit 3"},
		FailOnAny: true,
	}, nil)
	require.True(t, v.HasCommands())

	res := v.Validate(context.Background())
	assert.False(t, res.Passed)
	assert.Equal(t, 1, res.PassedCount)
	assert.Equal(t, 1, res.FailedCount)
	assert.Equal(t, []string{"echo boom >&2; exit 3"}, res.FailedCommands())
	assert.Equal(t, "FAIL (1/2 passed)", res.StatusString())

	require.NotNil(t, res.Results[1].ExitCode)
	assert.Equal(t, 3, *res.Results[1].ExitCode)

	summary := res.FailureSummary()
	assert.Contains(t, summary, "- echo boom >&2; exit 3 (exit code: 3)")
	assert.Contains(t, summary, "  stderr: boom")
}

func TestValidator_MinPassCount(t *testing.T) {
	v := NewValidator(ValidationConfig{
		Commands:     []string{"true", "false", "true"},
		MinPassCount: 2,
	}, nil)

	res := v.Validate(context.Background())
	assert.True(t, res.Passed)
	assert.Empty(t, res.FailureSummary())
	assert.Equal(t, "PASS (2/3 commands)", res.StatusString())
}

func TestValidator_ParallelKeepsOrder(t *testing.T) {
	v := NewValidator(ValidationConfig{
		Commands:  []string{"sleep 0.2; echo one", "echo two", "echo three"},
		FailOnAny: true,
		Parallel:  true,
	}, nil)

	res := v.Validate(context.Background())
	require.True(t, res.Passed)
	require.Len(t, res.Results, 3)
	assert.Equal(t, "one", strings.TrimSpace(res.Results[0].Stdout))
	assert.Equal(t, "two", strings.TrimSpace(res.Results[1].Stdout))
	assert.Equal(t, "three", strings.TrimSpace(res.Results[2].Stdout))
	assert.Equal(t, "All 3 validation commands passed", res.Summary)
}

func TestValidator_Timeout(t *testing.T) {
	v := NewValidator(ValidationConfig{
		Commands:  []string{"sleep 5"},
		Timeout:   100 * time.Millisecond,
		FailOnAny: true,
	}, nil)

	res := v.Validate(context.Background())
	assert.False(t, res.Passed)
	assert.Nil(t, res.Results[0].ExitCode)
	assert.Contains(t, res.FailureSummary(), "exit code: none")
	assert.Contains(t, res.FailureSummary(), "timed out")
}

func TestValidator_TruncatesLongOutput(t *testing.T) {
	res := ValidationResult{
		Results: []CommandResult{{Command: "x", Stdout: strings.Repeat("a", 800)}},
	}
	summary := res.FailureSummary()
	assert.Contains(t, summary, "...[truncated]")
	assert.Contains(t, summary, "  stdout: ")
	assert.Less(t, len(summary), 600)
}

func TestDetectProjectType(t *testing.T) {
	cases := map[string]ProjectType{
		"go.mod":           ProjectGo,
		"Cargo.toml":       ProjectRust,
		"package.json":     ProjectNode,
		"pyproject.toml":   ProjectPython,
		"requirements.txt": ProjectPython,
	}
	for marker, want := range cases {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, marker), nil, 0o644))
		assert.Equal(t, want, DetectProjectType(dir), marker)
		assert.NotEmpty(t, DefaultCommands(want))
	}

	assert.Equal(t, ProjectUnknown, DetectProjectType(t.TempDir()))
	assert.Nil(t, DefaultCommands(ProjectUnknown))
	assert.Equal(t, []string{"go test ./...", "go vet ./..."}, DefaultCommands(ProjectGo))
}
