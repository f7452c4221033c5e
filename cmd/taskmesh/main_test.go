package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliConfig = `
logging:
  level: error
loop:
  iteration_delay: 0s
default_limits:
  max_concurrent_agents: 2
agents:
  - id: writer
    codename: Quill
    title: Content Writer
    capabilities: [content_creation]
    workflows:
      - id: blog
        name: Blog post
        trigger_keywords: [blog, article]
        stages:
          - name: Outline
          - name: Draft
            loop: true
`

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "taskmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cliConfig+extra), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	return out.String(), err
}

func TestRoute(t *testing.T) {
	path := writeConfig(t, "")
	out, err := execute(t, "--config", path, "route", "write a blog article about Go")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "writer", got["agent"])
	assert.Equal(t, "blog", got["workflow"])

	_, err = execute(t, "--config", path, "route", "fix the kettle")
	assert.Error(t, err)
}

func TestRunAndInspect(t *testing.T) {
	db := filepath.Join(t.TempDir(), "state.db")
	path := writeConfig(t, "storage:\n  path: "+db+"\n")

	out, err := execute(t, "--config", path, "run", "--project", "acme", "--json", "write", "a", "blog", "post")
	require.NoError(t, err)

	var (
		executionID string
		kinds       []string
	)
	dec := json.NewDecoder(bytes.NewBufferString(out))
	for dec.More() {
		var ev struct {
			Kind        string `json:"kind"`
			ExecutionID string `json:"execution_id"`
		}
		require.NoError(t, dec.Decode(&ev))
		executionID = ev.ExecutionID
		kinds = append(kinds, ev.Kind)
	}
	require.NotEmpty(t, executionID)
	assert.Equal(t, "completed", kinds[len(kinds)-1])

	out, err = execute(t, "--config", path, "artifacts", executionID, "--type", "deliverable")
	require.NoError(t, err)
	var arts []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &arts))
	require.Len(t, arts, 1)
	assert.Equal(t, "deliverable", arts[0]["artifact_type"])

	out, err = execute(t, "--config", path, "artifacts", executionID, "--stage", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"Quill finished the stage."}`, out)

	out, err = execute(t, "--config", path, "capacity", "acme")
	require.NoError(t, err)
	var capacity map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &capacity))
	assert.EqualValues(t, 0, capacity["active_agent_slots"])
	assert.EqualValues(t, 2, capacity["available_agent_slots"])

	out, err = execute(t, "--config", path, "recover")
	require.NoError(t, err)
	assert.Equal(t, "released 0 slot(s)\n", out)
}

func TestInvalidConfig(t *testing.T) {
	path := writeConfig(t, "logging:\n  backend: nope\n")
	_, err := execute(t, "--config", path, "capacity", "acme")
	assert.Error(t, err)
}
