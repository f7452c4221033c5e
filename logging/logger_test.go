package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LogLevelDebug, false},
		{"INFO", LogLevelInfo, false},
		{"", LogLevelInfo, false},
		{"warning", LogLevelWarn, false},
		{"error", LogLevelError, false},
		{"loud", LogLevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNewLogger_SlogJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf, Component: "admission"})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("slot acquired", "project_id", "p1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "slot acquired", entry["msg"])
	assert.Equal(t, "admission", entry["component"])
	assert.Equal(t, "p1", entry["project_id"])
}

func TestNewLogger_Zap(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(&LoggerConfig{Level: LogLevelDebug, Backend: BackendZap, Output: &buf})
	require.NoError(t, err)

	WithComponent(l, "loop").Debug("iteration finished", "iteration", 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "iteration finished", entry["msg"])
	assert.Equal(t, "loop", entry["component"])
	assert.EqualValues(t, 2, entry["iteration"])
}

func TestNewLogger_UnknownBackend(t *testing.T) {
	_, err := NewLogger(&LoggerConfig{Backend: "syslog"})
	assert.Error(t, err)
}

func TestWith_NoOpAndNil(t *testing.T) {
	assert.Equal(t, NoOpLogger{}, With(NoOpLogger{}, "k", "v"))
	assert.Equal(t, NoOpLogger{}, With(nil, "k", "v"))
}
