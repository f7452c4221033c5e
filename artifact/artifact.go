package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Type classifies an artifact.
type Type string

const (
	TypePlan         Type = "plan"
	TypeStageOutput  Type = "stage_output"
	TypeStageData    Type = "stage_data"
	TypeDiff         Type = "diff"
	TypeScreenshot   Type = "screenshot"
	TypeExecutionLog Type = "execution_log"
	TypeError        Type = "error"
	TypeDeliverable  Type = "deliverable"
)

// Types returns every artifact type.
func Types() []Type {
	return []Type{TypePlan, TypeStageOutput, TypeStageData, TypeDiff, TypeScreenshot, TypeExecutionLog, TypeError, TypeDeliverable}
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

// ParseType converts a stored name into a Type.
func ParseType(s string) (Type, error) {
	if t := Type(s); t.Valid() {
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown type %q", ErrInvalidArtifact, s)
}

// indexed reports whether artifacts of this type feed the stage-output index.
func (t Type) indexed() bool { return t == TypeStageOutput || t == TypeStageData }

// Artifact is an immutable record of something an execution produced.
type Artifact struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StageIndex  *int            `json:"stage_index,omitempty"`
	StageName   string          `json:"stage_name,omitempty"`
	Type        Type            `json:"artifact_type"`
	Title       string          `json:"title"`
	Content     json.RawMessage `json:"content"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// New creates an artifact. The pipeline assigns ID and CreatedAt on Store.
func New(executionID string, t Type, title string, content json.RawMessage) Artifact {
	return Artifact{ExecutionID: executionID, Type: t, Title: title, Content: content}
}

// WithStage returns a copy bound to a stage.
func (a Artifact) WithStage(index int, name string) Artifact {
	idx := index
	a.StageIndex = &idx
	a.StageName = name
	return a
}

// WithAgent returns a copy attributed to an agent.
func (a Artifact) WithAgent(agentID string) Artifact {
	a.AgentID = agentID
	return a
}

// WithMetadata returns a copy with an extra metadata key.
func (a Artifact) WithMetadata(key string, value any) Artifact {
	md := make(map[string]any, len(a.Metadata)+1)
	for k, v := range a.Metadata {
		md[k] = v
	}
	md[key] = value
	a.Metadata = md
	return a
}

// Stage returns the stage index and whether one is set.
func (a Artifact) Stage() (int, bool) {
	if a.StageIndex == nil {
		return 0, false
	}
	return *a.StageIndex, true
}

// Decode unmarshals the content into v.
func (a Artifact) Decode(v any) error {
	return json.Unmarshal(a.Content, v)
}

func (a Artifact) clone() Artifact {
	if a.StageIndex != nil {
		idx := *a.StageIndex
		a.StageIndex = &idx
	}
	if a.Content != nil {
		a.Content = append(json.RawMessage(nil), a.Content...)
	}
	if a.Metadata != nil {
		md := make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			md[k] = v
		}
		a.Metadata = md
	}
	return a
}

// JSON marshals v into artifact content.
func JSON(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: content: %v", ErrInvalidArtifact, err)
	}
	return b, nil
}

// MustJSON is JSON for values known to marshal.
func MustJSON(v any) json.RawMessage {
	b, err := JSON(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Text wraps free text as {"text": s}.
func Text(s string) json.RawMessage {
	return MustJSON(map[string]string{"text": s})
}

// ContentFromOutput turns agent output into content: a JSON object is stored
// as is, anything else is wrapped with Text.
func ContentFromOutput(output string) json.RawMessage {
	trimmed := bytes.TrimSpace([]byte(output))
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	return Text(string(trimmed))
}
