package agent

import (
	"context"
	"fmt"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
)

// ModelAgentOptions configures a ModelAgent.
type ModelAgentOptions struct {
	Instruction Instruction
	// MaxHistoryMessages bounds how many prior session turns are replayed.
	MaxHistoryMessages int
	EnableStreaming    bool
	// CallLimiter caps provider calls per session; nil means unlimited.
	CallLimiter *core.CallLimiter
	Logger      logging.Logger
}

// ModelAgent drives an LLM through the model package. The session history
// is replayed on every call so follow-up instructions keep their context.
type ModelAgent struct {
	name        string
	llm         model.Model
	instruction Instruction
	maxHistory  int
	streaming   bool
	limiter     *core.CallLimiter
	logger      logging.Logger
}

var _ core.Agent = (*ModelAgent)(nil)

// NewModelAgent creates a model agent.
func NewModelAgent(name string, llm model.Model, optFns ...func(o *ModelAgentOptions)) *ModelAgent {
	opts := ModelAgentOptions{
		Instruction:        NewInstructionFromText(fmt.Sprintf("You are %s, an autonomous software agent.", name)),
		MaxHistoryMessages: 20,
		Logger:             logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &ModelAgent{
		name:        name,
		llm:         llm,
		instruction: opts.Instruction,
		maxHistory:  opts.MaxHistoryMessages,
		streaming:   opts.EnableStreaming,
		limiter:     opts.CallLimiter,
		logger:      logging.With(logging.WithComponent(opts.Logger, "agent"), "agent", name),
	}
}

// Name implements core.Agent.
func (a *ModelAgent) Name() string { return a.name }

// Kind implements core.Agent.
func (a *ModelAgent) Kind() core.AgentKind { return core.KindModel }

// Invoke sends the session history plus the instruction to the model and
// records both turns on the session.
func (a *ModelAgent) Invoke(ctx context.Context, sess *core.Session, instruction string) (string, error) {
	if sess == nil {
		sess = core.NewSession(core.NewID())
	}
	if a.limiter != nil {
		if err := a.limiter.Increment(sess.ID); err != nil {
			return "", err
		}
	}

	system, err := a.instruction.Resolve(sess)
	if err != nil {
		return "", fmt.Errorf("resolve instruction: %w", err)
	}

	req := model.Request{
		Instructions: system,
		Messages:     append(a.history(sess), model.Message{Role: model.RoleUser, Text: instruction}),
		Stream:       a.streaming,
	}

	resp, err := model.Collect(ctx, a.llm, req)
	if err != nil {
		return "", fmt.Errorf("model %s: %w", a.llm.Info().Name, err)
	}

	sess.AddTurn(model.RoleUser, instruction)
	sess.AddTurn(model.RoleAssistant, resp.Text)
	if resp.ID != "" && sess.GetExternalID() == "" {
		sess.SetExternalID(resp.ID)
	}

	a.logger.Debug("model invocation finished",
		"session_id", sess.ID, "finish_reason", resp.FinishReason, "output_len", len(resp.Text))

	return resp.Text, nil
}

func (a *ModelAgent) history(sess *core.Session) []model.Message {
	turns := sess.History()
	if a.maxHistory > 0 && len(turns) > a.maxHistory {
		turns = turns[len(turns)-a.maxHistory:]
	}
	msgs := make([]model.Message, 0, len(turns)+1)
	for _, t := range turns {
		msgs = append(msgs, model.Message{Role: t.Role, Text: t.Text})
	}
	return msgs
}
