package loop

import (
	"strings"
	"text/template"

	"github.com/hupe1980/taskmesh/internal/util"
)

// PromptConfig customises the instructions sent to the agent.
type PromptConfig struct {
	AgentName        string `json:"agent_name" yaml:"agent_name"`
	AgentDesignation string `json:"agent_designation" yaml:"agent_designation"`
	Prefix           string `json:"prefix" yaml:"prefix"`
	Suffix           string `json:"suffix" yaml:"suffix"`
}

// DefaultPromptConfig returns the neutral agent persona.
func DefaultPromptConfig() PromptConfig {
	return PromptConfig{
		AgentName:        "Taskmesh",
		AgentDesignation: "autonomous software engineer",
	}
}

var (
	initialTmpl = util.MustParse("initial", `{{with .Prefix}}{{.}}

{{end}}You are {{.AgentName}}, {{.AgentDesignation}}.

You are running in an iterative loop. Each iteration continues the previous one and your changes persist.

## Task
{{.Task}}
{{if .Commands}}
## Validation Commands
These commands validate your work:
{{bullet .Commands}}

Make sure they pass before signalling completion.
{{end}}
## Completion
When the task is fully complete, output both lines:
{{.Promise}}
{{.ExitSignal}}

If you are blocked, describe the blocker and do not output the completion lines.{{with .Suffix}}

{{.}}{{end}}`)

	followUpTmpl = util.MustParse("follow_up", `You are {{.AgentName}}, {{.AgentDesignation}}.

## Iteration {{.Iteration}}
Continue from where you left off. Your previous changes are saved.

## Task
{{.Task}}
{{if .Context}}
## Recent Results
{{bullet .Context}}
{{end}}
## Completion
When the task is fully complete, output both lines:
{{.Promise}}
{{.ExitSignal}}`)

	feedbackTmpl = util.MustParse("feedback", `You are {{.AgentName}}, {{.AgentDesignation}}.

## Iteration {{.Iteration}}
Validation of the previous iteration failed. Fix the issues below first.

## Task
{{.Task}}

## Validation Failures
` + "```" + `
{{.Failures}}
` + "```" + `
{{if .Context}}
## Recent Results
{{bullet .Context}}
{{end}}
## Completion
Only when every validation passes, output both lines:
{{.Promise}}
{{.ExitSignal}}`)
)

// PromptBuilder renders the instruction of every iteration.
type PromptBuilder struct {
	cfg        PromptConfig
	completion CompletionConfig
	commands   []string
}

// NewPromptBuilder creates a builder. Empty persona fields use the defaults.
func NewPromptBuilder(cfg PromptConfig, completion CompletionConfig, commands []string) *PromptBuilder {
	def := DefaultPromptConfig()
	if cfg.AgentName == "" {
		cfg.AgentName = def.AgentName
	}
	if cfg.AgentDesignation == "" {
		cfg.AgentDesignation = def.AgentDesignation
	}
	if completion.Promise == "" {
		completion.Promise = DefaultCompletionPromise
	}
	if completion.ExitSignal == "" {
		completion.ExitSignal = DefaultExitSignal
	}
	return &PromptBuilder{cfg: cfg, completion: completion, commands: commands}
}

type promptData struct {
	PromptConfig
	Task       string
	Iteration  int
	Commands   []string
	Context    []string
	Failures   string
	Promise    string
	ExitSignal string
}

func (b *PromptBuilder) render(tmpl *template.Template, d promptData) string {
	d.PromptConfig = b.cfg
	d.Promise = b.completion.Promise
	d.ExitSignal = b.completion.ExitSignal
	out, err := util.Execute(tmpl, d)
	if err != nil {
		// templates are static; fall back to the bare task
		return d.Task
	}
	return strings.TrimSpace(out)
}

// BuildInitial renders the first instruction with the full task context.
func (b *PromptBuilder) BuildInitial(task string) string {
	return b.render(initialTmpl, promptData{Task: task, Iteration: 1, Commands: b.commands})
}

// BuildFollowUp renders the instruction for iteration n. context holds short
// summaries of the most recent relevant artifacts.
func (b *PromptBuilder) BuildFollowUp(task string, n int, context []string) string {
	return b.render(followUpTmpl, promptData{Task: task, Iteration: n, Context: context})
}

// BuildWithFeedback renders a follow-up that leads with validation failures.
func (b *PromptBuilder) BuildWithFeedback(task string, n int, failures string, context []string) string {
	return b.render(feedbackTmpl, promptData{Task: task, Iteration: n, Failures: failures, Context: context})
}
