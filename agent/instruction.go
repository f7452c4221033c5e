package agent

import (
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
)

// Provider supplies instruction text at invocation time.
type Provider interface {
	Instruction(sess *core.Session) (string, error)
}

// Func adapts a function to Provider.
type Func func(sess *core.Session) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(sess *core.Session) (string, error) { return f(sess) }

// Instruction is either static text or a dynamic provider.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates a static instruction.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates a dynamic instruction.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates a dynamic instruction from a function.
func NewInstructionFromFunc(f func(sess *core.Session) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// NewInstructionFromTemplate renders a text/template against the session
// metadata on every invocation. The template sees .ID and .Metadata.
func NewInstructionFromTemplate(name, text string) Instruction {
	tmpl := util.MustParse(name, text)
	return NewInstructionFromFunc(func(sess *core.Session) (string, error) {
		data := map[string]any{"ID": "", "Metadata": map[string]string{}}
		if sess != nil {
			data["ID"], data["Metadata"] = sess.ID, sess.Clone().Metadata
		}
		return util.Execute(tmpl, data)
	})
}

// IsStatic reports whether the instruction is plain text.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Resolve returns the instruction text.
func (i Instruction) Resolve(sess *core.Session) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(sess)
	}
	return i.text, nil
}
