package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/logging"
)

// ErrCommandFailed wraps a non-zero exit of a command agent.
var ErrCommandFailed = errors.New("command failed")

// CommandAgentOptions configures a CommandAgent.
type CommandAgentOptions struct {
	Dir     string
	Env     []string
	Timeout time.Duration
	// Shell runs the command; defaults to "sh -c".
	Shell  []string
	Logger logging.Logger
}

// CommandAgent runs a shell command per invocation. The instruction is
// written to stdin and stdout is the output. The session id and turn count
// are exported as TASKMESH_SESSION_ID and TASKMESH_TURN.
type CommandAgent struct {
	name    string
	command string
	opts    CommandAgentOptions
	logger  logging.Logger
}

var _ core.Agent = (*CommandAgent)(nil)

// NewCommandAgent creates a command agent.
func NewCommandAgent(name, command string, optFns ...func(o *CommandAgentOptions)) *CommandAgent {
	opts := CommandAgentOptions{
		Shell:  []string{"sh", "-c"},
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &CommandAgent{
		name:    name,
		command: command,
		opts:    opts,
		logger:  logging.With(logging.WithComponent(opts.Logger, "agent"), "agent", name),
	}
}

// Name implements core.Agent.
func (a *CommandAgent) Name() string { return a.name }

// Kind implements core.Agent.
func (a *CommandAgent) Kind() core.AgentKind { return core.KindCommand }

// Invoke runs the command once.
func (a *CommandAgent) Invoke(ctx context.Context, sess *core.Session, instruction string) (string, error) {
	if sess == nil {
		sess = core.NewSession(core.NewID())
	}

	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), a.opts.Shell[1:]...), a.command)
	cmd := exec.CommandContext(ctx, a.opts.Shell[0], args...)
	cmd.Dir = a.opts.Dir
	cmd.Env = append(append(os.Environ(), a.opts.Env...),
		"TASKMESH_SESSION_ID="+sess.ID,
		"TASKMESH_TURN="+strconv.Itoa(sess.Len()/2+1),
	)
	cmd.Stdin = strings.NewReader(instruction)
	cmd.WaitDelay = 500 * time.Millisecond

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v: %s", ErrCommandFailed, a.name, err,
			util.Truncate(strings.TrimSpace(stderr.String()), 500, "..."))
	}

	out := stdout.String()
	sess.AddTurn("user", instruction)
	sess.AddTurn("assistant", out)

	a.logger.Debug("command finished", "session_id", sess.ID, "duration", time.Since(start), "output_len", len(out))
	return out, nil
}
