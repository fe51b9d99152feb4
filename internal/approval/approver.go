package approval

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"golang.org/x/term"

	"github.com/redloop-ai/redloop/internal/config"
	"github.com/redloop-ai/redloop/internal/logging"
)

// Approver decides whether a proposed command may run on the target.
type Approver interface {
	Approve(ctx context.Context, command string) (bool, error)
}

// AutoApprover approves everything; the default for autonomous runs.
type AutoApprover struct{}

func (AutoApprover) Approve(context.Context, string) (bool, error) { return true, nil }

// PromptApprover asks y/N per command on plain reader/writer streams.
type PromptApprover struct {
	in  *bufio.Reader
	out io.Writer
}

func NewPromptApprover(in io.Reader, out io.Writer) *PromptApprover {
	return &PromptApprover{in: bufio.NewReader(in), out: out}
}

func (a *PromptApprover) Approve(_ context.Context, command string) (bool, error) {
	if _, err := fmt.Fprintf(a.out, "run %q on the target? [y/N]: ", command); err != nil {
		return false, err
	}
	answer, err := a.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return parseAnswer(answer), nil
}

// readlineApprover prompts on the terminal with line editing.
type readlineApprover struct {
	rl *readline.Instance
}

func newReadlineApprover() (*readlineApprover, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "approve? [y/N]: ",
		InterruptPrompt: "^C",
		EOFPrompt:       "deny",
	})
	if err != nil {
		return nil, err
	}
	return &readlineApprover{rl: rl}, nil
}

func (a *readlineApprover) Approve(_ context.Context, command string) (bool, error) {
	a.rl.SetPrompt(fmt.Sprintf("run %q on the target? [y/N]: ", command))
	line, err := a.rl.Readline()
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	return parseAnswer(line), nil
}

func (a *readlineApprover) Close() error { return a.rl.Close() }

func parseAnswer(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// NewApprover picks the approver for the configured confirmation mode.
// Confirmation needs a terminal; without one the run proceeds auto-approved
// so a scheduled run cannot hang on a prompt nobody will answer.
func NewApprover(cfg config.GuardConfig) Approver {
	if !cfg.Confirm {
		return AutoApprover{}
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		logging.Logger().Warn("confirm enabled without a terminal, commands auto-approve")
		return AutoApprover{}
	}
	appr, err := newReadlineApprover()
	if err != nil {
		logging.Logger().Warn("interactive approver unavailable", "err", err)
		return NewPromptApprover(os.Stdin, os.Stderr)
	}
	return appr
}
