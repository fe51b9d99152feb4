package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/redloop-ai/redloop/internal/agent"
	"github.com/redloop-ai/redloop/internal/config"
	"github.com/redloop-ai/redloop/internal/console"
	"github.com/redloop-ai/redloop/internal/costs"
	"github.com/redloop-ai/redloop/internal/llm"
	"github.com/redloop-ai/redloop/internal/logging"
	"github.com/redloop-ai/redloop/internal/notify"
	"github.com/redloop-ai/redloop/internal/runlog"
	"github.com/redloop-ai/redloop/internal/target"
)

func newRunCmd() *cobra.Command {
	var (
		maxRounds int
		tag       string
		confirm   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one assessment against the configured target",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-rounds") {
				cfg.Run.MaxRounds = maxRounds
			}
			if cmd.Flags().Changed("tag") {
				cfg.Run.Tag = tag
			}
			if confirm {
				cfg.Guard.Confirm = true
			}
			if err := fillTargetPassword(cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, err = runAssessment(runCtx, cfg, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "Round budget for this run (overrides run.max_rounds)")
	cmd.Flags().StringVar(&tag, "tag", "", "Tag recorded with the run (overrides run.tag)")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Ask before executing each proposed command")

	return cmd
}

// runAssessment wires one run end to end: connector, cost limits, run log,
// target session, notifications, and console rendering.
func runAssessment(ctx context.Context, cfg *config.Config, out io.Writer) (*agent.Summary, error) {
	connector, err := llm.New(cfg.LLM)
	if err != nil {
		return nil, err
	}

	var tracker *costs.Tracker
	if cfg.Costs.Enabled {
		tracker = costs.New(cfg.CostsPath())
		reason, over, err := tracker.OverLimit(ctx, cfg.Costs, time.Now())
		if err != nil {
			return nil, err
		}
		if over {
			return nil, fmt.Errorf("refusing to start run: %s", reason)
		}
	}

	notifier, err := notify.New(ctx, cfg.Notify)
	if err != nil {
		return nil, err
	}

	store, err := runlog.Open(cfg.RunsDBPath())
	if err != nil {
		return nil, err
	}
	defer store.Close()

	tgt := target.New(cfg.Target)
	if err := tgt.Connect(ctx); err != nil {
		return nil, err
	}
	defer tgt.Close()

	cons := console.New(out)
	cons.Banner(cfg.LLM.Connection, connector.Model(), connector.ContextSize(), tgt.String())

	reporter := &runReporter{
		Console:  cons,
		ctx:      ctx,
		notifier: notifier,
		target:   tgt.String(),
		model:    connector.Model(),
	}
	agt := agent.New(cfg, connector, store, tgt, tracker, reporter)
	reporter.runID = agt.RunID

	return agt.Run(ctx)
}

// fillTargetPassword prompts for the target password when the config leaves
// it empty and stdin is a terminal. Validation still rejects an empty
// password afterwards.
func fillTargetPassword(cfg *config.Config) error {
	if cfg.Target.Password != "" {
		return nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}

	fmt.Fprintf(os.Stderr, "Password for %s@%s: ", cfg.Target.Username, cfg.Target.Host)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read target password: %w", err)
	}
	cfg.Target.Password = strings.TrimSpace(string(secret))
	return nil
}

// runReporter fans run progress out to the console and forwards run
// milestones to the Telegram notifier. Notification failures are logged and
// never fail the run.
type runReporter struct {
	*console.Console
	ctx      context.Context
	notifier *notify.Notifier
	runID    func() string
	target   string
	model    string

	announced   bool
	lastCommand string
	state       string
}

var (
	_ agent.Reporter   = (*runReporter)(nil)
	_ llm.ProgressSink = (*runReporter)(nil)
)

func (r *runReporter) RoundStarted(round, maxRounds int) {
	r.Console.RoundStarted(round, maxRounds)
	if r.announced {
		return
	}
	r.announced = true
	if err := r.notifier.RunStarted(r.ctx, r.runID(), r.target, r.model); err != nil {
		logging.Logger().Warn("run-started notification failed", "err", err)
	}
}

func (r *runReporter) RoundResult(round int, command, result string, duration time.Duration) {
	r.Console.RoundResult(round, command, result, duration)
	r.lastCommand = command
}

func (r *runReporter) StateUpdated(state string) {
	r.Console.StateUpdated(state)
	r.state = state
}

func (r *runReporter) RunFinished(status runlog.RunStatus, rounds int) {
	r.Console.RunFinished(status, rounds)

	// Final notifications must go out even when the run was interrupted.
	ctx := context.WithoutCancel(r.ctx)
	if status == runlog.StatusGotRoot {
		if err := r.notifier.RootObtained(ctx, r.runID(), r.lastCommand); err != nil {
			logging.Logger().Warn("got-root notification failed", "err", err)
		}
	}
	if err := r.notifier.RunFinished(ctx, r.runID(), status, rounds, r.state); err != nil {
		logging.Logger().Warn("run-finished notification failed", "err", err)
	}
}
