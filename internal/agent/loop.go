package agent

import (
	"context"
	"fmt"

	"github.com/redloop-ai/redloop/internal/logging"
	"github.com/redloop-ai/redloop/internal/runlog"
)

const defaultMaxRounds = 10

// Summary describes a finished run.
type Summary struct {
	RunID  string
	Status runlog.RunStatus
	Rounds int
	State  string
}

// GotRoot reports whether the run ended with root access on the target.
func (s *Summary) GotRoot() bool { return s.Status == runlog.StatusGotRoot }

// Run executes rounds until the model obtains root, the round budget is
// exhausted, or an infrastructure error aborts the run. The run and every
// round are recorded in the run log either way.
func (a *Agent) Run(ctx context.Context) (*Summary, error) {
	defer a.closeApprover()

	maxRounds := a.maxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}

	runID, err := a.store.CreateRun(ctx, a.connector.Model(), a.connector.ContextSize(), a.tag)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	a.runID = runID
	logging.Logger().Info(
		"run started",
		"run_id", runID,
		"model", a.connector.Model(),
		"max_rounds", maxRounds,
	)

	for round := 1; round <= maxRounds; round++ {
		gotRoot, err := a.playRound(ctx, round, maxRounds)
		if err != nil {
			a.finish(ctx, runlog.StatusFailed, round)
			return nil, err
		}
		if gotRoot {
			return a.finish(ctx, runlog.StatusGotRoot, round), nil
		}
	}
	return a.finish(ctx, runlog.StatusExhausted, maxRounds), nil
}

func (a *Agent) playRound(ctx context.Context, round, maxRounds int) (bool, error) {
	if a.reporter != nil {
		a.reporter.RoundStarted(round, maxRounds)
	}

	prop, err := a.NextCommand(ctx)
	if err != nil {
		return false, fmt.Errorf("round %d: next command: %w", round, err)
	}

	result, gotRoot, err := a.execute(ctx, prop)
	if err != nil {
		return false, fmt.Errorf("round %d: %w", round, err)
	}

	if err := a.store.AppendQuery(ctx, a.runID, round, prop.Command, result, responseUsage(prop.Response)); err != nil {
		return false, fmt.Errorf("round %d: record query: %w", round, err)
	}
	if a.reporter != nil {
		a.reporter.RoundResult(round, prop.Command, result, prop.Response.Duration)
	}
	if gotRoot {
		return true, nil
	}

	if a.analyze {
		if _, err := a.AnalyzeResult(ctx, round, prop.Command, result); err != nil {
			return false, fmt.Errorf("round %d: analyze result: %w", round, err)
		}
	}
	if a.updateState {
		if err := a.UpdateState(ctx, round, prop.Command, result); err != nil {
			return false, fmt.Errorf("round %d: update state: %w", round, err)
		}
		if a.reporter != nil {
			a.reporter.StateUpdated(a.state)
		}
	}
	return false, nil
}

// execute carries out the proposed action and classifies whether its outcome
// proves root access. Guard denials and operator rejections come back as the
// round's result so the model learns from them; only infrastructure failures
// return an error.
func (a *Agent) execute(ctx context.Context, prop *Proposal) (string, bool, error) {
	switch prop.Kind {
	case ProposalCommand:
		return a.executeCommand(ctx, prop.Command)
	case ProposalCredentials:
		return a.executeCredentialTest(ctx, prop)
	default:
		logging.Logger().Warn("model returned no runnable command", "run_id", a.runID)
		return "the answer contained no runnable command, give a single shell command", false, nil
	}
}

func (a *Agent) executeCommand(ctx context.Context, command string) (string, bool, error) {
	if err := a.guard.Check(command); err != nil {
		logging.Logger().Warn("command denied by guard", "run_id", a.runID, "command", command)
		return err.Error(), false, nil
	}
	ok, err := a.approver.Approve(ctx, command)
	if err != nil {
		return "", false, fmt.Errorf("approve command: %w", err)
	}
	if !ok {
		logging.Logger().Info("command rejected by operator", "run_id", a.runID, "command", command)
		return "the operator rejected this command, try something else", false, nil
	}

	output, err := a.exec.Run(ctx, command)
	if err != nil {
		return "", false, fmt.Errorf("run %q on target: %w", command, err)
	}
	return output, detectRoot(command, output), nil
}

func (a *Agent) executeCredentialTest(ctx context.Context, prop *Proposal) (string, bool, error) {
	if prop.Username == "" || prop.Password == "" {
		return "test_credential needs both a username and a password", false, nil
	}
	ok, err := a.approver.Approve(ctx, prop.Command)
	if err != nil {
		return "", false, fmt.Errorf("approve credential test: %w", err)
	}
	if !ok {
		return "the operator rejected this credential test, try something else", false, nil
	}

	probe, err := a.exec.TestCredentials(ctx, prop.Username, prop.Password)
	if err != nil {
		return "", false, fmt.Errorf("test credentials for %q: %w", prop.Username, err)
	}
	switch {
	case probe.Root:
		return "Login as root was successful", true, nil
	case probe.Valid:
		return "Login as user was successful", false, nil
	default:
		return "Authentication error, credentials are wrong", false, nil
	}
}

// finish closes out the run record. The write still happens when the run was
// aborted by context cancellation.
func (a *Agent) finish(ctx context.Context, status runlog.RunStatus, rounds int) *Summary {
	ctx = context.WithoutCancel(ctx)
	if err := a.store.FinishRun(ctx, a.runID, status, rounds, a.state); err != nil {
		logging.Logger().Warn("failed to finalize run", "run_id", a.runID, "err", err)
	}
	logging.Logger().Info("run finished", "run_id", a.runID, "status", string(status), "rounds", rounds)
	if a.reporter != nil {
		a.reporter.RunFinished(status, rounds)
	}
	return &Summary{RunID: a.runID, Status: status, Rounds: rounds, State: a.state}
}
