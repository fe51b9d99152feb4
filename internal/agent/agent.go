// Package agent drives the privilege-escalation assessment loop. Each round
// it asks the model for the next command, runs it against the target over
// SSH, records the exchange in the run log, and maintains the fact list the
// model sees about the system in later rounds.
package agent

import (
	"context"
	"io"
	"time"

	"github.com/redloop-ai/redloop/internal/approval"
	"github.com/redloop-ai/redloop/internal/config"
	"github.com/redloop-ai/redloop/internal/costs"
	"github.com/redloop-ai/redloop/internal/llm"
	"github.com/redloop-ai/redloop/internal/runlog"
	"github.com/redloop-ai/redloop/internal/target"
)

// Executor runs proposed actions against the machine under assessment.
// *target.Target is the production implementation.
type Executor interface {
	Run(ctx context.Context, command string) (string, error)
	TestCredentials(ctx context.Context, username, password string) (target.CredentialProbe, error)
}

// Reporter renders run progress for the operator. All methods are called
// from the loop goroutine; a nil Reporter disables rendering.
type Reporter interface {
	RoundStarted(round, maxRounds int)
	RoundResult(round int, command, result string, duration time.Duration)
	StateUpdated(state string)
	RunFinished(status runlog.RunStatus, rounds int)
}

// Agent owns one assessment run: the model connection, the target session,
// the run log, and the mutable fact list replayed to the model each round.
type Agent struct {
	connector llm.Connector
	store     *runlog.Store
	exec      Executor
	guard     *approval.Guard
	approver  approval.Approver
	tracker   *costs.Tracker
	reporter  Reporter
	sink      llm.ProgressSink

	username    string
	password    string
	tag         string
	maxRounds   int
	updateState bool
	analyze     bool

	runID string
	state string
}

// New builds an Agent from the resolved configuration. tracker and reporter
// may be nil. When the reporter also implements llm.ProgressSink, streaming
// connections deliver the model's answer through it as it is generated.
func New(cfg *config.Config, connector llm.Connector, store *runlog.Store, exec Executor, tracker *costs.Tracker, reporter Reporter) *Agent {
	a := &Agent{
		connector:   connector,
		store:       store,
		exec:        exec,
		guard:       approval.NewGuard(cfg.Guard),
		approver:    approval.NewApprover(cfg.Guard),
		tracker:     tracker,
		reporter:    reporter,
		username:    cfg.Target.Username,
		password:    cfg.Target.Password,
		tag:         cfg.Run.Tag,
		maxRounds:   cfg.Run.MaxRounds,
		updateState: cfg.Run.UpdateState,
		analyze:     cfg.Run.AnalyzeResponse,
		state:       initialState(cfg.Target.Username, cfg.Target.Password),
	}
	if sink, ok := reporter.(llm.ProgressSink); ok {
		a.sink = sink
	}
	return a
}

// RunID returns the identifier of the active run, empty before Run starts.
func (a *Agent) RunID() string { return a.runID }

// State returns the current fact list about the target system.
func (a *Agent) State() string { return a.state }

func (a *Agent) closeApprover() {
	if c, ok := a.approver.(io.Closer); ok {
		_ = c.Close()
	}
}
