package agent

import (
	"context"
	"strings"

	"github.com/redloop-ai/redloop/internal/llm"
	"github.com/redloop-ai/redloop/internal/logging"
	"github.com/redloop-ai/redloop/internal/runlog"
)

// NextCommand asks the model for the next action to try. Earlier rounds are
// replayed inside the prompt as far as the context size allows.
func (a *Agent) NextCommand(ctx context.Context) (*Proposal, error) {
	prompt, err := a.nextCommandPrompt(ctx)
	if err != nil {
		return nil, err
	}
	res, err := a.queryModel(ctx, prompt, commandCapabilities())
	if err != nil {
		return nil, err
	}

	prop := parseProposal(res)
	logging.Logger().Info(
		"next command",
		"run_id", a.runID,
		"command", prop.Command,
		"tokens_query", res.TokensQuery,
		"tokens_response", res.TokensResponse,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return prop, nil
}

// UpdateState rewrites the fact list from the latest command and its output.
// An empty model answer keeps the previous facts.
func (a *Agent) UpdateState(ctx context.Context, round int, command, result string) error {
	prompt, err := renderPrompt(updateStateTemplate, promptData{
		Username: a.username,
		Password: a.password,
		Command:  command,
		Result:   result,
		State:    a.state,
	})
	if err != nil {
		return err
	}
	res, err := a.queryModel(ctx, prompt, nil)
	if err != nil {
		return err
	}

	if next := strings.TrimSpace(res.Content); next != "" {
		a.state = next
	} else {
		logging.Logger().Warn("state update returned no content, keeping previous facts", "run_id", a.runID)
	}
	return a.store.AppendStateUpdate(ctx, a.runID, round, a.state, responseUsage(res))
}

// AnalyzeResult asks the model what the latest output means for the
// escalation attempt and records the answer.
func (a *Agent) AnalyzeResult(ctx context.Context, round int, command, result string) (string, error) {
	prompt, err := renderPrompt(analyzeTemplate, promptData{
		Username: a.username,
		Password: a.password,
		Command:  command,
		Result:   result,
	})
	if err != nil {
		return "", err
	}
	res, err := a.queryModel(ctx, prompt, nil)
	if err != nil {
		return "", err
	}

	analysis := strings.TrimSpace(res.Content)
	if err := a.store.AppendAnalysis(ctx, a.runID, round, analysis, responseUsage(res)); err != nil {
		return "", err
	}
	return analysis, nil
}

// queryModel sends a single-message prompt, streaming through the progress
// sink when the connection supports it, and records the spend.
func (a *Agent) queryModel(ctx context.Context, prompt string, caps []llm.Capability) (*llm.Result, error) {
	messages := []llm.Message{{Role: llm.RoleUser, Content: prompt}}

	var (
		res *llm.Result
		err error
	)
	if streamer, ok := a.connector.(llm.Streamer); ok && a.sink != nil {
		res, err = streamer.StreamResponse(ctx, messages, caps, a.sink)
	} else {
		res, err = a.connector.GetResponse(ctx, messages, caps)
	}
	if err != nil {
		return nil, err
	}

	if a.tracker != nil {
		if err := a.tracker.Track(ctx, a.runID, a.connector.Model(), res.TokensQuery, res.TokensResponse); err != nil {
			logging.Logger().Warn("failed to record llm spend", "run_id", a.runID, "err", err)
		}
	}
	return res, nil
}

func responseUsage(res *llm.Result) runlog.Usage {
	return runlog.Usage{
		Duration:       res.Duration,
		TokensQuery:    res.TokensQuery,
		TokensResponse: res.TokensResponse,
	}
}
