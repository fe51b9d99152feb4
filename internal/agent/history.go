package agent

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/redloop-ai/redloop/internal/runlog"
)

// nextCommandPrompt renders the next-command prompt with as much round
// history as fits the model's context window. The budget is the context size
// minus the prompt rendered without history, so the fact list and template
// text are already paid for.
func (a *Agent) nextCommandPrompt(ctx context.Context) (string, error) {
	data := promptData{Username: a.username, Password: a.password}
	if a.updateState {
		data.State = a.state
	}

	shell, err := renderPrompt(nextCommandTemplate, data)
	if err != nil {
		return "", err
	}
	history, err := a.historyBlock(ctx, a.connector.ContextSize()-a.countTokens(ctx, shell))
	if err != nil {
		return "", err
	}
	data.History = history
	return renderPrompt(nextCommandTemplate, data)
}

// historyBlock replays earlier rounds newest-first into the token budget and
// returns them oldest-first, each a "$ command" line followed by its output.
// The oldest surviving result may come back front-trimmed so the end of its
// output still fits.
func (a *Agent) historyBlock(ctx context.Context, budget int) (string, error) {
	if budget <= 0 {
		return "", nil
	}
	records, err := a.store.Records(ctx, a.runID)
	if err != nil {
		return "", fmt.Errorf("load round history: %w", err)
	}

	var entries []string
	rest := budget
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Kind != runlog.KindQuery {
			continue
		}
		entry := historyEntry(rec.Command, rec.Result)
		size := a.countTokens(ctx, entry)
		if size <= rest {
			entries = append(entries, entry)
			rest -= size
			continue
		}

		head := historyEntry(rec.Command, "")
		trimmed := a.trimFront(ctx, rec.Result, rest-a.countTokens(ctx, head))
		if trimmed != "" {
			entries = append(entries, historyEntry(rec.Command, trimmed))
		}
		break
	}

	var b strings.Builder
	for i := len(entries) - 1; i >= 0; i-- {
		b.WriteString(entries[i])
	}
	return b.String(), nil
}

func historyEntry(command, result string) string {
	var b strings.Builder
	b.WriteString("$ ")
	b.WriteString(command)
	b.WriteString("\n")
	if result != "" {
		b.WriteString(result)
		if !strings.HasSuffix(result, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// countTokens prefers the connection's tokenizer and falls back to a chars/4
// estimate for connections without one.
func (a *Agent) countTokens(ctx context.Context, text string) int {
	if text == "" {
		return 0
	}
	if n := a.connector.CountTokens(ctx, text); n > 0 {
		return n
	}
	return len(text) / 4
}

// trimFront cuts text from the front until it fits the token budget. Cuts
// run in coarse steps sized from the overshoot to keep tokenizer calls low.
func (a *Agent) trimFront(ctx context.Context, text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	for text != "" {
		over := a.countTokens(ctx, text) - budget
		if over <= 0 {
			return text
		}
		cut := over * 3
		if cut < 16 {
			cut = 16
		}
		if cut >= len(text) {
			return ""
		}
		text = text[cut:]
		for text != "" && !utf8.RuneStart(text[0]) {
			text = text[1:]
		}
	}
	return ""
}
