package llm

import (
	"context"
	"time"
)

// finalizeResult assembles the Result for one completed exchange. Token
// counts resolve usage-first: whatever the backend reported wins, the bound
// tokenizer fills gaps, and zero is the last resort.
func finalizeResult(ctx context.Context, msg Message, prompt string, dur time.Duration, usage *UsageTally, tok *Tokenizer) *Result {
	tokensQuery, tokensResponse := resolveTokens(ctx, prompt, msg.Content, usage, tok)
	return &Result{
		Message:        msg,
		RenderedPrompt: prompt,
		Content:        msg.Content,
		Duration:       dur,
		TokensQuery:    tokensQuery,
		TokensResponse: tokensResponse,
	}
}

func resolveTokens(ctx context.Context, prompt, content string, usage *UsageTally, tok *Tokenizer) (int, int) {
	if usage != nil {
		return usage.PromptTokens, usage.CompletionTokens
	}
	if tok.Bound() {
		return tok.CountTokens(ctx, prompt), tok.CountTokens(ctx, content)
	}
	return 0, 0
}
