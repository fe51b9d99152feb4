package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/redloop-ai/redloop/internal/config"
	"github.com/redloop-ai/redloop/internal/logging"
)

// Tokenizer is the token encoder bound to one connection. The binding is
// resolved once at connector construction; no call path re-inspects the
// model name afterwards. A connection without a usable tokenizer stays
// unbound and reports empty encodings and zero counts.
type Tokenizer struct {
	local  *tiktoken.Tiktoken
	hosted *hostedTokenizer
}

// resolveTokenizer picks the tokenizer variant for the configured model.
// Google models routed through OpenRouter bind the provider-hosted
// tokenizer, direct OpenAI models bind the matching local tiktoken
// encoding, and everything else stays unbound unless the fallback encoder
// is enabled.
func resolveTokenizer(cfg config.LLMConfig) *Tokenizer {
	if cfg.UseOpenRouter && strings.HasPrefix(cfg.Model, "google/") {
		return &Tokenizer{hosted: newHostedTokenizer(cfg)}
	}
	if !cfg.UseOpenRouter && strings.HasPrefix(cfg.Model, "gpt-") {
		enc, err := tiktoken.EncodingForModel(cfg.Model)
		if err == nil {
			return &Tokenizer{local: enc}
		}
		logging.Logger().Warn("no local encoding for model", "model", cfg.Model, "err", err)
	}
	if cfg.FallbackEncoder {
		enc, err := tiktoken.EncodingForModel(cfg.Model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err == nil {
			return &Tokenizer{local: enc}
		}
		logging.Logger().Warn("fallback encoding unavailable", "err", err)
	}
	return &Tokenizer{}
}

// Bound reports whether a tokenizer variant is attached.
func (t *Tokenizer) Bound() bool {
	return t != nil && (t.local != nil || t.hosted != nil)
}

// Encode tokenizes text. Unbound tokenizers return nil.
func (t *Tokenizer) Encode(ctx context.Context, text string) []int {
	switch {
	case t == nil:
		return nil
	case t.local != nil:
		return t.local.Encode(text, nil, nil)
	case t.hosted != nil:
		return t.hosted.encode(ctx, text)
	default:
		return nil
	}
}

// CountTokens reports the token count of text, 0 when unbound. Local
// variants count by encoding; the hosted variant asks the provider's count
// endpoint, which is cheaper than fetching token ids.
func (t *Tokenizer) CountTokens(ctx context.Context, text string) int {
	switch {
	case t == nil:
		return 0
	case t.local != nil:
		return len(t.local.Encode(text, nil, nil))
	case t.hosted != nil:
		return t.hosted.countTokens(ctx, text)
	default:
		return 0
	}
}

// hostedTokenizer calls the Generative Language API tokenizer endpoints for
// models whose encoding is not published for local use. Failures degrade to
// empty encodings and zero counts with a warning; token accounting never
// aborts an exchange.
type hostedTokenizer struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

func newHostedTokenizer(cfg config.LLMConfig) *hostedTokenizer {
	return &hostedTokenizer{
		baseURL: strings.TrimSuffix(cfg.TokenizerURL, "/"),
		model:   strings.TrimPrefix(cfg.Model, "google/"),
		apiKey:  cfg.TokenizerAPIKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type tokenizeRequest struct {
	Contents []tokenizeContent `json:"contents"`
}

type tokenizeContent struct {
	Parts []tokenizePart `json:"parts"`
}

type tokenizePart struct {
	Text string `json:"text"`
}

type computeTokensResponse struct {
	TokensInfo []struct {
		TokenIDs []int `json:"tokenIds"`
	} `json:"tokensInfo"`
}

type countTokensResponse struct {
	TotalTokens int `json:"totalTokens"`
}

func (h *hostedTokenizer) encode(ctx context.Context, text string) []int {
	if text == "" {
		return nil
	}
	var out computeTokensResponse
	if err := h.post(ctx, "computeTokens", text, &out); err != nil {
		logging.Logger().Warn("hosted tokenizer encode failed", "model", h.model, "err", err)
		return nil
	}
	var ids []int
	for _, info := range out.TokensInfo {
		ids = append(ids, info.TokenIDs...)
	}
	return ids
}

func (h *hostedTokenizer) countTokens(ctx context.Context, text string) int {
	if text == "" {
		return 0
	}
	var out countTokensResponse
	if err := h.post(ctx, "countTokens", text, &out); err != nil {
		logging.Logger().Warn("hosted tokenizer count failed", "model", h.model, "err", err)
		return 0
	}
	return out.TotalTokens
}

func (h *hostedTokenizer) post(ctx context.Context, method, text string, out any) error {
	body, err := json.Marshal(tokenizeRequest{
		Contents: []tokenizeContent{{Parts: []tokenizePart{{Text: text}}}},
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:%s", h.baseURL, h.model, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("x-goog-api-key", h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", method, resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
