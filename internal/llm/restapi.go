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

	"github.com/redloop-ai/redloop/internal/config"
)

// restConnector talks to an OpenAI-compatible chat completion endpoint with
// plain HTTP requests and owns its own retry loop. It is the driver for
// backends that speak the wire format but are not served well by the
// official SDK client.
type restConnector struct {
	provider    string
	endpoint    string
	apiKey      string
	model       string
	contextSize int

	retry      retryPolicy
	tok        *Tokenizer
	httpClient *http.Client
}

func newRESTConnector(cfg config.LLMConfig) (*restConnector, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}

	provider := "OpenAI Gateway"
	endpoint := cfg.APIURL + cfg.APIPath
	if cfg.UseOpenRouter {
		provider = "OpenRouter"
		endpoint = strings.TrimSuffix(cfg.OpenRouterURL, "/") + "/chat/completions"
	}

	return &restConnector{
		provider:    provider,
		endpoint:    endpoint,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		contextSize: cfg.ContextSize,
		retry:       newRetryPolicy(cfg),
		tok:         resolveTokenizer(cfg),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func newRESTConnectorForTest(cfg config.LLMConfig, endpoint string, httpClient *http.Client) (*restConnector, error) {
	c, err := newRESTConnector(cfg)
	if err != nil {
		return nil, err
	}
	if endpoint != "" {
		c.endpoint = endpoint
	}
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c, nil
}

// GetResponse performs one blocking exchange, re-attempting after rate
// limits and transport faults per the configured retry budget.
func (c *restConnector) GetResponse(ctx context.Context, messages []Message, caps []Capability) (*Result, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: toWireMessages(messages),
		Tools:    toWireTools(caps),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	prompt := renderMessages(messages)

	var result *Result
	err = c.retry.do(ctx, func() error {
		tic := time.Now()
		resp, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return &transientError{cause: fmt.Errorf("read response: %w", err)}
		}
		if err := c.checkStatus(resp.StatusCode, respBody); err != nil {
			return err
		}

		var parsed chatResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return fmt.Errorf("decode chat response: %w", err)
		}
		if len(parsed.Choices) == 0 {
			return ErrMalformedResponse
		}

		msg := fromWireMessage(parsed.Choices[0].Message)
		var usage *UsageTally
		if parsed.Usage != nil {
			usage = &UsageTally{
				PromptTokens:     parsed.Usage.PromptTokens,
				CompletionTokens: parsed.Usage.CompletionTokens,
				TotalTokens:      parsed.Usage.TotalTokens,
			}
		}
		result = finalizeResult(ctx, msg, prompt, time.Since(tic), usage, c.tok)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// StreamResponse performs one exchange with server-sent streaming, feeding
// increments to sink as they arrive. Retries cover the connection phase
// only; once the stream has started producing output a failure is terminal.
func (c *restConnector) StreamResponse(ctx context.Context, messages []Message, caps []Capability, sink ProgressSink) (*Result, error) {
	body, err := json.Marshal(chatRequest{
		Model:         c.model,
		Messages:      toWireMessages(messages),
		Tools:         toWireTools(caps),
		Stream:        true,
		StreamOptions: &wireStreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	prompt := renderMessages(messages)

	var result *Result
	err = c.retry.do(ctx, func() error {
		tic := time.Now()
		resp, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(resp.Body)
			return c.checkStatus(resp.StatusCode, respBody)
		}

		acc := newAccumulator(sink)
		dec := newSSEDecoder(resp.Body)
		for {
			data, err := dec.next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("read stream: %w", err)
			}
			if data == "[DONE]" {
				break
			}
			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return fmt.Errorf("decode stream chunk: %w", err)
			}
			if err := acc.ingest(chunk); err != nil {
				return err
			}
		}

		msg, usage := acc.finalize()
		result = finalizeResult(ctx, msg, prompt, time.Since(tic), usage, c.tok)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *restConnector) Encode(ctx context.Context, text string) []int {
	return c.tok.Encode(ctx, text)
}

func (c *restConnector) CountTokens(ctx context.Context, text string) int {
	return c.tok.CountTokens(ctx, text)
}

func (c *restConnector) Model() string { return c.model }

func (c *restConnector) ContextSize() int { return c.contextSize }

// post sends the request body and classifies failures to reach the backend
// as transient. Context cancellation stays fatal.
func (c *restConnector) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transientError{cause: err}
	}
	return resp, nil
}

// checkStatus classifies a non-2xx response: 429 re-enters the retry loop,
// everything else is a fatal backend error.
func (c *restConnector) checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	excerpt := strings.TrimSpace(string(body))
	if status == http.StatusTooManyRequests {
		return &rateLimitError{body: excerpt}
	}
	return &BackendError{Provider: c.provider, Status: status, Body: excerpt}
}
