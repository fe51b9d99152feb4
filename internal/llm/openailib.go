package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/redloop-ai/redloop/internal/config"
)

// libConnector talks to OpenAI-compatible backends through the official SDK
// client. Rate limits and transport faults are retried inside the SDK, so
// this driver carries no retry loop of its own.
type libConnector struct {
	client      openai.Client
	provider    string
	model       string
	contextSize int
	maxTokens   int
	tok         *Tokenizer
}

func newLibConnector(cfg config.LLMConfig) (*libConnector, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}

	provider := "OpenAI Gateway"
	if cfg.UseOpenRouter {
		provider = "OpenRouter"
	}

	return &libConnector{
		client: openai.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(sdkBaseURL(cfg)),
			option.WithRequestTimeout(cfg.Timeout),
			option.WithMaxRetries(cfg.Retries),
		),
		provider:    provider,
		model:       cfg.Model,
		contextSize: cfg.ContextSize,
		maxTokens:   cfg.MaxTokens,
		tok:         resolveTokenizer(cfg),
	}, nil
}

// sdkBaseURL derives the SDK client base URL. The configured chat path is
// the full completion endpoint; the SDK appends "/chat/completions" itself.
func sdkBaseURL(cfg config.LLMConfig) string {
	if cfg.UseOpenRouter {
		return cfg.OpenRouterURL
	}
	return cfg.APIURL + strings.TrimSuffix(cfg.APIPath, "/chat/completions")
}

func newLibConnectorForTest(cfg config.LLMConfig, baseURL string) (*libConnector, error) {
	c, err := newLibConnector(cfg)
	if err != nil {
		return nil, err
	}
	c.client = openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	)
	return c, nil
}

// GetResponse performs one blocking exchange through the SDK client.
func (c *libConnector) GetResponse(ctx context.Context, messages []Message, caps []Capability) (*Result, error) {
	params := c.buildParams(messages, caps)
	prompt := renderMessages(messages)

	tic := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, c.wrapErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrMalformedResponse
	}

	msg := fromSDKMessage(resp.Choices[0].Message)
	var usage *UsageTally
	if resp.JSON.Usage.Valid() {
		usage = &UsageTally{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		}
	}
	return finalizeResult(ctx, msg, prompt, time.Since(tic), usage, c.tok), nil
}

// StreamResponse performs one streaming exchange, feeding increments to sink
// as they arrive. SDK chunks are normalized to the shared chunk shape before
// accumulation.
func (c *libConnector) StreamResponse(ctx context.Context, messages []Message, caps []Capability, sink ProgressSink) (*Result, error) {
	params := c.buildParams(messages, caps)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	prompt := renderMessages(messages)

	tic := time.Now()
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := newAccumulator(sink)
	for stream.Next() {
		if err := acc.ingest(fromSDKChunk(stream.Current())); err != nil {
			return nil, err
		}
	}
	if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, c.wrapErr(err)
	}

	msg, usage := acc.finalize()
	return finalizeResult(ctx, msg, prompt, time.Since(tic), usage, c.tok), nil
}

func (c *libConnector) Encode(ctx context.Context, text string) []int {
	return c.tok.Encode(ctx, text)
}

func (c *libConnector) CountTokens(ctx context.Context, text string) int {
	return c.tok.CountTokens(ctx, text)
}

func (c *libConnector) Model() string { return c.model }

func (c *libConnector) ContextSize() int { return c.contextSize }

func (c *libConnector) buildParams(messages []Message, caps []Capability) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: toSDKMessages(messages),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}
	if len(caps) > 0 {
		tools := make([]openai.ChatCompletionToolUnionParam, 0, len(caps))
		for _, cap := range caps {
			fn := openai.FunctionDefinitionParam{
				Name:       cap.Name,
				Parameters: openai.FunctionParameters(cap.Parameters),
			}
			if cap.Description != "" {
				fn.Description = openai.String(cap.Description)
			}
			tools = append(tools, openai.ChatCompletionFunctionTool(fn))
		}
		params.Tools = tools
	}
	return params
}

func (c *libConnector) wrapErr(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &BackendError{Provider: c.provider, Status: apiErr.StatusCode, Body: apiErr.Message}
	}
	return fmt.Errorf("chat completion failed: %w", err)
}

func toSDKMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			out = append(out, assistantWithToolCalls(msg))
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func assistantWithToolCalls(msg Message) openai.ChatCompletionMessageParamUnion {
	calls := make([]openai.ChatCompletionMessageToolCallUnionParam, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		calls = append(calls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			},
		})
	}
	assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
	if msg.Content != "" {
		assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(msg.Content),
		}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func fromSDKMessage(msg openai.ChatCompletionMessage) Message {
	out := Message{Role: RoleAssistant, Content: msg.Content}
	if len(msg.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return out
}

func fromSDKChunk(chunk openai.ChatCompletionChunk) chatChunk {
	var out chatChunk
	if chunk.JSON.Usage.Valid() {
		out.Usage = &wireUsage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:      int(chunk.Usage.TotalTokens),
		}
	}
	for _, choice := range chunk.Choices {
		cc := chunkChoice{FinishReason: string(choice.FinishReason)}
		cc.Delta.Role = string(choice.Delta.Role)
		if choice.Delta.JSON.Content.Valid() {
			content := choice.Delta.Content
			cc.Delta.Content = &content
		}
		for _, tc := range choice.Delta.ToolCalls {
			cc.Delta.ToolCalls = append(cc.Delta.ToolCalls, chunkToolCall{
				Index: int(tc.Index),
				ID:    tc.ID,
				Type:  string(tc.Type),
				Function: wireFunction{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Choices = append(out.Choices, cc)
	}
	return out
}
