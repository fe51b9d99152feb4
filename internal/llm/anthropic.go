package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/redloop-ai/redloop/internal/config"
)

// anthropicConnector talks to the Anthropic API through its SDK. The
// Messages API has no system role and requires tool results as user blocks,
// so conversations are reshaped on the way out and normalized back on the
// way in. Streaming is not offered by this driver.
type anthropicConnector struct {
	client      anthropic.Client
	model       anthropic.Model
	contextSize int
	maxTokens   int
	tok         *Tokenizer
}

func newAnthropicConnector(cfg config.LLMConfig) (*anthropicConnector, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(cfg.Retries),
	)
	return &anthropicConnector{
		client:      client,
		model:       anthropic.Model(cfg.Model),
		contextSize: cfg.ContextSize,
		maxTokens:   cfg.MaxTokens,
		tok:         resolveTokenizer(cfg),
	}, nil
}

func newAnthropicConnectorForTest(cfg config.LLMConfig, baseURL string, httpClient *http.Client) (*anthropicConnector, error) {
	c, err := newAnthropicConnector(cfg)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c.client = anthropic.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)
	return c, nil
}

// GetResponse performs one blocking exchange through the Anthropic SDK.
func (c *anthropicConnector) GetResponse(ctx context.Context, messages []Message, caps []Capability) (*Result, error) {
	system, rest := splitSystem(messages)
	msgs, err := toAnthropicMessages(rest)
	if err != nil {
		return nil, err
	}

	body := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(c.maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		body.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(caps) > 0 {
		body.Tools = toAnthropicTools(caps)
	}
	prompt := renderMessages(messages)

	tic := time.Now()
	resp, err := c.client.Messages.New(ctx, body)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &BackendError{Provider: "Anthropic", Status: apiErr.StatusCode, Body: apiErr.Error()}
		}
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Content) == 0 {
		return nil, ErrMalformedResponse
	}

	msg := fromAnthropicMessage(resp)
	usage := &UsageTally{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return finalizeResult(ctx, msg, prompt, time.Since(tic), usage, c.tok), nil
}

func (c *anthropicConnector) Encode(ctx context.Context, text string) []int {
	return c.tok.Encode(ctx, text)
}

func (c *anthropicConnector) CountTokens(ctx context.Context, text string) int {
	return c.tok.CountTokens(ctx, text)
}

func (c *anthropicConnector) Model() string { return string(c.model) }

func (c *anthropicConnector) ContextSize() int { return c.contextSize }

// splitSystem pulls system messages out of the conversation; the Messages
// API takes them as a separate request field.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if msg.Content != "" {
				system = append(system, msg.Content)
			}
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}

func fromAnthropicMessage(resp *anthropic.Message) Message {
	var contentParts []string
	var calls []ToolCall
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			if v.Text != "" {
				contentParts = append(contentParts, v.Text)
			}
		case anthropic.ToolUseBlock:
			calls = append(calls, ToolCall{
				ID:        v.ID,
				Name:      v.Name,
				Arguments: string(v.Input),
			})
		}
	}
	return Message{
		Role:      RoleAssistant,
		Content:   strings.Join(contentParts, "\n"),
		ToolCalls: calls,
	}
}

func toAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				input := map[string]any{}
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
						return nil, fmt.Errorf("parse assistant tool call args for %q: %w", tc.Name, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case RoleTool:
			if msg.ToolCallID == "" {
				return nil, fmt.Errorf("tool message requires tool_call_id")
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	return out, nil
}

func toAnthropicTools(caps []Capability) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(caps))
	for _, cap := range caps {
		toolParam := anthropic.ToolParam{
			Name:        cap.Name,
			Description: anthropic.String(cap.Description),
			InputSchema: toAnthropicInputSchema(cap.Parameters),
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return out
}

func toAnthropicInputSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	if len(schema) == 0 {
		return anthropic.ToolInputSchemaParam{}
	}

	var required []string
	if rawRequired, ok := schema["required"]; ok {
		switch v := rawRequired.(type) {
		case []string:
			required = v
		case []any:
			required = make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					required = append(required, s)
				}
			}
		}
	}

	inputSchema := anthropic.ToolInputSchemaParam{
		Required: required,
	}
	if props, ok := schema["properties"]; ok {
		inputSchema.Properties = props
	}

	extras := make(map[string]any)
	for k, v := range schema {
		if k == "properties" || k == "required" || k == "type" {
			continue
		}
		extras[k] = v
	}
	if len(extras) > 0 {
		inputSchema.ExtraFields = extras
	}

	return inputSchema
}
