// Package llm connects the agent loop to a chat completion backend. It owns
// the conversation types, the connection drivers, retry handling for
// transient backend failures, tokenizer binding, and the accumulation of
// streamed responses into complete messages.
package llm

import (
	"context"
	"strings"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a function invocation requested by the model. Arguments is the
// raw JSON string exactly as the backend produced it; callers decode it
// against the capability's parameter schema.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message is one entry in a conversation. Tool results reference the call
// they answer through ToolCallID.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// Capability describes a function the model may call, in JSON Schema form.
type Capability struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// UsageTally is the token count a backend reported for one exchange.
type UsageTally struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Result is the outcome of one completed exchange with the backend. Fields
// are filled once when the exchange finishes and not mutated afterwards.
type Result struct {
	// Message is the assistant turn exactly as the backend produced it,
	// ready to append to the conversation history.
	Message Message

	// RenderedPrompt is the flattened text of the request messages, kept
	// for logging and cost accounting.
	RenderedPrompt string

	// Content is the assistant text, empty when the model answered with
	// tool calls only.
	Content string

	// Duration covers the successful attempt, not time spent in retries.
	Duration time.Duration

	TokensQuery    int
	TokensResponse int
}

// Connector is a configured connection to one chat completion backend.
type Connector interface {
	// GetResponse performs a blocking exchange and returns the completed
	// result. Transient failures are retried according to the connection
	// configuration before an error is returned.
	GetResponse(ctx context.Context, messages []Message, caps []Capability) (*Result, error)

	// Encode tokenizes text with the tokenizer bound to this connection.
	// Connections without a usable tokenizer return nil.
	Encode(ctx context.Context, text string) []int

	// CountTokens reports how many tokens text occupies, 0 when no
	// tokenizer is bound.
	CountTokens(ctx context.Context, text string) int

	Model() string
	ContextSize() int
}

// Streamer is implemented by connectors that can deliver the response
// incrementally while it is being generated.
type Streamer interface {
	// StreamResponse behaves like GetResponse but forwards increments to
	// sink as they arrive. A nil sink is allowed. The returned Result is
	// identical to what GetResponse would have produced for the same
	// response.
	StreamResponse(ctx context.Context, messages []Message, caps []Capability, sink ProgressSink) (*Result, error)
}

// ProgressSink receives streaming increments. Implementations must not
// block; they are called inline from the stream read loop.
type ProgressSink interface {
	// BeginContent is called once before the first content delta.
	BeginContent()

	// Content delivers one content delta.
	Content(delta string)

	// BeginToolCall is called when a new tool call opens.
	BeginToolCall(name string)

	// ToolCallArguments delivers one argument fragment of the current
	// tool call.
	ToolCallArguments(delta string)
}

type nopSink struct{}

func (nopSink) BeginContent()            {}
func (nopSink) Content(string)           {}
func (nopSink) BeginToolCall(string)     {}
func (nopSink) ToolCallArguments(string) {}

func orNopSink(sink ProgressSink) ProgressSink {
	if sink == nil {
		return nopSink{}
	}
	return sink
}

// renderMessages flattens a conversation into the text form used for prompt
// logging and local token counting.
func renderMessages(messages []Message) string {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		for _, tc := range msg.ToolCalls {
			b.WriteString("\n")
			b.WriteString(tc.Name)
			b.WriteString("(")
			b.WriteString(tc.Arguments)
			b.WriteString(")")
		}
	}
	return b.String()
}
