package llm

import (
	"strings"

	"github.com/redloop-ai/redloop/internal/logging"
)

// accumulator folds an ordered stream of chunks into one complete assistant
// message. It enforces the tool-call fragment index protocol, forwards
// increments to the progress sink, and keeps the last usage record the
// stream reports.
type accumulator struct {
	sink ProgressSink

	role      Role
	content   strings.Builder
	toolCalls []*toolCallFragment
	usage     *UsageTally

	contentBegan bool
	multiWarned  bool
}

type toolCallFragment struct {
	id   string
	name string
	args strings.Builder
}

func newAccumulator(sink ProgressSink) *accumulator {
	return &accumulator{sink: orNopSink(sink)}
}

// ingest folds one chunk into the partial message. A StreamProtocolError
// aborts accumulation and the partial message must be discarded.
func (a *accumulator) ingest(chunk chatChunk) error {
	if chunk.Usage != nil {
		// Last writer wins; providers send usage in a terminal chunk that
		// typically carries no choices.
		usage := UsageTally{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
		a.usage = &usage
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	if len(chunk.Choices) > 1 && !a.multiWarned {
		logging.Logger().Warn("stream chunk has multiple choices, reading the first", "choices", len(chunk.Choices))
		a.multiWarned = true
	}

	delta := chunk.Choices[0].Delta
	if delta.Role != "" {
		switch {
		case a.role == "":
			a.role = Role(delta.Role)
		case a.role != Role(delta.Role):
			logging.Logger().Warn("role changed mid-stream, keeping original",
				"role", a.role, "received", delta.Role)
		}
	}

	if delta.Content != nil && *delta.Content != "" {
		if !a.contentBegan {
			a.sink.BeginContent()
			a.contentBegan = true
		}
		a.content.WriteString(*delta.Content)
		a.sink.Content(*delta.Content)
	}

	for _, tc := range delta.ToolCalls {
		switch {
		case tc.Index == len(a.toolCalls):
			frag := &toolCallFragment{id: tc.ID, name: tc.Function.Name}
			a.toolCalls = append(a.toolCalls, frag)
			a.sink.BeginToolCall(frag.name)
		case tc.Index > len(a.toolCalls):
			return &StreamProtocolError{Index: tc.Index, Expected: len(a.toolCalls)}
		}
		// The opening fragment of a call may already carry argument text, so
		// the append is unconditional on how the fragment was routed.
		if tc.Function.Arguments != "" {
			a.toolCalls[tc.Index].args.WriteString(tc.Function.Arguments)
			a.sink.ToolCallArguments(tc.Function.Arguments)
		}
	}
	return nil
}

// finalize returns the completed assistant message and the usage the stream
// reported, nil when no usage chunk arrived.
func (a *accumulator) finalize() (Message, *UsageTally) {
	if a.usage == nil {
		logging.Logger().Warn("stream ended without usage information")
	}

	msg := Message{Role: a.role, Content: a.content.String()}
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}
	if len(a.toolCalls) > 0 {
		msg.ToolCalls = make([]ToolCall, 0, len(a.toolCalls))
		for _, frag := range a.toolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        frag.id,
				Name:      frag.name,
				Arguments: frag.args.String(),
			})
		}
	}
	return msg, a.usage
}
