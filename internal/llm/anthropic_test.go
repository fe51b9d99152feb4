package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/redloop-ai/redloop/internal/config"
)

func testAnthropicConfig() config.LLMConfig {
	cfg := testLLMConfig()
	cfg.Connection = config.ConnectionAnthropic
	cfg.Model = "claude-sonnet-4-5"
	cfg.MaxTokens = 256
	return cfg
}

func TestAnthropicConnectorGetResponse_RequestAndResponse(t *testing.T) {
	var gotAPIKey string
	var gotReq map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		gotAPIKey = r.Header.Get("X-Api-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"msg_1",
			"type":"message",
			"role":"assistant",
			"model":"claude-sonnet-4-5",
			"content":[
				{"type":"text","text":"Enumerating setuid binaries next."},
				{"type":"tool_use","id":"toolu_2","name":"exec_command","input":{"command":"find / -perm -4000 2>/dev/null"}}
			],
			"stop_reason":"tool_use",
			"stop_sequence":"",
			"usage":{"input_tokens":21,"output_tokens":9}
		}`))
	}))
	defer srv.Close()

	c, err := newAnthropicConnectorForTest(testAnthropicConfig(), srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}

	res, err := c.GetResponse(context.Background(), []Message{
		{Role: RoleSystem, Content: "You are a low-privilege user on a Linux machine."},
		{Role: RoleUser, Content: "Become root."},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "toolu_1", Name: "exec_command", Arguments: `{"command":"id"}`},
		}},
		{Role: RoleTool, Content: "uid=1001(lowpriv)", ToolCallID: "toolu_1"},
	}, []Capability{
		{
			Name:        "exec_command",
			Description: "Run a shell command on the target",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string"},
				},
				"required": []any{"command"},
			},
		},
	})
	if err != nil {
		t.Fatalf("get response: %v", err)
	}

	if gotAPIKey != "test-key" {
		t.Fatalf("unexpected api key header: %q", gotAPIKey)
	}
	if gotReq["model"] != "claude-sonnet-4-5" {
		t.Fatalf("unexpected model in request: %#v", gotReq["model"])
	}
	if int(gotReq["max_tokens"].(float64)) != 256 {
		t.Fatalf("unexpected max_tokens: %#v", gotReq["max_tokens"])
	}

	system := gotReq["system"].([]any)
	if system[0].(map[string]any)["text"] != "You are a low-privilege user on a Linux machine." {
		t.Fatalf("unexpected system block: %#v", system)
	}

	msgs := gotReq["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages after system extraction, got %d", len(msgs))
	}
	assistant := msgs[1].(map[string]any)
	assistantBlocks := assistant["content"].([]any)
	if assistantBlocks[0].(map[string]any)["type"] != "tool_use" {
		t.Fatalf("unexpected assistant blocks: %#v", assistantBlocks)
	}
	toolResult := msgs[2].(map[string]any)
	if toolResult["role"] != "user" {
		t.Fatalf("tool results must be sent as user messages: %#v", toolResult)
	}
	resultBlocks := toolResult["content"].([]any)
	block := resultBlocks[0].(map[string]any)
	if block["type"] != "tool_result" || block["tool_use_id"] != "toolu_1" {
		t.Fatalf("unexpected tool result block: %#v", block)
	}

	tools := gotReq["tools"].([]any)
	schema := tools[0].(map[string]any)["input_schema"].(map[string]any)
	if _, ok := schema["properties"].(map[string]any)["command"]; !ok {
		t.Fatalf("unexpected tool schema: %#v", schema)
	}

	if res.Content != "Enumerating setuid binaries next." {
		t.Fatalf("unexpected content: %q", res.Content)
	}
	if len(res.Message.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(res.Message.ToolCalls))
	}
	call := res.Message.ToolCalls[0]
	if call.ID != "toolu_2" || call.Name != "exec_command" {
		t.Fatalf("unexpected tool call: %+v", call)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		t.Fatalf("tool args should be valid JSON, got %q", call.Arguments)
	}
	if args["command"] != "find / -perm -4000 2>/dev/null" {
		t.Fatalf("unexpected tool args: %#v", args)
	}
	if res.TokensQuery != 21 || res.TokensResponse != 9 {
		t.Fatalf("unexpected token counts: %d/%d", res.TokensQuery, res.TokensResponse)
	}
	if res.Duration <= 0 {
		t.Fatalf("expected positive duration, got %v", res.Duration)
	}
}

func TestAnthropicConnectorGetResponse_ToolMessageRequiresCallID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not be sent for invalid conversations")
	}))
	defer srv.Close()

	c, err := newAnthropicConnectorForTest(testAnthropicConfig(), srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}

	_, err = c.GetResponse(context.Background(), []Message{
		{Role: RoleTool, Content: "uid=1001(lowpriv)"},
	}, nil)
	if err == nil {
		t.Fatal("expected error for tool message without tool_call_id")
	}
}

func TestAnthropicConnectorGetResponse_BackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"permission_error","message":"key disabled"}}`))
	}))
	defer srv.Close()

	c, err := newAnthropicConnectorForTest(testAnthropicConfig(), srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}

	_, err = c.GetResponse(context.Background(), []Message{{Role: RoleUser, Content: "id"}}, nil)
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if backendErr.Status != http.StatusForbidden {
		t.Fatalf("unexpected status: %d", backendErr.Status)
	}
	if backendErr.Provider != "Anthropic" {
		t.Fatalf("unexpected provider: %s", backendErr.Provider)
	}
}
