package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestAnthropicChat_ToolUse verifies headers, message translation, and
// tool_use parsing against a fake Anthropic endpoint.
func TestAnthropicChat_ToolUse(t *testing.T) {
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic-version header")
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"content": [
				{"type": "text", "text": "checking availability"},
				{"type": "tool_use", "id": "tu_1", "name": "records_query", "input": {"kind": "slot"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "you are a scheduler"},
			{Role: "user", Content: "book me in"},
		},
		Tools: []ToolDefinition{{
			Type: "function",
			Function: ToolFunctionSchema{
				Name:        "records_query",
				Description: "query records",
				Parameters:  map[string]interface{}{"type": "object"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q, want tool_calls", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "records_query" || tc.ID != "tu_1" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments["kind"] != "slot" {
		t.Errorf("arguments = %v", tc.Arguments)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v, want total 15", resp.Usage)
	}

	// System prompt must ride in the top-level system field, not messages.
	if _, ok := gotBody["system"]; !ok {
		t.Error("system blocks missing from request body")
	}
	msgs, _ := gotBody["messages"].([]interface{})
	if len(msgs) != 1 {
		t.Errorf("wire messages = %d, want 1 (system lifted out)", len(msgs))
	}
}

// TestAnthropicChat_ServerError verifies a 400 surfaces as *HTTPError without
// retry storms.
func TestAnthropicChat_ServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error": {"message": "bad schema"}}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL))
	_, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// TestOpenAIChat_ToolCalls verifies the OpenAI wire format round trip,
// including arguments arriving as a JSON string.
func TestOpenAIChat_ToolCalls(t *testing.T) {
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"choices": [{
				"message": {
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "records_get", "arguments": "{\"id\": \"abc\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "test-key", srv.URL, "gpt-4o-mini")
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "user", Content: "look it up"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "prev", Name: "records_query", Arguments: map[string]interface{}{"kind": "faq"}}}},
			{Role: "tool", ToolCallID: "prev", Content: "[]"},
		},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Arguments["id"] != "abc" {
		t.Errorf("arguments = %v", resp.ToolCalls[0].Arguments)
	}

	// Prior assistant tool_calls must be re-encoded with string arguments.
	msgs, _ := gotBody["messages"].([]interface{})
	if len(msgs) != 3 {
		t.Fatalf("wire messages = %d, want 3", len(msgs))
	}
	asst, _ := msgs[1].(map[string]interface{})
	tcs, _ := asst["tool_calls"].([]interface{})
	if len(tcs) != 1 {
		t.Fatalf("assistant tool_calls = %d, want 1", len(tcs))
	}
	fn := tcs[0].(map[string]interface{})["function"].(map[string]interface{})
	if _, isString := fn["arguments"].(string); !isString {
		t.Errorf("arguments should be a JSON string on the wire, got %T", fn["arguments"])
	}
}

// TestRegistry_DefaultFallback verifies the default resolves to a configured
// provider even when cfg.Default names an unconfigured one.
func TestRegistry_DefaultFallback(t *testing.T) {
	r := &Registry{byName: map[string]Provider{
		"openai": NewOpenAIProvider("openai", "k", "", "gpt-4o-mini"),
	}, defaultName: "openai"}

	p, err := r.Get("")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("default provider = %q", p.Name())
	}
	if _, err := r.Get("anthropic"); err == nil {
		t.Error("expected error for unconfigured provider")
	}
}
