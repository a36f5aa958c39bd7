package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBuildRequestBodyEncodesTools(t *testing.T) {
	p := NewAnthropicProvider("key")
	req := ChatRequest{
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "tu_1", Name: "lookup", Input: json.RawMessage(`{"q":"x"}`)}}},
			{Role: "user", ToolResults: []ToolResult{{ToolCallID: "tu_1", Content: "42", IsError: true}}},
		},
		Tools: []ToolSpec{{Name: "lookup", Description: "Look up", InputSchema: map[string]any{"type": "object"}}},
	}

	raw, err := json.Marshal(p.buildRequestBody("m", req, false))
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Tools []struct {
			Name        string         `json:"name"`
			InputSchema map[string]any `json:"input_schema"`
		} `json:"tools"`
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}

	if len(body.Tools) != 1 || body.Tools[0].Name != "lookup" || body.Tools[0].InputSchema["type"] != "object" {
		t.Fatalf("tools = %+v", body.Tools)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(body.Messages))
	}

	var asstBlocks []map[string]any
	if err := json.Unmarshal(body.Messages[1].Content, &asstBlocks); err != nil {
		t.Fatalf("assistant content: %v", err)
	}
	if len(asstBlocks) != 1 || asstBlocks[0]["type"] != "tool_use" || asstBlocks[0]["id"] != "tu_1" || asstBlocks[0]["name"] != "lookup" {
		t.Fatalf("assistant blocks = %+v", asstBlocks)
	}
	input, ok := asstBlocks[0]["input"].(map[string]any)
	if !ok || input["q"] != "x" {
		t.Fatalf("tool_use input = %#v", asstBlocks[0]["input"])
	}

	var resBlocks []map[string]any
	if err := json.Unmarshal(body.Messages[2].Content, &resBlocks); err != nil {
		t.Fatalf("results content: %v", err)
	}
	if len(resBlocks) != 1 || resBlocks[0]["type"] != "tool_result" || resBlocks[0]["tool_use_id"] != "tu_1" {
		t.Fatalf("result blocks = %+v", resBlocks)
	}
	if resBlocks[0]["content"] != "42" || resBlocks[0]["is_error"] != true {
		t.Fatalf("result block = %+v", resBlocks[0])
	}
}

func TestChatStreamAssemblesToolCalls(t *testing.T) {
	const sse = `event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":7}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"lookup"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}

event: message_stop
data: {"type":"message_stop"}
`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sse)
	}))
	defer ts.Close()

	p := NewAnthropicProvider("key",
		WithAnthropicBaseURL(ts.URL),
		WithAnthropicRetry(RetryConfig{MaxAttempts: 1}))

	var chunks []string
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "go"}},
	}, func(c StreamChunk) {
		if c.Content != "" {
			chunks = append(chunks, c.Content)
		}
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if resp.FinishReason != "tool_use" {
		t.Fatalf("finish reason = %q", resp.FinishReason)
	}
	if resp.Content != "Checking" || len(chunks) != 1 {
		t.Fatalf("content = %q chunks = %v", resp.Content, chunks)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "tu_1" || tc.Name != "lookup" {
		t.Fatalf("tool call = %+v", tc)
	}
	var args map[string]any
	if err := json.Unmarshal(tc.Input, &args); err != nil || args["q"] != "x" {
		t.Fatalf("input = %s (%v)", tc.Input, err)
	}
	if resp.Usage.PromptTokens != 7 || resp.Usage.CompletionTokens != 9 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}
