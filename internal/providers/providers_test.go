package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestAnthropicParseResponse(t *testing.T) {
	p := NewAnthropicProvider("test-key")

	raw := `{
		"content": [
			{"type": "text", "text": "hello "},
			{"type": "text", "text": "world"},
			{"type": "tool_use", "id": "tc1", "name": " search ", "input": {"q": "go"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`
	var resp anthropicResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}

	result := p.parseResponse(&resp)
	if result.Content != "hello world" {
		t.Errorf("content = %q", result.Content)
	}
	if result.FinishReason != "tool_calls" {
		t.Errorf("finish = %q, want tool_calls", result.FinishReason)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Name != "search" {
		t.Errorf("tool calls = %+v", result.ToolCalls)
	}
	if result.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", result.Usage)
	}
}

func TestAnthropicRequestBodyShapesMessages(t *testing.T) {
	p := NewAnthropicProvider("test-key")
	body := p.buildRequestBody("m1", ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi", Images: []ImageContent{{MimeType: "image/png", Data: "QUJD"}}},
			{Role: "assistant", Content: "hello"},
			{Role: "tool", Content: "result", ToolCallID: "tc1"},
		},
		Options: map[string]any{OptThinkingLevel: "high"},
	}, true)

	if body["model"] != "m1" || body["stream"] != true {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["system"]; !ok {
		t.Error("system blocks missing")
	}
	thinking, ok := body["thinking"].(map[string]any)
	if !ok || thinking["budget_tokens"] != 32000 {
		t.Errorf("thinking = %v", body["thinking"])
	}
	msgs := body["messages"].([]map[string]any)
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3 (system separated)", len(msgs))
	}
	// Tool results are delivered as user-role tool_result blocks.
	last := msgs[2]
	if last["role"] != "user" {
		t.Errorf("tool result role = %v", last["role"])
	}
}

func TestRetryDoRetriesTransientErrors(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	attempts := 0
	result, err := RetryDo(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", &HTTPStatusError{StatusCode: 429, Body: "slow down"}
		}
		return "done", nil
	})
	if err != nil || result != "done" {
		t.Fatalf("result = %q, err = %v", result, err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryDoStopsOnPermanentError(t *testing.T) {
	cfg := DefaultRetryConfig()
	attempts := 0
	_, err := RetryDo(context.Background(), cfg, func() (string, error) {
		attempts++
		return "", &HTTPStatusError{StatusCode: 400, Body: "bad request"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (400 is not retryable)", attempts)
	}
}

func TestRetryDoInvokesHook(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	var hookAttempts []int
	ctx := WithRetryHook(context.Background(), func(attempt, maxAttempts int, err error) {
		hookAttempts = append(hookAttempts, attempt)
	})

	RetryDo(ctx, cfg, func() (string, error) {
		return "", errors.New("connection reset by peer")
	})
	if len(hookAttempts) != 1 || hookAttempts[0] != 1 {
		t.Errorf("hook attempts = %v, want [1]", hookAttempts)
	}
}
