package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/llm"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/resilience"
)

func TestGenerateParsesTextAndUsage(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-mini-2024-07-18",
			"choices": []any{map[string]any{
				"message":       map[string]any{"role": "assistant", "content": "Your deductible is $500."},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{
				"prompt_tokens":     float64(180),
				"completion_tokens": float64(24),
				"total_tokens":      float64(204),
			},
		})
	}))
	defer srv.Close()

	a := NewAdapter("test-key", "gpt-4o-mini")
	a.BaseURL = srv.URL
	resp, err := a.Generate(context.Background(), llm.Context{
		Messages: []map[string]any{{"role": "user", "content": "what is my deductible"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gotPath != "/chat/completions" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if resp.Text != "Your deductible is $500." {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.Tokens != 204 || resp.Usage.CompletionTokens != 24 {
		t.Fatalf("usage = %+v tokens = %d", resp.Usage, resp.Tokens)
	}
	if resp.Model != "gpt-4o-mini-2024-07-18" {
		t.Fatalf("model = %q, want the server-reported snapshot", resp.Model)
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("finish reason = %q", resp.FinishReason)
	}
}

func TestGenerateDecodesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []any{map[string]any{
						"id":   "call-1",
						"type": "function",
						"function": map[string]any{
							"name":      "file_claim",
							"arguments": `{"policy_number":"12345678","claim_type":"auto"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
		})
	}))
	defer srv.Close()

	a := NewAdapter("k", "gpt-4o-mini")
	a.BaseURL = srv.URL
	resp, err := a.Generate(context.Background(), llm.Context{
		Messages: []map[string]any{{"role": "user", "content": "file a claim for my car"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "call-1" || call.Name != "file_claim" {
		t.Fatalf("call = %+v", call)
	}
	if call.Arguments["claim_type"] != "auto" {
		t.Fatalf("arguments = %v", call.Arguments)
	}
}

func TestGenerateRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := NewAdapter("k", "gpt-4o-mini")
	a.BaseURL = srv.URL
	_, err := a.Generate(context.Background(), llm.Context{
		Messages: []map[string]any{{"role": "user", "content": "hi"}},
	})
	if !resilience.IsRateLimit(err) {
		t.Fatalf("429 not a rate limit error: %v", err)
	}
	var rl resilience.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("cannot unwrap rate limit error: %v", err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Fatalf("retry after = %v, want 7s", rl.RetryAfter)
	}
}

func TestStreamEmitsDeltasUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		deltas := []string{"Your ", "claim ", "is filed."}
		for _, d := range deltas {
			payload, _ := json.Marshal(map[string]any{
				"choices": []any{map[string]any{
					"delta": map[string]any{"content": d},
				}},
			})
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	a := NewAdapter("k", "gpt-4o-mini")
	a.BaseURL = srv.URL
	ch, err := a.Stream(context.Background(), llm.Context{
		Messages: []map[string]any{{"role": "user", "content": "file my claim"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var got string
	for tok := range ch {
		got += tok
	}
	if got != "Your claim is filed." {
		t.Fatalf("streamed = %q", got)
	}
}

func TestRequestPayloadShape(t *testing.T) {
	a := NewAdapter("k", "gpt-4o-mini")
	a.Temperature = 0.4
	a.MaxTokens = 256
	input := llm.Context{
		Messages: []map[string]any{{"role": "user", "content": "hello"}},
		Tools:    []llm.Tool{{Name: "get_policy_info", Description: "look up a policy", Schema: map[string]any{"type": "object"}}},
	}

	payload, err := a.requestPayload(input, true)
	if err != nil {
		t.Fatalf("requestPayload: %v", err)
	}
	if payload["model"] != "gpt-4o-mini" || payload["stream"] != true {
		t.Fatalf("payload = %v", payload)
	}
	if payload["temperature"] != 0.4 || payload["max_tokens"] != 256 {
		t.Fatalf("sampling knobs = %v / %v", payload["temperature"], payload["max_tokens"])
	}
	if payload["tool_choice"] != "auto" {
		t.Fatalf("tool_choice = %v", payload["tool_choice"])
	}
	tools := payload["tools"].([]map[string]any)
	fn := tools[0]["function"].(map[string]any)
	if fn["name"] != "get_policy_info" {
		t.Fatalf("tool name = %v", fn["name"])
	}
	if _, ok := payload["stream_options"]; !ok {
		t.Fatal("stream_options missing on a streaming request")
	}

	plain, err := a.requestPayload(llm.Context{Messages: input.Messages}, false)
	if err != nil {
		t.Fatalf("requestPayload: %v", err)
	}
	if _, ok := plain["tools"]; ok {
		t.Fatal("tools present without any registered")
	}
	if _, ok := plain["stream_options"]; ok {
		t.Fatal("stream_options present on a blocking request")
	}
}

func TestRetryAfterHint(t *testing.T) {
	if d := retryAfterHint(""); d != 0 {
		t.Fatalf("empty = %v", d)
	}
	if d := retryAfterHint("12"); d != 12*time.Second {
		t.Fatalf("seconds = %v", d)
	}
	if d := retryAfterHint("not-a-hint"); d != 0 {
		t.Fatalf("garbage = %v", d)
	}
	at := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	if d := retryAfterHint(at); d <= 0 || d > 30*time.Second {
		t.Fatalf("http date = %v", d)
	}
}
