package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/llm"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/resilience"
)

const DefaultBaseURL = "https://api.openai.com/v1"

// Adapter speaks the chat-completions protocol. Tokens and model come
// back on every response so the turn layer can report cost per turn.
type Adapter struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Client      *http.Client
}

func NewAdapter(apiKey, model string) *Adapter {
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: DefaultBaseURL,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) MapTools(tools []llm.Tool) (any, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		fn := map[string]any{
			"name":        t.Name,
			"description": t.Description,
		}
		if t.Schema != nil {
			fn["parameters"] = t.Schema
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
	}
	return out, nil
}

func (a *Adapter) ToProviderFormat(ctx llm.Context) (any, error) {
	return a.requestPayload(ctx, false)
}

func (a *Adapter) FromProviderFormat(raw any) (llm.Response, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return llm.Response{}, errors.New("invalid response")
	}
	choices, _ := m["choices"].([]any)
	if len(choices) == 0 {
		return llm.Response{}, errors.New("no choices")
	}
	first, _ := choices[0].(map[string]any)
	msg, _ := first["message"].(map[string]any)

	resp := llm.Response{Model: a.Model}
	resp.Text, _ = msg["content"].(string)
	resp.FinishReason, _ = first["finish_reason"].(string)
	if model, _ := m["model"].(string); model != "" {
		resp.Model = model
	}
	resp.Usage = parseUsage(m["usage"])
	resp.Tokens = resp.Usage.TotalTokens
	resp.ToolCalls = parseToolCalls(msg["tool_calls"])
	return resp, nil
}

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	resp, err := a.post(ctx, input, false)
	if err != nil {
		return llm.Response{}, err
	}
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, err
	}
	return a.FromProviderFormat(payload)
}

func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	resp, err := a.post(ctx, input, true)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 128)
	go relayDeltas(ctx, resp.Body, out)
	return out, nil
}

// post sends one chat-completions request. On a non-2xx status the
// body is folded into the returned error and the response is closed.
func (a *Adapter) post(ctx context.Context, input llm.Context, stream bool) (*http.Response, error) {
	body, err := a.encodeRequest(input, stream)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL()+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// requestPayload assembles the request body. Sampling knobs are sent
// only when set so the service defaults apply otherwise.
func (a *Adapter) requestPayload(input llm.Context, stream bool) (map[string]any, error) {
	payload := map[string]any{
		"model":    a.Model,
		"stream":   stream,
		"messages": input.Messages,
	}
	if a.Temperature > 0 {
		payload["temperature"] = a.Temperature
	}
	if a.MaxTokens > 0 {
		payload["max_tokens"] = a.MaxTokens
	}
	if len(input.Tools) > 0 {
		tools, err := a.MapTools(input.Tools)
		if err != nil {
			return nil, err
		}
		payload["tools"] = tools
		payload["tool_choice"] = "auto"
	}
	if stream {
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	return payload, nil
}

func (a *Adapter) encodeRequest(input llm.Context, stream bool) (*bytes.Buffer, error) {
	payload, err := a.requestPayload(input, stream)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (a *Adapter) baseURL() string {
	if a.BaseURL != "" {
		return strings.TrimSuffix(a.BaseURL, "/")
	}
	return DefaultBaseURL
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

// relayDeltas copies SSE content deltas onto out until the stream ends
// or ctx is cancelled. It owns both the body and the channel.
func relayDeltas(ctx context.Context, body io.ReadCloser, out chan<- string) {
	defer body.Close()
	defer close(out)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := ssePayload(scanner.Text())
		if !ok {
			continue
		}
		if data == "[DONE]" {
			return
		}
		var chunk map[string]any
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		text := deltaText(chunk)
		if text == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case out <- text:
		}
	}
}

func ssePayload(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}

func deltaText(chunk map[string]any) string {
	choices, _ := chunk["choices"].([]any)
	if len(choices) == 0 {
		return ""
	}
	first, _ := choices[0].(map[string]any)
	delta, _ := first["delta"].(map[string]any)
	text, _ := delta["content"].(string)
	return text
}

// parseToolCalls decodes the tool_calls array. Arguments arrive as a
// JSON string on the wire; a call with unparseable arguments keeps an
// empty map so the dispatcher can still report the call by name.
func parseToolCalls(raw any) []llm.ToolCall {
	items, _ := raw.([]any)
	var calls []llm.ToolCall
	for _, item := range items {
		call, _ := item.(map[string]any)
		fn, _ := call["function"].(map[string]any)
		args := map[string]any{}
		if argsRaw, _ := fn["arguments"].(string); argsRaw != "" {
			_ = json.Unmarshal([]byte(argsRaw), &args)
		}
		calls = append(calls, llm.ToolCall{
			ID:        stringValue(call["id"]),
			Name:      stringValue(fn["name"]),
			Arguments: args,
		})
	}
	return calls
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		return resilience.RateLimitError{
			Provider:   "openai",
			Message:    string(body),
			RetryAfter: retryAfterHint(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("openai status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// retryAfterHint parses a Retry-After header, either delay-seconds or
// an HTTP date. Zero means the header was absent or unparseable.
func retryAfterHint(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func parseUsage(raw any) llm.Usage {
	m, ok := raw.(map[string]any)
	if !ok {
		return llm.Usage{}
	}
	return llm.Usage{
		PromptTokens:     intValue(m["prompt_tokens"]),
		CompletionTokens: intValue(m["completion_tokens"]),
		TotalTokens:      intValue(m["total_tokens"]),
	}
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func intValue(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

var _ llm.LLMAdapter = (*Adapter)(nil)
