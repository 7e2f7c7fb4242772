package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/errorsx"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/llm"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/resilience"
)

const (
	DefaultModel   = "gemini-2.5-flash-lite"
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	defaultTemperature = 0.7
	defaultMaxTokens   = 1024
)

// Adapter speaks the generateContent protocol. A client-side quota
// gate fronts every request: the free tier enforces hard per-minute
// and per-day caps, and burning a server-side 429 on a call we could
// have declined locally also trips the circuit breaker for everyone
// else on the key.
type Adapter struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Client      *http.Client

	quota *QuotaGate
	obs   metrics.Observer
}

func NewAdapter(apiKey, model string) *Adapter {
	if model == "" {
		model = DefaultModel
	}
	return &Adapter{
		APIKey:      apiKey,
		Model:       model,
		BaseURL:     DefaultBaseURL,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
		Client:      &http.Client{Timeout: 60 * time.Second},
		quota:       NewQuotaGate(DefaultRequestsPerMinute, DefaultRequestsPerDay),
	}
}

func (a *Adapter) Name() string { return "gemini" }

func (a *Adapter) SetObserver(obs metrics.Observer) { a.obs = obs }

// SetQuota replaces the client-side request caps. Zero disables the
// corresponding cap.
func (a *Adapter) SetQuota(perMinute, perDay int) {
	a.quota = NewQuotaGate(perMinute, perDay)
}

func (a *Adapter) MapTools(tools []llm.Tool) (any, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	decls := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		decl := map[string]any{
			"name":        t.Name,
			"description": t.Description,
		}
		if t.Schema != nil {
			decl["parameters"] = t.Schema
		}
		decls = append(decls, decl)
	}
	return []map[string]any{{"functionDeclarations": decls}}, nil
}

func (a *Adapter) ToProviderFormat(ctx llm.Context) (any, error) {
	return a.buildRequest(ctx)
}

func (a *Adapter) FromProviderFormat(raw any) (llm.Response, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return llm.Response{}, errors.New("invalid response")
	}
	candidates, _ := m["candidates"].([]any)
	if len(candidates) == 0 {
		return llm.Response{}, errors.New("no candidates")
	}
	first, _ := candidates[0].(map[string]any)
	content, _ := first["content"].(map[string]any)
	parts, _ := content["parts"].([]any)

	var text strings.Builder
	var calls []llm.ToolCall
	for _, p := range parts {
		part, _ := p.(map[string]any)
		if t, _ := part["text"].(string); t != "" {
			text.WriteString(t)
		}
		if fc, ok := part["functionCall"].(map[string]any); ok {
			name, _ := fc["name"].(string)
			args, _ := fc["args"].(map[string]any)
			if args == nil {
				args = map[string]any{}
			}
			calls = append(calls, llm.ToolCall{Name: name, Arguments: args})
		}
	}

	resp := llm.Response{Text: text.String(), ToolCalls: calls}
	if reason, _ := first["finishReason"].(string); reason != "" {
		resp.FinishReason = reason
	}
	if model, _ := m["modelVersion"].(string); model != "" {
		resp.Model = model
	} else {
		resp.Model = a.Model
	}
	if usage, ok := m["usageMetadata"].(map[string]any); ok {
		resp.Usage = llm.Usage{
			PromptTokens:     intValue(usage["promptTokenCount"]),
			CompletionTokens: intValue(usage["candidatesTokenCount"]),
			TotalTokens:      intValue(usage["totalTokenCount"]),
		}
		resp.Tokens = resp.Usage.TotalTokens
	}
	return resp, nil
}

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	if err := a.admit(); err != nil {
		return llm.Response{}, err
	}
	body, err := a.encodeRequest(input)
	if err != nil {
		return llm.Response{}, err
	}
	url := a.baseURL() + "/models/" + a.Model + ":generateContent"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return llm.Response{}, err
	}
	a.applyHeaders(req)
	resp, err := a.client().Do(req)
	if err != nil {
		return llm.Response{}, classifyTransportError(err)
	}
	defer resp.Body.Close()
	if err := a.checkStatus(resp); err != nil {
		return llm.Response{}, err
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, err
	}
	return a.FromProviderFormat(payload)
}

func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	if err := a.admit(); err != nil {
		return nil, err
	}
	body, err := a.encodeRequest(input)
	if err != nil {
		return nil, err
	}
	url := a.baseURL() + "/models/" + a.Model + ":streamGenerateContent?alt=sse"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	a.applyHeaders(req)
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if err := a.checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	out := make(chan string, 128)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}
			var chunk map[string]any
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			for _, text := range chunkTexts(chunk) {
				select {
				case <-ctx.Done():
					return
				case out <- text:
				}
			}
		}
	}()
	return out, nil
}

// buildRequest folds the neutral chat shape into generateContent
// terms: system messages become the system instruction, assistant
// turns become model turns, and the tool round trip becomes paired
// functionCall / functionResponse parts.
func (a *Adapter) buildRequest(input llm.Context) (map[string]any, error) {
	var system []string
	var contents []map[string]any
	callNames := map[string]string{}

	for _, msg := range input.Messages {
		role, _ := msg["role"].(string)
		text, _ := msg["content"].(string)
		switch role {
		case "system":
			if text != "" {
				system = append(system, text)
			}
		case "assistant":
			if calls := asMapSlice(msg["tool_calls"]); len(calls) > 0 {
				var parts []map[string]any
				for _, call := range calls {
					fn, _ := call["function"].(map[string]any)
					name, _ := fn["name"].(string)
					if id, _ := call["id"].(string); id != "" {
						callNames[id] = name
					}
					args, _ := fn["arguments"].(map[string]any)
					if args == nil {
						args = map[string]any{}
					}
					parts = append(parts, map[string]any{
						"functionCall": map[string]any{"name": name, "args": args},
					})
				}
				contents = append(contents, map[string]any{"role": "model", "parts": parts})
				continue
			}
			if text != "" {
				contents = append(contents, textContent("model", text))
			}
		case "tool":
			id, _ := msg["tool_call_id"].(string)
			name := callNames[id]
			if name == "" {
				name = "tool"
			}
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{{
					"functionResponse": map[string]any{
						"name":     name,
						"response": map[string]any{"content": text},
					},
				}},
			})
		default:
			if text != "" {
				contents = append(contents, textContent("user", text))
			}
		}
	}

	req := map[string]any{"contents": contents}
	if len(system) > 0 {
		req["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": strings.Join(system, "\n\n")}},
		}
	}
	gen := map[string]any{}
	if a.Temperature > 0 {
		gen["temperature"] = a.Temperature
	}
	if a.MaxTokens > 0 {
		gen["maxOutputTokens"] = a.MaxTokens
	}
	if len(gen) > 0 {
		req["generationConfig"] = gen
	}
	if len(input.Tools) > 0 {
		tools, err := a.MapTools(input.Tools)
		if err != nil {
			return nil, err
		}
		req["tools"] = tools
	}
	return req, nil
}

func (a *Adapter) encodeRequest(input llm.Context) (*bytes.Buffer, error) {
	req, err := a.buildRequest(input)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (a *Adapter) admit() error {
	if a.quota == nil {
		return nil
	}
	if err := a.quota.Allow(); err != nil {
		if a.obs != nil {
			a.obs.RecordEvent(metrics.MetricsEvent{
				Name:   metrics.EventRateLimit,
				Time:   time.Now(),
				Tags:   map[string]string{"provider": "gemini", "origin": "client_quota"},
				Fields: map[string]any{"error": err.Error()},
			})
		}
		return err
	}
	return nil
}

func (a *Adapter) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		body, _ := io.ReadAll(resp.Body)
		return resilience.RateLimitError{Provider: "gemini", Message: string(body)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		body, _ := io.ReadAll(resp.Body)
		return errorsx.New(errorsx.ReasonLLMAuth, "gemini status %d: %s", resp.StatusCode, string(body))
	case resp.StatusCode == http.StatusBadRequest:
		body, _ := io.ReadAll(resp.Body)
		return errorsx.New(errorsx.ReasonLLMBadRequest, "gemini status %d: %s", resp.StatusCode, string(body))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(resp.Body)
		return errors.New("gemini status " + resp.Status + ": " + string(body))
	}
	return nil
}

func (a *Adapter) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", a.APIKey)
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

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errorsx.Wrap(err, errorsx.ReasonLLMTimeout)
	}
	return err
}

func chunkTexts(chunk map[string]any) []string {
	candidates, _ := chunk["candidates"].([]any)
	if len(candidates) == 0 {
		return nil
	}
	first, _ := candidates[0].(map[string]any)
	content, _ := first["content"].(map[string]any)
	parts, _ := content["parts"].([]any)
	var out []string
	for _, p := range parts {
		part, _ := p.(map[string]any)
		if t, _ := part["text"].(string); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func textContent(role, text string) map[string]any {
	return map[string]any{
		"role":  role,
		"parts": []map[string]any{{"text": text}},
	}
}

func asMapSlice(v any) []map[string]any {
	switch s := v.(type) {
	case []map[string]any:
		return s
	case []any:
		out := make([]map[string]any, 0, len(s))
		for _, item := range s {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
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
