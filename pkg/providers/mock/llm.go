package mock

import (
	"context"
	"sync"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/llm"
)

type LLMConfig struct {
	ResponseText string
	// Responses replays in order across calls, then repeats the last
	// entry. Takes precedence over ResponseText when set.
	Responses    []string
	ToolCalls    []llm.ToolCall
	StreamChunks []string
	Model        string
	Tokens       int
}

type LLMAdapter struct {
	cfg   LLMConfig
	mu    sync.Mutex
	calls int
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" && len(cfg.Responses) == 0 {
		cfg.ResponseText = "mock response"
	}
	if cfg.Model == "" {
		cfg.Model = "mock"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	return llm.Response{
		Text:      a.nextText(),
		ToolCalls: a.cfg.ToolCalls,
		Model:     a.cfg.Model,
		Tokens:    a.cfg.Tokens,
	}, nil
}

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	out := make(chan string, 4)
	if len(a.cfg.StreamChunks) > 0 {
		for _, chunk := range a.cfg.StreamChunks {
			out <- chunk
		}
	} else {
		out <- a.nextText()
	}
	close(out)
	return out, nil
}

func (a *LLMAdapter) MapTools(tools []llm.Tool) (any, error) {
	return nil, nil
}

func (a *LLMAdapter) ToProviderFormat(ctx llm.Context) (any, error) {
	return nil, nil
}

func (a *LLMAdapter) FromProviderFormat(raw any) (llm.Response, error) {
	return llm.Response{Text: a.nextText()}, nil
}

func (a *LLMAdapter) nextText() string {
	if len(a.cfg.Responses) == 0 {
		return a.cfg.ResponseText
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	if i >= len(a.cfg.Responses) {
		i = len(a.cfg.Responses) - 1
	}
	a.calls++
	return a.cfg.Responses[i]
}

var _ llm.LLMAdapter = (*LLMAdapter)(nil)
