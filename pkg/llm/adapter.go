// Package llm defines the provider-neutral language model contract:
// adapters translate between this package's types and each vendor's
// wire format, and the retry and breaker wrappers compose around any
// adapter.
package llm

import "context"

// Tool describes one callable function offered to the model. Schema is
// a JSON-schema value in whatever shape the provider expects.
type Tool struct {
	Name        string
	Description string
	Schema      any
}

// Context is the full request: prior messages plus the tools the model
// may call. Messages use the role/content map shape shared by the
// OpenAI and Gemini wire formats.
type Context struct {
	Messages []map[string]any
	Tools    []Tool
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a completed generation. ToolCalls is non-empty when the
// model chose to call instead of answer.
type Response struct {
	Text         string
	Tokens       int
	Usage        Usage
	Model        string
	FinishReason string
	ToolCalls    []ToolCall
}

// LLMAdapter is implemented once per provider. The mapping methods are
// exposed so wrappers can forward them and tests can exercise format
// conversion without a network.
type LLMAdapter interface {
	Generate(ctx context.Context, input Context) (Response, error)
	Stream(ctx context.Context, input Context) (<-chan string, error)
	MapTools(tools []Tool) (providerTools any, err error)
	ToProviderFormat(ctx Context) (any, error)
	FromProviderFormat(raw any) (Response, error)
	Name() string
}

// ToolCall is the model asking for a function invocation. Arguments
// arrive already decoded from the provider's JSON.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}
