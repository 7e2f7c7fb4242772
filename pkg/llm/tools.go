package llm

// ToolRegistry supplies tool definitions for the adapter and executes
// tool calls the model makes. HandleTool returns the raw result string:
// structured tools return JSON, older ones plain text.
type ToolRegistry interface {
	Tools() []Tool
	HandleTool(name string, args map[string]any) (string, error)
}
