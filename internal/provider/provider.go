package provider

import "context"

// Role values for chat transcript messages sent to the model.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a structured function call returned by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Message is one transcript entry in a completion request.
// ToolCallID is set on tool-role messages, ToolCalls on assistant
// messages that requested tools.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolSpec describes one callable tool advertised to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a single completion turn.
type Request struct {
	Messages []Message
	Tools    []ToolSpec
	// ForceTool, when non-empty, constrains the model to call the named
	// tool on this turn.
	ForceTool string
	// GuidedJSON, when non-nil, asks the backend to constrain output to
	// this JSON schema.
	GuidedJSON map[string]any
}

// Usage reports token accounting for one completion.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Reply is the model's answer to a Request.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
	Provider  string
	Model     string
	Usage     Usage
}

// Provider produces chat completions.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Reply, error)
	Name() string
	Model() string
}
