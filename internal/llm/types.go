package llm

import (
	"context"
	"sort"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of conversation memory. It doubles as the chat
// completions wire format and as the checkpoint encoding.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// NewTool builds a function tool whose parameters are all required strings.
func NewTool(name, description string, params map[string]string) Tool {
	properties := make(map[string]any, len(params))
	required := make([]string, 0, len(params))
	for param, desc := range params {
		properties[param] = map[string]any{"type": "string", "description": desc}
		required = append(required, param)
	}
	sort.Strings(required)
	return Tool{
		Type: "function",
		Function: FunctionDef{
			Name:        name,
			Description: description,
			Parameters: map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		},
	}
}

type Request struct {
	System   string
	Messages []Message
	Tools    []Tool
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Response struct {
	Message      Message
	FinishReason string
	Model        string
	Usage        Usage
}

// Completer is the single capability the rest of the system needs from a
// language model.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
