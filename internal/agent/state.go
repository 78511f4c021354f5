// Package agent drives one conversation turn: it alternates between asking
// the language model for the next action and running the tool it names,
// until the model answers in plain text or the step bound is reached.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sqlagent/sqlagent/internal/errs"
	"github.com/sqlagent/sqlagent/internal/llm"
)

type State string

const (
	StateThinking State = "THINKING"
	StateToolCall State = "TOOL_CALL"
	StateToolExec State = "TOOL_EXEC"
	StateDone     State = "DONE"
	StateFailed   State = "FAILED"
)

// Action is the decoded model output. Exactly one of ToolCall and Final is
// set.
type Action struct {
	ToolCall *ToolCall
	Final    *FinalAnswer
}

type ToolCall struct {
	ID   string
	Name string
	// RawArgs is the arguments string exactly as the model produced it.
	RawArgs string
}

type FinalAnswer struct {
	Text string
}

// Invocation records one tool call of a turn. It is returned to the caller
// and never persisted.
type Invocation struct {
	Tool   string            `json:"tool"`
	Input  map[string]string `json:"input,omitempty"`
	Output string            `json:"output,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// decodeAction turns a model reply into an Action. Only the first tool
// call is honoured.
func decodeAction(msg llm.Message) (Action, error) {
	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0]
		return Action{ToolCall: &ToolCall{
			ID:      call.ID,
			Name:    call.Function.Name,
			RawArgs: call.Function.Arguments,
		}}, nil
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return Action{}, fmt.Errorf("%w: model returned neither a tool call nor an answer", errs.ErrUpstream)
	}
	return Action{Final: &FinalAnswer{Text: text}}, nil
}

// parseArgs decodes tool arguments into strings. Non-string JSON values are
// kept in their JSON form so a result object can be passed through intact.
func parseArgs(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]string{}, nil
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("%w: arguments are not a JSON object: %v", errs.ErrToolExecution, err)
	}
	out := make(map[string]string, len(decoded))
	for key, value := range decoded {
		var text string
		if err := json.Unmarshal(value, &text); err == nil {
			out[key] = text
			continue
		}
		out[key] = string(value)
	}
	return out, nil
}
