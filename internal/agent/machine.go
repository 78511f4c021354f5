package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sqlagent/sqlagent/internal/errs"
	"github.com/sqlagent/sqlagent/internal/llm"
	"github.com/sqlagent/sqlagent/internal/observability"
	"github.com/sqlagent/sqlagent/internal/store"
)

const DefaultMaxSteps = 10

type Config struct {
	SessionID string
	// MaxSteps bounds the number of model calls in one turn.
	MaxSteps int
	// SystemPrompt overrides the built-in agent instruction.
	SystemPrompt string
}

// Result is the outcome of one turn. On failure it still carries the trace
// and the invocations made before the failure.
type Result struct {
	Answer      string       `json:"answer"`
	Steps       int          `json:"steps"`
	Trace       []State      `json:"trace"`
	Invocations []Invocation `json:"invocations"`
}

// Machine runs turns for one session. It is not safe for concurrent use;
// callers serialize turns per session.
type Machine struct {
	sessionID   string
	completer   llm.Completer
	tools       *Toolset
	checkpoints store.CheckpointStore
	maxSteps    int
	system      string
	logger      *slog.Logger
	now         func() time.Time
}

func NewMachine(cfg Config, completer llm.Completer, tools *Toolset, checkpoints store.CheckpointStore, logger *slog.Logger) (*Machine, error) {
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	if tools == nil {
		return nil, fmt.Errorf("toolset is required")
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = systemPrompt
	}
	return &Machine{
		sessionID:   cfg.SessionID,
		completer:   completer,
		tools:       tools,
		checkpoints: checkpoints,
		maxSteps:    maxSteps,
		system:      system,
		logger:      observability.LoggerOrDefault(logger),
		now:         time.Now,
	}, nil
}

// turn holds the mutable state of one Run call.
type turn struct {
	memory []llm.Message
	result Result
}

func (t *turn) enter(state State) {
	t.result.Trace = append(t.result.Trace, state)
}

// Run answers one question. Memory is loaded from the checkpoint first and
// saved only when the turn reaches DONE.
func (m *Machine) Run(ctx context.Context, question string) (Result, error) {
	started := m.now()
	ctx = observability.ContextWithSessionID(ctx, m.sessionID)
	logger := m.logger.With(observability.RequestAttrs(ctx)...)

	t, err := m.run(ctx, logger, question)
	outcome := "done"
	if err != nil {
		t.enter(StateFailed)
		outcome = strings.ToLower(errs.Kind(err))
		logger.Warn("turn failed",
			slog.String("error_kind", errs.Kind(err)),
			slog.Int("steps", t.result.Steps),
			slog.Any("error", err))
	} else {
		logger.Info("turn completed", slog.Int("steps", t.result.Steps), slog.Int("tool_calls", len(t.result.Invocations)))
	}
	observability.ObserveTurn(outcome, t.result.Steps, m.now().Sub(started))
	return t.result, err
}

func (m *Machine) run(ctx context.Context, logger *slog.Logger, question string) (*turn, error) {
	t := &turn{}
	question = strings.TrimSpace(question)
	if question == "" {
		return t, fmt.Errorf("%w: question is required", errs.ErrToolExecution)
	}

	memory, err := m.loadMemory(ctx)
	if err != nil {
		return t, err
	}
	t.memory = append(memory, llm.Message{Role: llm.RoleUser, Content: question})

	for t.result.Steps < m.maxSteps {
		t.enter(StateThinking)
		t.result.Steps++

		resp, err := m.completer.Complete(ctx, llm.Request{
			System:   m.system,
			Messages: t.memory,
			Tools:    m.tools.Definitions(),
		})
		if err != nil {
			return t, err
		}
		action, err := decodeAction(resp.Message)
		if err != nil {
			return t, err
		}

		if action.Final != nil {
			t.memory = append(t.memory, llm.Message{Role: llm.RoleAssistant, Content: action.Final.Text})
			t.result.Answer = action.Final.Text
			if err := m.saveMemory(ctx, t.memory); err != nil {
				return t, err
			}
			t.enter(StateDone)
			return t, nil
		}

		t.enter(StateToolCall)
		call := *action.ToolCall
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		tool, ok := m.tools.Lookup(call.Name)
		if !ok {
			observability.ObserveToolCall(call.Name, "not_found")
			t.result.Invocations = append(t.result.Invocations, Invocation{Tool: call.Name, Error: "unknown tool"})
			return t, fmt.Errorf("%w: %q", errs.ErrToolNotFound, call.Name)
		}

		// Only the honoured call is kept so every tool_call id in memory
		// has a matching tool message.
		t.memory = append(t.memory, llm.Message{
			Role:    llm.RoleAssistant,
			Content: resp.Message.Content,
			ToolCalls: []llm.ToolCall{{
				ID:       call.ID,
				Type:     "function",
				Function: llm.FunctionCall{Name: call.Name, Arguments: call.RawArgs},
			}},
		})

		t.enter(StateToolExec)
		output, err := m.invoke(ctx, logger, tool, call, t)
		if err != nil {
			return t, err
		}
		t.memory = append(t.memory, llm.Message{
			Role:       llm.RoleTool,
			Name:       call.Name,
			ToolCallID: call.ID,
			Content:    output,
		})
	}
	return t, fmt.Errorf("%w: no answer after %d model calls", errs.ErrStepLimitExceeded, m.maxSteps)
}

// invoke runs one tool. Recoverable failures come back as "Error: ..." text
// for the model; fatal ones end the turn.
func (m *Machine) invoke(ctx context.Context, logger *slog.Logger, tool Tool, call ToolCall, t *turn) (string, error) {
	invocation := Invocation{Tool: call.Name}
	args, err := parseArgs(call.RawArgs)
	if err == nil {
		invocation.Input = args
		var output string
		output, err = tool.Call(ctx, args)
		if err == nil {
			invocation.Output = output
			t.result.Invocations = append(t.result.Invocations, invocation)
			observability.ObserveToolCall(call.Name, "ok")
			logger.Debug("tool call succeeded", slog.String("tool", call.Name))
			return output, nil
		}
	}

	invocation.Error = err.Error()
	t.result.Invocations = append(t.result.Invocations, invocation)
	if errs.IsFatal(err) || ctx.Err() != nil {
		observability.ObserveToolCall(call.Name, "fatal")
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return "", fmt.Errorf("tool %s: %w", call.Name, err)
	}
	observability.ObserveToolCall(call.Name, "error")
	logger.Info("tool call failed, returning error to model", slog.String("tool", call.Name), slog.Any("error", err))
	return "Error: " + err.Error(), nil
}

func (m *Machine) loadMemory(ctx context.Context) ([]llm.Message, error) {
	cp, err := m.checkpoints.LoadCheckpoint(ctx, m.sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agent: load checkpoint: %w", err)
	}
	memory := make([]llm.Message, 0, len(cp.Messages)+1)
	for _, msg := range cp.Messages {
		if msg.Role == llm.RoleSystem {
			continue
		}
		memory = append(memory, msg)
	}
	return memory, nil
}

func (m *Machine) saveMemory(ctx context.Context, memory []llm.Message) error {
	err := m.checkpoints.SaveCheckpoint(ctx, store.Checkpoint{
		SessionID: m.sessionID,
		Messages:  memory,
		UpdatedAt: m.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("agent: save checkpoint: %w", err)
	}
	return nil
}
