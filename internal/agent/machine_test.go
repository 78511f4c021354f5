package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/sqlagent/sqlagent/internal/connector"
	"github.com/sqlagent/sqlagent/internal/errs"
	"github.com/sqlagent/sqlagent/internal/llm"
	"github.com/sqlagent/sqlagent/internal/nl2sql"
	"github.com/sqlagent/sqlagent/internal/store"
	"github.com/sqlagent/sqlagent/internal/store/memory"
)

type scriptedCompleter struct {
	replies  []llm.Message
	errAt    map[int]error
	requests []llm.Request
}

func (c *scriptedCompleter) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	call := len(c.requests)
	c.requests = append(c.requests, llm.Request{
		System:   req.System,
		Messages: append([]llm.Message(nil), req.Messages...),
		Tools:    req.Tools,
	})
	if err, ok := c.errAt[call]; ok {
		return llm.Response{}, err
	}
	if call >= len(c.replies) {
		return llm.Response{Message: c.replies[len(c.replies)-1]}, nil
	}
	return llm.Response{Message: c.replies[call]}, nil
}

func toolReply(id, name string, args map[string]string) llm.Message {
	encoded, _ := json.Marshal(args)
	return llm.Message{
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{
			ID:       id,
			Type:     "function",
			Function: llm.FunctionCall{Name: name, Arguments: string(encoded)},
		}},
	}
}

func answer(text string) llm.Message {
	return llm.Message{Role: llm.RoleAssistant, Content: text}
}

type fakeResources struct {
	schema      connector.Schema
	schemaErr   error
	execErr     error
	executed    []string
	invalidated int
}

func (r *fakeResources) SessionID() string { return "s1" }

func (r *fakeResources) Schema(context.Context) (connector.Schema, error) {
	return r.schema, r.schemaErr
}

func (r *fakeResources) Execute(_ context.Context, statement string) (connector.Result, error) {
	r.executed = append(r.executed, statement)
	if r.execErr != nil {
		return connector.Result{}, r.execErr
	}
	if !connector.ReturnsRows(statement) {
		return connector.Result{Mutation: true, AffectedRows: 1, Message: "1 row(s) affected"}, nil
	}
	return connector.Result{
		Columns: []string{"count"},
		Rows:    []map[string]any{{"count": int64(3)}},
	}, nil
}

func (r *fakeResources) InvalidateSchema(context.Context) error {
	r.invalidated++
	return nil
}

type fakeTranslator struct {
	sql       string
	questions []string
}

func (t *fakeTranslator) Translate(_ context.Context, req nl2sql.Request) (nl2sql.Result, error) {
	t.questions = append(t.questions, req.Question)
	return nl2sql.Result{SQL: t.sql, Model: "test"}, nil
}

type fakeSummarizer struct {
	last nl2sql.SummaryRequest
}

func (s *fakeSummarizer) Summarize(_ context.Context, req nl2sql.SummaryRequest) (string, error) {
	s.last = req
	return "There are 3 orders.", nil
}

type harness struct {
	completer  *scriptedCompleter
	res        *fakeResources
	translator *fakeTranslator
	summarizer *fakeSummarizer
	repo       *memory.Repository
	machine    *Machine
}

func newHarness(t *testing.T, maxSteps int, replies ...llm.Message) *harness {
	t.Helper()
	h := &harness{
		completer:  &scriptedCompleter{replies: replies},
		res:        &fakeResources{schema: connector.Schema{"public": {"orders": {{Name: "id", Type: "integer"}}}}},
		translator: &fakeTranslator{sql: "SELECT COUNT(*) FROM orders;"},
		summarizer: &fakeSummarizer{},
		repo:       memory.New(),
	}
	if _, err := h.repo.CreateSession(context.Background(), store.Session{ID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	tools, err := NewToolset(h.res, h.translator, h.summarizer)
	if err != nil {
		t.Fatalf("NewToolset() error = %v", err)
	}
	h.machine, err = NewMachine(Config{SessionID: "s1", MaxSteps: maxSteps}, h.completer, tools, h.repo, nil)
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}
	return h
}

func traceOf(states ...State) []State {
	return states
}

func TestRunHappyPathVisitsEveryTool(t *testing.T) {
	h := newHarness(t, 0,
		toolReply("c1", ToolFetchSchema, nil),
		toolReply("c2", ToolGenerateSQL, map[string]string{"question": "How many orders?"}),
		toolReply("c3", ToolExecuteSQL, map[string]string{"query": "```sql\nSELECT COUNT(*)\n  FROM orders\n```"}),
		toolReply("c4", ToolSummarize, map[string]string{"question": "How many orders?", "result": `{"columns":["count"],"rows":[{"count":3}],"row_count":1}`}),
		answer("There are 3 orders."),
	)

	result, err := h.machine.Run(context.Background(), "How many orders?")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Answer != "There are 3 orders." {
		t.Fatalf("Answer = %q", result.Answer)
	}
	if result.Steps != 5 {
		t.Fatalf("Steps = %d", result.Steps)
	}
	want := traceOf(
		StateThinking, StateToolCall, StateToolExec,
		StateThinking, StateToolCall, StateToolExec,
		StateThinking, StateToolCall, StateToolExec,
		StateThinking, StateToolCall, StateToolExec,
		StateThinking, StateDone,
	)
	if !reflect.DeepEqual(result.Trace, want) {
		t.Fatalf("Trace = %v, want %v", result.Trace, want)
	}
	if len(result.Invocations) != 4 {
		t.Fatalf("Invocations = %+v", result.Invocations)
	}
	if got := h.res.executed; len(got) != 1 || got[0] != "SELECT COUNT(*) FROM orders;" {
		t.Fatalf("executed = %#v", got)
	}
	if h.res.invalidated != 0 {
		t.Fatalf("read statement invalidated schema %d times", h.res.invalidated)
	}
	if string(h.summarizer.last.Result) != `{"columns":["count"],"rows":[{"count":3}],"row_count":1}` {
		t.Fatalf("summary result = %s", h.summarizer.last.Result)
	}
	if len(h.completer.requests) != 5 || len(h.completer.requests[0].Tools) != 4 {
		t.Fatalf("requests = %d", len(h.completer.requests))
	}
	if !strings.Contains(h.completer.requests[0].System, "fetch_schema") {
		t.Fatalf("system prompt = %q", h.completer.requests[0].System)
	}

	cp, err := h.repo.LoadCheckpoint(context.Background(), "s1")
	if err != nil {
		t.Fatalf("LoadCheckpoint() error = %v", err)
	}
	if len(cp.Messages) != 10 {
		t.Fatalf("checkpoint has %d messages, want 10", len(cp.Messages))
	}
	if cp.Messages[0].Role != llm.RoleUser || cp.Messages[9].Content != "There are 3 orders." {
		t.Fatalf("checkpoint = %+v", cp.Messages)
	}
	if cp.Messages[2].Role != llm.RoleTool || cp.Messages[2].ToolCallID != "c1" {
		t.Fatalf("tool message = %+v", cp.Messages[2])
	}
}

func TestRunFeedsToolErrorsBackToModel(t *testing.T) {
	h := newHarness(t, 0,
		toolReply("c1", ToolExecuteSQL, map[string]string{"query": "SELECT * FROM missing"}),
		answer("That table does not exist."),
	)
	h.res.execErr = fmt.Errorf("%w: relation \"missing\" does not exist", errs.ErrToolExecution)

	result, err := h.machine.Run(context.Background(), "show missing")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Answer != "That table does not exist." {
		t.Fatalf("Answer = %q", result.Answer)
	}
	second := h.completer.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || !strings.HasPrefix(last.Content, "Error: ") || !strings.Contains(last.Content, "does not exist") {
		t.Fatalf("tool message = %+v", last)
	}
	if result.Invocations[0].Error == "" {
		t.Fatalf("invocation = %+v", result.Invocations[0])
	}
}

func TestRunRecoversFromMalformedArguments(t *testing.T) {
	bad := llm.Message{
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{
			ID:       "c1",
			Type:     "function",
			Function: llm.FunctionCall{Name: ToolGenerateSQL, Arguments: "{not json"},
		}},
	}
	h := newHarness(t, 0, bad, toolReply("c2", ToolGenerateSQL, map[string]string{}), answer("Please rephrase."))

	result, err := h.machine.Run(context.Background(), "q")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Steps != 3 || len(result.Invocations) != 2 {
		t.Fatalf("result = %+v", result)
	}
	for _, inv := range result.Invocations {
		if inv.Error == "" {
			t.Fatalf("invocation should have failed: %+v", inv)
		}
	}
	if len(h.translator.questions) != 0 {
		t.Fatalf("translator called with %v", h.translator.questions)
	}
}

func TestRunStepLimit(t *testing.T) {
	h := newHarness(t, 3, toolReply("", ToolFetchSchema, nil))

	result, err := h.machine.Run(context.Background(), "loop forever")
	if !errors.Is(err, errs.ErrStepLimitExceeded) {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Steps != 3 || len(h.completer.requests) != 3 {
		t.Fatalf("Steps = %d, requests = %d", result.Steps, len(h.completer.requests))
	}
	if result.Trace[len(result.Trace)-1] != StateFailed {
		t.Fatalf("Trace = %v", result.Trace)
	}
	if _, err := h.repo.LoadCheckpoint(context.Background(), "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed turn wrote a checkpoint: %v", err)
	}
}

func TestRunDefaultStepBoundIsTen(t *testing.T) {
	h := newHarness(t, 0, toolReply("", ToolFetchSchema, nil))
	result, err := h.machine.Run(context.Background(), "loop forever")
	if !errors.Is(err, errs.ErrStepLimitExceeded) || result.Steps != DefaultMaxSteps {
		t.Fatalf("Run() = %+v, %v", result, err)
	}
}

func TestRunAccumulatesMemoryAcrossTurns(t *testing.T) {
	h := newHarness(t, 0, answer("Hello."), answer("You said hi."))

	if _, err := h.machine.Run(context.Background(), "hi"); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if _, err := h.machine.Run(context.Background(), "what did I say?"); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	second := h.completer.requests[1].Messages
	wantRoles := []string{llm.RoleUser, llm.RoleAssistant, llm.RoleUser}
	if len(second) != len(wantRoles) {
		t.Fatalf("second turn messages = %+v", second)
	}
	for i, role := range wantRoles {
		if second[i].Role != role {
			t.Fatalf("message %d role = %q, want %q", i, second[i].Role, role)
		}
	}
	cp, _ := h.repo.LoadCheckpoint(context.Background(), "s1")
	if len(cp.Messages) != 4 {
		t.Fatalf("checkpoint = %+v", cp.Messages)
	}
}

func TestRunUnknownToolFails(t *testing.T) {
	h := newHarness(t, 0, toolReply("c1", "drop_database", nil))

	result, err := h.machine.Run(context.Background(), "q")
	if !errors.Is(err, errs.ErrToolNotFound) {
		t.Fatalf("Run() error = %v", err)
	}
	want := traceOf(StateThinking, StateToolCall, StateFailed)
	if !reflect.DeepEqual(result.Trace, want) {
		t.Fatalf("Trace = %v, want %v", result.Trace, want)
	}
}

func TestRunNotBoundIsFatal(t *testing.T) {
	h := newHarness(t, 0, toolReply("c1", ToolFetchSchema, nil), answer("unreachable"))
	h.res.schemaErr = errs.ErrNotBound

	result, err := h.machine.Run(context.Background(), "q")
	if !errors.Is(err, errs.ErrNotBound) {
		t.Fatalf("Run() error = %v", err)
	}
	if len(h.completer.requests) != 1 {
		t.Fatalf("model called %d times after fatal error", len(h.completer.requests))
	}
	want := traceOf(StateThinking, StateToolCall, StateToolExec, StateFailed)
	if !reflect.DeepEqual(result.Trace, want) {
		t.Fatalf("Trace = %v, want %v", result.Trace, want)
	}
}

func TestRunCacheUnavailableWrappedAsToolErrorIsStillFatal(t *testing.T) {
	h := newHarness(t, 0, toolReply("c1", ToolExecuteSQL, map[string]string{"query": "SELECT 1"}), answer("unreachable"))
	h.res.execErr = fmt.Errorf("%w: %w", errs.ErrToolExecution, errs.ErrCacheUnavailable)

	if _, err := h.machine.Run(context.Background(), "q"); !errors.Is(err, errs.ErrCacheUnavailable) {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunUpstreamErrorIsFatal(t *testing.T) {
	h := newHarness(t, 0, answer("unused"))
	h.completer.errAt = map[int]error{0: fmt.Errorf("%w: 503", errs.ErrUpstream)}

	result, err := h.machine.Run(context.Background(), "q")
	if !errors.Is(err, errs.ErrUpstream) {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Steps != 1 {
		t.Fatalf("Steps = %d", result.Steps)
	}
}

func TestRunEmptyModelReplyIsUpstreamError(t *testing.T) {
	h := newHarness(t, 0, answer("   "))
	if _, err := h.machine.Run(context.Background(), "q"); !errors.Is(err, errs.ErrUpstream) {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunCanceledContextDuringToolIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, 0, toolReply("c1", ToolExecuteSQL, map[string]string{"query": "SELECT pg_sleep(10)"}), answer("unreachable"))
	h.res.execErr = fmt.Errorf("%w: statement aborted", errs.ErrToolExecution)
	cancel()

	_, err := h.machine.Run(ctx, "q")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v", err)
	}
	if errs.Kind(err) == errs.KindToolExecution {
		t.Fatalf("Kind() = %s", errs.Kind(err))
	}
}

func TestRunWriteInvalidatesSchema(t *testing.T) {
	h := newHarness(t, 0,
		toolReply("c1", ToolExecuteSQL, map[string]string{"query": "CREATE TABLE t (id INT)"}),
		answer("Created."),
	)
	result, err := h.machine.Run(context.Background(), "make a table")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.res.invalidated != 1 {
		t.Fatalf("invalidated = %d", h.res.invalidated)
	}
	if !strings.Contains(result.Invocations[0].Output, `"affected_rows":1`) {
		t.Fatalf("output = %s", result.Invocations[0].Output)
	}
}

func TestRunHonoursOnlyFirstToolCall(t *testing.T) {
	reply := toolReply("c1", ToolFetchSchema, nil)
	reply.ToolCalls = append(reply.ToolCalls, llm.ToolCall{ID: "c2", Type: "function", Function: llm.FunctionCall{Name: ToolExecuteSQL, Arguments: `{"query":"DELETE FROM orders"}`}})
	h := newHarness(t, 0, reply, answer("done"))

	if _, err := h.machine.Run(context.Background(), "q"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(h.res.executed) != 0 {
		t.Fatalf("second tool call executed: %v", h.res.executed)
	}
	msgs := h.completer.requests[1].Messages
	assistant := msgs[len(msgs)-2]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "c1" {
		t.Fatalf("assistant message = %+v", assistant)
	}
}

func TestRunAssignsMissingToolCallIDs(t *testing.T) {
	h := newHarness(t, 0, toolReply("", ToolFetchSchema, nil), answer("ok"))
	if _, err := h.machine.Run(context.Background(), "q"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	msgs := h.completer.requests[1].Messages
	toolMsg := msgs[len(msgs)-1]
	if !strings.HasPrefix(toolMsg.ToolCallID, "call_") || msgs[len(msgs)-2].ToolCalls[0].ID != toolMsg.ToolCallID {
		t.Fatalf("tool call ids do not match: %+v", msgs)
	}
}

func TestRunRejectsEmptyQuestion(t *testing.T) {
	h := newHarness(t, 0, answer("unused"))
	if _, err := h.machine.Run(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty question")
	}
	if len(h.completer.requests) != 0 {
		t.Fatal("model should not be called")
	}
}

func TestNewMachineValidatesDependencies(t *testing.T) {
	tools := newToolset()
	if _, err := NewMachine(Config{}, &scriptedCompleter{}, tools, memory.New(), nil); err == nil {
		t.Fatal("expected error for missing session id")
	}
	if _, err := NewMachine(Config{SessionID: "s"}, nil, tools, memory.New(), nil); err == nil {
		t.Fatal("expected error for missing completer")
	}
	if _, err := NewMachine(Config{SessionID: "s"}, &scriptedCompleter{}, tools, nil, nil); err == nil {
		t.Fatal("expected error for missing checkpoint store")
	}
}
