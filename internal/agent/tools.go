package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sqlagent/sqlagent/internal/connector"
	"github.com/sqlagent/sqlagent/internal/errs"
	"github.com/sqlagent/sqlagent/internal/llm"
	"github.com/sqlagent/sqlagent/internal/nl2sql"
)

const (
	ToolFetchSchema = "fetch_schema"
	ToolGenerateSQL = "generate_sql"
	ToolExecuteSQL  = "execute_sql"
	ToolSummarize   = "summarize"
)

// Resources is the session-pinned view of the connector cache. cache.View
// satisfies it.
type Resources interface {
	SessionID() string
	Schema(ctx context.Context) (connector.Schema, error)
	Execute(ctx context.Context, statement string) (connector.Result, error)
	InvalidateSchema(ctx context.Context) error
}

// Tool is one capability the model may invoke. Call returns the text fed
// back to the model.
type Tool interface {
	Definition() llm.Tool
	Call(ctx context.Context, args map[string]string) (string, error)
}

// Toolset is the fixed set of tools bound to one session.
type Toolset struct {
	tools map[string]Tool
	defs  []llm.Tool
}

func NewToolset(res Resources, translator nl2sql.Translator, summarizer nl2sql.Summarizer) (*Toolset, error) {
	if res == nil {
		return nil, fmt.Errorf("resources are required")
	}
	if translator == nil || summarizer == nil {
		return nil, fmt.Errorf("translator and summarizer are required")
	}
	return newToolset(
		fetchSchemaTool{res: res},
		generateSQLTool{res: res, translator: translator},
		executeSQLTool{res: res},
		summarizeTool{summarizer: summarizer},
	), nil
}

func newToolset(tools ...Tool) *Toolset {
	set := &Toolset{tools: make(map[string]Tool, len(tools))}
	for _, tool := range tools {
		def := tool.Definition()
		set.tools[def.Function.Name] = tool
		set.defs = append(set.defs, def)
	}
	sort.Slice(set.defs, func(i, j int) bool { return set.defs[i].Function.Name < set.defs[j].Function.Name })
	return set
}

func (s *Toolset) Lookup(name string) (Tool, bool) {
	tool, ok := s.tools[name]
	return tool, ok
}

func (s *Toolset) Definitions() []llm.Tool {
	return append([]llm.Tool(nil), s.defs...)
}

func requireArg(args map[string]string, name string) (string, error) {
	value := strings.TrimSpace(args[name])
	if value == "" {
		return "", fmt.Errorf("%w: missing required argument %q", errs.ErrToolExecution, name)
	}
	return value, nil
}

type fetchSchemaTool struct {
	res Resources
}

func (fetchSchemaTool) Definition() llm.Tool {
	return llm.NewTool(ToolFetchSchema, "Fetch the database schema as JSON: schema name to table name to columns with their types.", nil)
}

func (t fetchSchemaTool) Call(ctx context.Context, _ map[string]string) (string, error) {
	schema, err := t.res.Schema(ctx)
	if err != nil {
		return "", err
	}
	if schema == nil {
		return "", fmt.Errorf("%w: schema is not available", errs.ErrToolExecution)
	}
	encoded, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("encode schema: %w", err)
	}
	return string(encoded), nil
}

type generateSQLTool struct {
	res        Resources
	translator nl2sql.Translator
}

func (generateSQLTool) Definition() llm.Tool {
	return llm.NewTool(ToolGenerateSQL, "Generate a single SQL statement that answers the question, using the current database schema.", map[string]string{
		"question": "The user's question in natural language.",
	})
}

func (t generateSQLTool) Call(ctx context.Context, args map[string]string) (string, error) {
	question, err := requireArg(args, "question")
	if err != nil {
		return "", err
	}
	schema, err := t.res.Schema(ctx)
	if err != nil {
		return "", err
	}
	result, err := t.translator.Translate(ctx, nl2sql.Request{Question: question, Schema: schema})
	if err != nil {
		return "", err
	}
	return result.SQL, nil
}

type executeSQLTool struct {
	res Resources
}

func (executeSQLTool) Definition() llm.Tool {
	return llm.NewTool(ToolExecuteSQL, "Execute one SQL statement and return the rows as JSON, or the affected row count for writes.", map[string]string{
		"query": "The SQL statement to execute.",
	})
}

func (t executeSQLTool) Call(ctx context.Context, args map[string]string) (string, error) {
	raw, err := requireArg(args, "query")
	if err != nil {
		return "", err
	}
	statement := connector.NormalizeStatement(raw)
	if statement == "" {
		return "", fmt.Errorf("%w: query is empty", errs.ErrToolExecution)
	}
	result, err := t.res.Execute(ctx, statement)
	if err != nil {
		return "", err
	}
	if !connector.IsReadOnly(statement) {
		if err := t.res.InvalidateSchema(ctx); err != nil {
			return "", err
		}
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(encoded), nil
}

type summarizeTool struct {
	summarizer nl2sql.Summarizer
}

func (summarizeTool) Definition() llm.Tool {
	return llm.NewTool(ToolSummarize, "Summarize a query result for the user in plain language.", map[string]string{
		"question": "The original question.",
		"result":   "The output of execute_sql.",
	})
}

func (t summarizeTool) Call(ctx context.Context, args map[string]string) (string, error) {
	question, err := requireArg(args, "question")
	if err != nil {
		return "", err
	}
	result, err := requireArg(args, "result")
	if err != nil {
		return "", err
	}
	raw := json.RawMessage(result)
	if !json.Valid(raw) {
		encoded, err := json.Marshal(result)
		if err != nil {
			return "", fmt.Errorf("encode result: %w", err)
		}
		raw = encoded
	}
	return t.summarizer.Summarize(ctx, nl2sql.SummaryRequest{Question: question, Result: raw})
}
