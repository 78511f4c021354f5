package nl2sql

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sqlagent/sqlagent/internal/connector"
	"github.com/sqlagent/sqlagent/internal/errs"
	"github.com/sqlagent/sqlagent/internal/llm"
)

const generatorSystemPrompt = "You are a helpful AI assistant that generates SQL queries. " +
	"Use the provided database schema and question to generate a valid SQL query. " +
	"IMPORTANT RULES: " +
	"1. Return ONLY the SQL query without any markdown formatting, explanations, or code blocks. " +
	"2. Do not include ```sql or ``` markers. " +
	"3. ALWAYS use the existing schemas and tables from the provided schema. " +
	"4. If creating new tables, use the default schema of the database. " +
	"5. Only work with the tables and columns that exist in the provided schema. " +
	"6. Output a single statement."

const summarySystemPrompt = "You are an expert SQL assistant. Provide a concise summary of the SQL query results. " +
	"Focus on the key insights and avoid unnecessary technical jargon."

// LLMTranslator generates SQL with one completion call.
type LLMTranslator struct {
	completer llm.Completer
	model     string
}

func NewLLMTranslator(completer llm.Completer, model string) (*LLMTranslator, error) {
	if completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	return &LLMTranslator{completer: completer, model: model}, nil
}

func (t *LLMTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Result{}, fmt.Errorf("%w: question is required", errs.ErrToolExecution)
	}
	schemaJSON, err := json.Marshal(req.Schema)
	if err != nil {
		return Result{}, fmt.Errorf("marshal schema: %w", err)
	}
	resp, err := t.completer.Complete(ctx, llm.Request{
		System: generatorSystemPrompt + " Database Schema: " + string(schemaJSON),
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "Question: " + question},
		},
	})
	if err != nil {
		return Result{}, err
	}
	sql := connector.NormalizeStatement(resp.Message.Content)
	if sql == "" {
		return Result{}, fmt.Errorf("%w: model returned empty SQL", errs.ErrUpstream)
	}
	model := resp.Model
	if model == "" {
		model = t.model
	}
	return Result{SQL: sql, Model: model}, nil
}

// LLMSummarizer summarizes a result set with one completion call.
type LLMSummarizer struct {
	completer llm.Completer
}

func NewLLMSummarizer(completer llm.Completer) (*LLMSummarizer, error) {
	if completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	return &LLMSummarizer{completer: completer}, nil
}

func (s *LLMSummarizer) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	result := strings.TrimSpace(string(req.Result))
	if result == "" {
		return "", fmt.Errorf("%w: result is required", errs.ErrToolExecution)
	}
	resp, err := s.completer.Complete(ctx, llm.Request{
		System: summarySystemPrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("Given the question: %s and the SQL query result: %s, provide a brief summary.", strings.TrimSpace(req.Question), result),
		}},
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Message.Content)
	if summary == "" {
		return "", fmt.Errorf("%w: model returned empty summary", errs.ErrUpstream)
	}
	return summary, nil
}
