// Package nl2sql holds the two single-shot language model tools: turning a
// question into SQL and turning a result set back into prose.
package nl2sql

import (
	"context"
	"encoding/json"

	"github.com/sqlagent/sqlagent/internal/connector"
)

type Request struct {
	Question string           `json:"question"`
	Schema   connector.Schema `json:"schema"`
}

type Result struct {
	SQL   string `json:"sql"`
	Model string `json:"model"`
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

type SummaryRequest struct {
	Question string          `json:"question"`
	Result   json.RawMessage `json:"result"`
}

type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}
