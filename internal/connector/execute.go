package connector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sqlagent/sqlagent/internal/errs"
)

const mutationMessage = "Query executed successfully"

// Result is either a row set or a mutation summary.
type Result struct {
	Mutation     bool
	Columns      []string
	Rows         []map[string]any
	Truncated    bool
	AffectedRows int64
	Message      string
	Duration     time.Duration
}

func (r Result) MarshalJSON() ([]byte, error) {
	if r.Mutation {
		return json.Marshal(struct {
			AffectedRows int64  `json:"affected_rows"`
			Message      string `json:"message"`
		}{r.AffectedRows, r.Message})
	}
	rows := r.Rows
	if rows == nil {
		rows = []map[string]any{}
	}
	return json.Marshal(struct {
		Columns   []string         `json:"columns"`
		Rows      []map[string]any `json:"rows"`
		RowCount  int              `json:"row_count"`
		Truncated bool             `json:"truncated,omitempty"`
	}{r.Columns, rows, len(rows), r.Truncated})
}

var (
	readKeywords = map[string]bool{
		"SELECT":   true,
		"WITH":     true,
		"SHOW":     true,
		"EXPLAIN":  true,
		"VALUES":   true,
		"TABLE":    true,
		"DESCRIBE": true,
		"DESC":     true,
		"PRAGMA":   true,
	}
	returningPattern   = regexp.MustCompile(`(?i)\bRETURNING\b`)
	selectIntoPattern  = regexp.MustCompile(`(?i)\bINTO\b`)
	writableCTEPattern = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|MERGE)\b`)
)

// ReturnsRows reports whether statement is expected to produce a row set.
// Keywords inside literals and comments are ignored.
func ReturnsRows(statement string) bool {
	masked := maskLiterals(statement)
	if returningPattern.MatchString(masked) {
		return true
	}
	keyword := leadingKeyword(masked)
	return readKeywords[keyword] && !selectsInto(keyword, masked)
}

// IsReadOnly reports whether statement is a plain read with no side effects.
func IsReadOnly(statement string) bool {
	masked := maskLiterals(statement)
	keyword := leadingKeyword(masked)
	if !readKeywords[keyword] {
		return false
	}
	if selectsInto(keyword, masked) {
		return false
	}
	// WITH ... INSERT/UPDATE/DELETE is a writable CTE.
	if keyword == "WITH" && writableCTEPattern.MatchString(masked) {
		return false
	}
	return true
}

// selectsInto reports a SELECT ... INTO, which writes its result into a new
// table or variables instead of returning it.
func selectsInto(keyword, masked string) bool {
	return (keyword == "SELECT" || keyword == "WITH") && selectIntoPattern.MatchString(masked)
}

// maskLiterals blanks the contents of quoted literals, quoted identifiers
// and comments so keyword matching only sees statement structure.
func maskLiterals(statement string) string {
	var b strings.Builder
	b.Grow(len(statement))
	var quote byte
	for i := 0; i < len(statement); i++ {
		c := statement[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
				b.WriteByte(c)
			} else {
				b.WriteByte(' ')
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
			b.WriteByte(c)
		case c == '-' && strings.HasPrefix(statement[i:], "--"):
			end := strings.IndexByte(statement[i:], '\n')
			if end < 0 {
				end = len(statement) - i
			}
			b.WriteString(strings.Repeat(" ", end))
			i += end - 1
		case c == '/' && strings.HasPrefix(statement[i:], "/*"):
			end := strings.Index(statement[i+2:], "*/")
			if end < 0 {
				end = len(statement) - i
			} else {
				end += 4
			}
			b.WriteString(strings.Repeat(" ", end))
			i += end - 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func leadingKeyword(statement string) string {
	trimmed := strings.TrimLeft(statement, " \t\r\n(")
	end := strings.IndexFunc(trimmed, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	if end >= 0 {
		trimmed = trimmed[:end]
	}
	return strings.ToUpper(trimmed)
}

// Execute runs statement inside a single transaction. The transaction is
// committed only when the statement and result scan both succeed.
func (c *Connector) Execute(ctx context.Context, statement string) (Result, error) {
	if strings.TrimSpace(statement) == "" {
		return Result{}, fmt.Errorf("%w: statement is required", errs.ErrToolExecution)
	}
	start := time.Now()
	queryCtx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout)
	defer cancel()

	tx, err := c.db.BeginTx(queryCtx, nil)
	if err != nil {
		return Result{}, c.classify(ctx, "begin transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var result Result
	if ReturnsRows(statement) {
		result, err = c.query(queryCtx, tx, statement)
	} else {
		result, err = c.exec(queryCtx, tx, statement)
	}
	if err != nil {
		return Result{}, c.classify(ctx, "execute statement", err)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, c.classify(ctx, "commit transaction", err)
	}
	committed = true
	result.Duration = time.Since(start)
	return result, nil
}

func (c *Connector) query(ctx context.Context, tx *sql.Tx, statement string) (Result, error) {
	rows, err := tx.QueryContext(ctx, statement)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("query columns: %w", err)
	}
	if len(columns) == 0 {
		if err := rows.Close(); err != nil {
			return Result{}, err
		}
		return Result{Mutation: true, Message: mutationMessage}, rows.Err()
	}

	result := Result{Columns: columns, Rows: make([]map[string]any, 0)}
	for rows.Next() {
		if len(result.Rows) >= c.opts.MaxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, column := range columns {
			row[column] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

func (c *Connector) exec(ctx context.Context, tx *sql.Tx, statement string) (Result, error) {
	res, err := tx.ExecContext(ctx, statement)
	if err != nil {
		return Result{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return Result{Mutation: true, AffectedRows: affected, Message: mutationMessage}, nil
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case []byte:
		return string(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	default:
		return typed
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
