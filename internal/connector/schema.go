package connector

import (
	"context"
	"fmt"
	"sort"

	"github.com/sqlagent/sqlagent/internal/errs"
)

type Column struct {
	Name string `json:"column"`
	Type string `json:"type"`
}

// Schema maps schema name to table name to the table's columns in ordinal order.
type Schema map[string]map[string][]Column

// Tables lists qualified table names in sorted order.
func (s Schema) Tables() []string {
	out := make([]string, 0)
	for schemaName, tables := range s {
		for tableName := range tables {
			out = append(out, schemaName+"."+tableName)
		}
	}
	sort.Strings(out)
	return out
}

const (
	introspectPostgresSQL = `
SELECT table_schema, table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema NOT IN ('information_schema', 'pg_catalog')
ORDER BY table_schema, table_name, ordinal_position`

	introspectMySQLSQL = `
SELECT table_schema, table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema NOT IN ('information_schema', 'mysql', 'performance_schema', 'sys')
ORDER BY table_schema, table_name, ordinal_position`
)

func introspectionQuery(driver string) string {
	if driver == DriverMySQL {
		return introspectMySQLSQL
	}
	return introspectPostgresSQL
}

// Introspect reads column metadata for every user table visible to the connector.
func (c *Connector) Introspect(ctx context.Context) (Schema, error) {
	queryCtx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout)
	defer cancel()

	rows, err := c.db.QueryContext(queryCtx, introspectionQuery(c.driver))
	if err != nil {
		return nil, c.classify(ctx, "introspect schema", err)
	}
	defer func() { _ = rows.Close() }()

	schema := Schema{}
	for rows.Next() {
		var schemaName, tableName, columnName, dataType string
		if err := rows.Scan(&schemaName, &tableName, &columnName, &dataType); err != nil {
			return nil, c.classify(ctx, "scan schema row", err)
		}
		tables, ok := schema[schemaName]
		if !ok {
			tables = map[string][]Column{}
			schema[schemaName] = tables
		}
		tables[tableName] = append(tables[tableName], Column{Name: columnName, Type: dataType})
	}
	if err := rows.Err(); err != nil {
		return nil, c.classify(ctx, "iterate schema rows", err)
	}
	return schema, nil
}

// classify turns a driver error into a tool execution failure. A timeout
// on our own deadline stays recoverable; cancellation of the caller's
// context is propagated so the turn can end.
func (c *Connector) classify(parent context.Context, op string, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return fmt.Errorf("%w: %s: %w", errs.ErrToolExecution, op, parentErr)
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s: timed out after %s", errs.ErrToolExecution, op, c.opts.QueryTimeout)
	}
	return fmt.Errorf("%w: %s: %v", errs.ErrToolExecution, op, err)
}
