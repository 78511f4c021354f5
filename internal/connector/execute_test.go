package connector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/sqlagent/sqlagent/internal/errs"
)

func TestExecuteSelectReturnsRowMaps(t *testing.T) {
	db, mock := newSQLMock(t)
	conn := New(db, DriverPostgres, Options{})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT SUM(total) AS total FROM orders;`)).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow([]byte("42.50")))
	mock.ExpectCommit()

	result, err := conn.Execute(context.Background(), "SELECT SUM(total) AS total FROM orders;")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Mutation {
		t.Fatal("Mutation = true, want false")
	}
	if len(result.Rows) != 1 || result.Rows[0]["total"] != "42.50" {
		t.Fatalf("Rows = %#v", result.Rows)
	}
	assertSQLMock(t, mock)
}

func TestExecuteZeroRowsIsStillARowSet(t *testing.T) {
	db, mock := newSQLMock(t)
	conn := New(db, DriverPostgres, Options{})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM orders WHERE id < 0;`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	result, err := conn.Execute(context.Background(), "SELECT id FROM orders WHERE id < 0;")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Mutation {
		t.Fatal("zero-row select must not be reported as a mutation")
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if !strings.Contains(string(encoded), `"rows":[]`) {
		t.Fatalf("encoded = %s", encoded)
	}
	assertSQLMock(t, mock)
}

func TestExecuteMutationReportsAffectedRows(t *testing.T) {
	db, mock := newSQLMock(t)
	conn := New(db, DriverPostgres, Options{})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE orders SET total = 0 WHERE id = 1;`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := conn.Execute(context.Background(), "UPDATE orders SET total = 0 WHERE id = 1;")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Mutation || result.AffectedRows != 1 {
		t.Fatalf("result = %+v", result)
	}
	encoded, _ := json.Marshal(result)
	if string(encoded) != `{"affected_rows":1,"message":"Query executed successfully"}` {
		t.Fatalf("encoded = %s", encoded)
	}
	assertSQLMock(t, mock)
}

func TestExecuteRollsBackOnError(t *testing.T) {
	db, mock := newSQLMock(t)
	conn := New(db, DriverPostgres, Options{})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM missing;`)).
		WillReturnError(errors.New(`relation "missing" does not exist`))
	mock.ExpectRollback()

	_, err := conn.Execute(context.Background(), "DELETE FROM missing;")
	if !errors.Is(err, errs.ErrToolExecution) {
		t.Fatalf("Execute() error = %v, want ErrToolExecution", err)
	}
	if errs.IsFatal(err) {
		t.Fatalf("SQL error should be recoverable: %v", err)
	}
	if !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("error should carry driver message: %v", err)
	}
	assertSQLMock(t, mock)
}

func TestExecuteCapsRows(t *testing.T) {
	db, mock := newSQLMock(t)
	conn := New(db, DriverPostgres, Options{MaxRows: 2})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM orders;`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2).AddRow(3))
	mock.ExpectCommit()

	result, err := conn.Execute(context.Background(), "SELECT id FROM orders;")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 2 || !result.Truncated {
		t.Fatalf("rows = %d truncated = %v", len(result.Rows), result.Truncated)
	}
	assertSQLMock(t, mock)
}

func TestExecuteInsertReturningUsesQueryPath(t *testing.T) {
	db, mock := newSQLMock(t)
	conn := New(db, DriverPostgres, Options{})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO orders (total) VALUES (5) RETURNING id;`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectCommit()

	result, err := conn.Execute(context.Background(), "INSERT INTO orders (total) VALUES (5) RETURNING id;")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0]["id"] != int64(9) {
		t.Fatalf("Rows = %#v", result.Rows)
	}
	assertSQLMock(t, mock)
}

func TestExecuteCanceledContextIsFatal(t *testing.T) {
	db, _ := newSQLMock(t)
	conn := New(db, DriverPostgres, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := conn.Execute(ctx, "SELECT 1;")
	if !errs.IsFatal(err) {
		t.Fatalf("Execute() error = %v, want fatal", err)
	}
}

func TestExecuteRejectsEmptyStatement(t *testing.T) {
	db, _ := newSQLMock(t)
	conn := New(db, DriverPostgres, Options{})
	if _, err := conn.Execute(context.Background(), "  "); !errors.Is(err, errs.ErrToolExecution) {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestIntrospectBuildsSchemaMap(t *testing.T) {
	db, mock := newSQLMock(t)
	conn := New(db, DriverPostgres, Options{})

	mock.ExpectQuery(regexp.QuoteMeta(introspectPostgresSQL)).
		WillReturnRows(sqlmock.NewRows([]string{"table_schema", "table_name", "column_name", "data_type"}).
			AddRow("public", "orders", "id", "integer").
			AddRow("public", "orders", "total", "numeric").
			AddRow("sales", "customers", "name", "text"))

	schema, err := conn.Introspect(context.Background())
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	orders := schema["public"]["orders"]
	if len(orders) != 2 || orders[0] != (Column{Name: "id", Type: "integer"}) || orders[1].Name != "total" {
		t.Fatalf("orders = %#v", orders)
	}
	if got := schema.Tables(); strings.Join(got, ",") != "public.orders,sales.customers" {
		t.Fatalf("Tables() = %v", got)
	}
	encoded, _ := json.Marshal(schema["sales"])
	if string(encoded) != `{"customers":[{"column":"name","type":"text"}]}` {
		t.Fatalf("encoded = %s", encoded)
	}
	assertSQLMock(t, mock)
}

func TestIntrospectMySQLExcludesSystemSchemas(t *testing.T) {
	db, mock := newSQLMock(t)
	conn := New(db, DriverMySQL, Options{QueryTimeout: time.Second})

	mock.ExpectQuery(regexp.QuoteMeta(introspectMySQLSQL)).
		WillReturnError(errors.New("connection refused"))

	_, err := conn.Introspect(context.Background())
	if !errors.Is(err, errs.ErrToolExecution) {
		t.Fatalf("Introspect() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestStatementClassification(t *testing.T) {
	tests := []struct {
		stmt     string
		rows     bool
		readOnly bool
	}{
		{"SELECT 1;", true, true},
		{"  (select 1) union (select 2);", true, true},
		{"WITH t AS (SELECT 1) SELECT * FROM t;", true, true},
		{"WITH d AS (DELETE FROM t RETURNING id) SELECT * FROM d;", true, false},
		{"EXPLAIN SELECT 1;", true, true},
		{"SHOW TABLES;", true, true},
		{"INSERT INTO t VALUES (1);", false, false},
		{"UPDATE t SET a = 1 RETURNING a;", true, false},
		{"CREATE TABLE t (id int);", false, false},
		{"DROP TABLE t;", false, false},
		{"UPDATE t SET note = 'returning customer';", false, false},
		{"UPDATE t SET a = 1 -- returning soon\n;", false, false},
		{"DELETE FROM t /* RETURNING */ WHERE id = 1;", false, false},
		{"SELECT 'select into' AS note;", true, true},
		{"SELECT * INTO archived_orders FROM orders;", false, false},
		{"WITH recent AS (SELECT 1 AS id) SELECT id INTO snapshot FROM recent;", false, false},
		{"EXPLAIN INSERT INTO t VALUES (1);", true, true},
	}
	for _, tc := range tests {
		if got := ReturnsRows(tc.stmt); got != tc.rows {
			t.Fatalf("ReturnsRows(%q) = %v, want %v", tc.stmt, got, tc.rows)
		}
		if got := IsReadOnly(tc.stmt); got != tc.readOnly {
			t.Fatalf("IsReadOnly(%q) = %v, want %v", tc.stmt, got, tc.readOnly)
		}
	}
}

func TestExecuteReturningInsideLiteralIsAMutation(t *testing.T) {
	db, mock := newSQLMock(t)
	conn := New(db, DriverPostgres, Options{})

	statement := "UPDATE customers SET note = 'returning customer' WHERE id = 7;"
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(statement)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := conn.Execute(context.Background(), statement)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Mutation || result.AffectedRows != 1 {
		t.Fatalf("result = %+v", result)
	}
	assertSQLMock(t, mock)
}

func TestExecuteSelectIntoReportsAffectedRows(t *testing.T) {
	db, mock := newSQLMock(t)
	conn := New(db, DriverPostgres, Options{})

	statement := "SELECT * INTO archived_orders FROM orders;"
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(statement)).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	result, err := conn.Execute(context.Background(), statement)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Mutation || result.AffectedRows != 3 {
		t.Fatalf("result = %+v", result)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
