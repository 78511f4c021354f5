//go:build integration

package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	goredis "github.com/redis/go-redis/v9"

	"github.com/sqlagent/sqlagent/internal/agent"
	"github.com/sqlagent/sqlagent/internal/cache"
	redisstore "github.com/sqlagent/sqlagent/internal/cache/redis"
	"github.com/sqlagent/sqlagent/internal/connector"
	"github.com/sqlagent/sqlagent/internal/llm"
	"github.com/sqlagent/sqlagent/internal/migrations"
	"github.com/sqlagent/sqlagent/internal/nl2sql"
	"github.com/sqlagent/sqlagent/internal/session"
	storepostgres "github.com/sqlagent/sqlagent/internal/store/postgres"
)

// countingCompleter runs one COUNT query and then echoes the tool result.
type countingCompleter struct{}

func (countingCompleter) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Role == llm.RoleTool {
		return llm.Response{Message: llm.Message{Role: llm.RoleAssistant, Content: "Rows: " + last.Content}}, nil
	}
	return llm.Response{Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
		ID:       "call-1",
		Type:     "function",
		Function: llm.FunctionCall{Name: agent.ToolExecuteSQL, Arguments: `{"query":"SELECT COUNT(*) AS n FROM orders"}`},
	}}}}, nil
}

type noopTranslator struct{}

func (noopTranslator) Translate(context.Context, nl2sql.Request) (nl2sql.Result, error) {
	return nl2sql.Result{SQL: "SELECT 1;"}, nil
}

func (noopTranslator) Summarize(context.Context, nl2sql.SummaryRequest) (string, error) {
	return "", nil
}

func TestSessionFlowWithPostgresStoreAndRedisCache(t *testing.T) {
	adminDSN := strings.TrimSpace(os.Getenv("SQLAGENT_TEST_STORE_DSN"))
	if adminDSN == "" {
		t.Skip("SQLAGENT_TEST_STORE_DSN is not set")
	}

	testDSN, cleanup := createTemporaryDatabase(t, adminDSN)
	defer cleanup()

	db, err := sql.Open("pgx", testDSN)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := migrations.NewRunner().Up(ctx, db, 0); err != nil {
		t.Fatalf("runner.Up() error = %v", err)
	}

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	bindings := cache.New(redisstore.NewWithClient(client, "", time.Second), func(ctx context.Context, d connector.Descriptor) (*connector.Connector, error) {
		return connector.Open(ctx, d, connector.Options{})
	}, cache.Config{}, nil)
	defer func() { _ = bindings.Close() }()

	orch, err := session.New(session.Config{}, session.Dependencies{
		Bindings:   bindings,
		Repository: storepostgres.NewRepository(db),
		Completer:  countingCompleter{},
		Translator: noopTranslator{},
		Summarizer: noopTranslator{},
	})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	h := NewHandler(loadConfig(t, map[string]string{}), Dependencies{Sessions: orch})

	target := seedTarget(t)
	rr := doRequest(t, h, http.MethodPost, "/v1/sessions/it-1/bind", "alice", fmt.Sprintf(`{"driver":"duckdb","database":%q}`, target))
	if rr.Code != http.StatusOK {
		t.Fatalf("bind status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if !mr.Exists("sqlagent:session:it-1") {
		t.Fatal("binding was not written to redis")
	}

	rr = doRequest(t, h, http.MethodPost, "/v1/sessions/it-1/ask", "alice", `{"question":"How many orders?"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("ask status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); !strings.Contains(body["answer"].(string), `"n":2`) {
		t.Fatalf("answer = %v", body["answer"])
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT message_count FROM conversation_checkpoint WHERE session_id = $1`, "it-1").Scan(&count); err != nil {
		t.Fatalf("checkpoint query error = %v", err)
	}
	if count != 4 {
		t.Fatalf("message_count = %d", count)
	}

	rr = doRequest(t, h, http.MethodGet, "/v1/sessions/it-1/history", "mallory", "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("foreign history status = %d", rr.Code)
	}

	rr = doRequest(t, h, http.MethodDelete, "/v1/sessions/it-1", "alice", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if mr.Exists("sqlagent:session:it-1") {
		t.Fatal("binding should be removed from redis")
	}
	var remaining int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_checkpoint`).Scan(&remaining); err != nil {
		t.Fatalf("count checkpoints error = %v", err)
	}
	if remaining != 0 {
		t.Fatalf("checkpoints left = %d", remaining)
	}
}

func seedTarget(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.duckdb")
	conn, err := connector.Open(context.Background(), connector.Descriptor{Driver: connector.DriverDuckDB, Database: path}, connector.Options{})
	if err != nil {
		t.Fatalf("connector.Open() error = %v", err)
	}
	defer func() { _ = conn.Close() }()
	for _, stmt := range []string{
		"CREATE TABLE orders (id INTEGER, total DOUBLE)",
		"INSERT INTO orders VALUES (1, 9.5), (2, 12.0)",
	} {
		if _, err := conn.Execute(context.Background(), stmt); err != nil {
			t.Fatalf("seed %q error = %v", stmt, err)
		}
	}
	return path
}

func createTemporaryDatabase(t *testing.T, adminDSN string) (string, func()) {
	t.Helper()

	parsed, err := url.Parse(adminDSN)
	if err != nil {
		t.Fatalf("url.Parse(adminDSN) error = %v", err)
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		t.Fatal("admin DSN must include a database name")
	}

	adminDB, err := sql.Open("pgx", adminDSN)
	if err != nil {
		t.Fatalf("sql.Open(adminDSN) error = %v", err)
	}

	name := fmt.Sprintf("sqlagent_it_api_%d", time.Now().UnixNano())
	if _, err := adminDB.Exec(`CREATE DATABASE ` + name); err != nil {
		t.Fatalf("CREATE DATABASE failed: %v", err)
	}

	testURL := *parsed
	testURL.Path = "/" + name
	testDSN := testURL.String()

	cleanup := func() {
		defer func() { _ = adminDB.Close() }()
		if _, err := adminDB.Exec(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1`, name); err != nil {
			t.Fatalf("terminate test db sessions: %v", err)
		}
		if _, err := adminDB.Exec(`DROP DATABASE ` + name); err != nil {
			t.Fatalf("DROP DATABASE failed: %v", err)
		}
	}
	return testDSN, cleanup
}
