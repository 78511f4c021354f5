package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sqlagent/sqlagent/internal/connector"
	"github.com/sqlagent/sqlagent/internal/llm"
	"github.com/sqlagent/sqlagent/internal/store"
)

func openTestRepo(t *testing.T) (*Repository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "sqlagent.db")
	repo, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo, path
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSessionsAreIndexedByUser(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	inputs := []store.Session{
		{ID: "s1", UserID: "alice", CreatedAt: base},
		{ID: "s2", UserID: "alice", CreatedAt: base.Add(time.Hour)},
		{ID: "s3", UserID: "alicex", CreatedAt: base},
		{ID: "s4", UserID: "bob", CreatedAt: base},
	}
	for _, in := range inputs {
		if _, err := repo.CreateSession(ctx, in); err != nil {
			t.Fatalf("CreateSession(%s) error = %v", in.ID, err)
		}
	}
	if _, err := repo.CreateSession(ctx, inputs[0]); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("duplicate CreateSession() error = %v", err)
	}

	sessions, err := repo.ListSessions(ctx, "alice")
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "s2" || sessions[1].ID != "s1" {
		t.Fatalf("sessions = %+v", sessions)
	}

	got, err := repo.GetSession(ctx, "s4")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.UserID != "bob" || !got.CreatedAt.Equal(base) {
		t.Fatalf("session = %+v", got)
	}
	if _, err := repo.GetSession(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetSession(missing) error = %v", err)
	}
}

func TestCheckpointsSurviveReopen(t *testing.T) {
	repo, path := openTestRepo(t)
	ctx := context.Background()
	if _, err := repo.CreateSession(ctx, store.Session{ID: "s1", UserID: "alice"}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	cp := store.Checkpoint{
		SessionID: "s1",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "How many orders?"},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_1", Type: "function", Function: llm.FunctionCall{Name: "fetch_schema", Arguments: "{}"}}}},
			{Role: llm.RoleTool, ToolCallID: "call_1", Name: "fetch_schema", Content: "{}"},
			{Role: llm.RoleAssistant, Content: "There are 3 orders."},
		},
	}
	if err := repo.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = reopened.Close() }()

	loaded, err := reopened.LoadCheckpoint(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadCheckpoint() error = %v", err)
	}
	if len(loaded.Messages) != 4 || loaded.Messages[1].ToolCalls[0].Function.Name != "fetch_schema" {
		t.Fatalf("messages = %+v", loaded.Messages)
	}
	if loaded.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt should be set")
	}
}

func TestDeleteSessionRemovesCheckpointAndIndex(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()
	if _, err := repo.CreateSession(ctx, store.Session{ID: "s1", UserID: "alice"}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := repo.SaveCheckpoint(ctx, store.Checkpoint{SessionID: "s1", Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}
	if err := repo.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if err := repo.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("second DeleteSession() error = %v", err)
	}
	if _, err := repo.LoadCheckpoint(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("LoadCheckpoint() error = %v", err)
	}
	sessions, _ := repo.ListSessions(ctx, "alice")
	if len(sessions) != 0 {
		t.Fatalf("sessions = %+v", sessions)
	}
	if err := repo.SaveCheckpoint(ctx, store.Checkpoint{SessionID: "s1"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("SaveCheckpoint() after delete error = %v", err)
	}
}

func TestCanceledContextIsRejected(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := repo.GetSession(ctx, "s1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("GetSession() error = %v", err)
	}
}

func TestConnectionsSurviveReopenAndListByName(t *testing.T) {
	repo, path := openTestRepo(t)
	ctx := context.Background()
	shop := connector.Descriptor{Driver: connector.DriverMySQL, Host: "mysql", Port: 3306, Database: "shop", Username: "ro", Password: "pw"}

	for _, in := range []store.Connection{
		{ID: "c1", UserID: "alice", Name: "shop", Descriptor: shop},
		{ID: "c2", UserID: "alice", Name: "analytics", Descriptor: connector.Descriptor{Driver: connector.DriverDuckDB, Database: "/data/a.duckdb"}},
		{ID: "c3", UserID: "alicex", Name: "shop", Descriptor: shop},
	} {
		if _, err := repo.SaveConnection(ctx, in); err != nil {
			t.Fatalf("SaveConnection(%s) error = %v", in.ID, err)
		}
	}
	if _, err := repo.SaveConnection(ctx, store.Connection{ID: "c4", UserID: "alice", Name: "shop", Descriptor: shop}); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("duplicate name error = %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	listed, err := reopened.ListConnections(ctx, "alice")
	if err != nil {
		t.Fatalf("ListConnections() error = %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "c2" || listed[1].ID != "c1" {
		t.Fatalf("connections = %+v", listed)
	}
	if listed[1].Descriptor.Password != "pw" {
		t.Fatalf("descriptor = %+v", listed[1].Descriptor)
	}

	if err := reopened.DeleteConnection(ctx, "c1"); err != nil {
		t.Fatalf("DeleteConnection() error = %v", err)
	}
	if err := reopened.DeleteConnection(ctx, "c1"); err != nil {
		t.Fatalf("second DeleteConnection() error = %v", err)
	}
	if _, err := reopened.SaveConnection(ctx, store.Connection{ID: "c5", UserID: "alice", Name: "shop", Descriptor: shop}); err != nil {
		t.Fatalf("name should be free after delete: %v", err)
	}
}
