package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sqlagent/sqlagent/internal/llm"
	"github.com/sqlagent/sqlagent/internal/storage"
)

func sampleTranscript() []llm.Message {
	return []llm.Message{
		{Role: llm.RoleUser, Content: "How many orders?"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Type: "function", Function: llm.FunctionCall{Name: "execute_sql", Arguments: `{"query":"SELECT COUNT(*) FROM orders;"}`}}}},
		{Role: llm.RoleTool, Name: "execute_sql", ToolCallID: "c1", Content: `{"columns":["count"],"rows":[{"count":3}],"row_count":1}`},
		{Role: llm.RoleAssistant, Content: "There are 3 orders."},
	}
}

func TestEncodeDecodeTranscript(t *testing.T) {
	at := time.Date(2026, time.February, 19, 10, 0, 0, 0, time.UTC)
	result, err := EncodeTranscript("s1", "alice", sampleTranscript(), at)
	if err != nil {
		t.Fatalf("EncodeTranscript() error = %v", err)
	}
	if result.RecordCount != 4 || len(result.Data) == 0 {
		t.Fatalf("result = %d rows, %d bytes", result.RecordCount, len(result.Data))
	}

	messages, err := DecodeTranscript(result.Data)
	if err != nil {
		t.Fatalf("DecodeTranscript() error = %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("messages = %+v", messages)
	}
	if messages[1].ToolCalls[0].Function.Name != "execute_sql" || messages[2].ToolCallID != "c1" {
		t.Fatalf("tool messages = %+v", messages[1:3])
	}
	if messages[3].Content != "There are 3 orders." {
		t.Fatalf("last message = %+v", messages[3])
	}
}

func TestEncodeTranscriptRequiresMessages(t *testing.T) {
	if _, err := EncodeTranscript("s1", "alice", nil, time.Now()); err == nil {
		t.Fatal("expected error for empty transcript")
	}
}

func TestArchiveUploadsParquet(t *testing.T) {
	store := newMemoryObjectStore()
	archiver := New(store, nil)
	archiver.Clock = func() time.Time { return time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC) }

	key, err := archiver.Archive(context.Background(), "s1", "alice", sampleTranscript())
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if !strings.HasPrefix(key, "user=alice/date=2026-03-02/session-s1-") {
		t.Fatalf("key = %q", key)
	}
	if store.contentTypes[key] != storage.ContentTypeParquet {
		t.Fatalf("content type = %q", store.contentTypes[key])
	}
	meta := store.metadata[key]
	if meta[storage.MetaSessionID] != "s1" || meta[storage.MetaUserID] != "alice" || meta[storage.MetaMessageCount] != "4" {
		t.Fatalf("metadata = %v", meta)
	}

	loaded, err := archiver.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 4 {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestArchiveSkipsEmptyTranscript(t *testing.T) {
	store := newMemoryObjectStore()
	key, err := New(store, nil).Archive(context.Background(), "s1", "alice", nil)
	if err != nil || key != "" {
		t.Fatalf("Archive() = %q, %v", key, err)
	}
	if len(store.objects) != 0 {
		t.Fatal("nothing should be uploaded")
	}
}

func TestDiscardRemovesArchivedTranscript(t *testing.T) {
	store := newMemoryObjectStore()
	archiver := New(store, nil)
	key, err := archiver.Archive(context.Background(), "s1", "alice", sampleTranscript())
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if err := archiver.Discard(context.Background(), key); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if _, err := archiver.Load(context.Background(), key); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Load() after discard error = %v", err)
	}
	if err := archiver.Discard(context.Background(), ""); err != nil {
		t.Fatalf("Discard(\"\") error = %v", err)
	}
}

func TestArchivePropagatesUploadErrors(t *testing.T) {
	store := newMemoryObjectStore()
	store.putErr = errors.New("bucket gone")
	if _, err := New(store, nil).Archive(context.Background(), "s1", "alice", sampleTranscript()); err == nil {
		t.Fatal("expected upload error")
	}
}

type memoryObjectStore struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	metadata     map[string]map[string]string
	putErr       error
}

func newMemoryObjectStore() *memoryObjectStore {
	return &memoryObjectStore{objects: map[string][]byte{}, contentTypes: map[string]string{}, metadata: map[string]map[string]string{}}
}

func (m *memoryObjectStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	if m.putErr != nil {
		return storage.ObjectInfo{}, m.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.contentTypes[key] = opts.ContentType
	m.metadata[key] = opts.Metadata
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryObjectStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryObjectStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memoryObjectStore) Ping(context.Context) error { return nil }
