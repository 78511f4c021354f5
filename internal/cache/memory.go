package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sqlagent/sqlagent/internal/connector"
)

// MemoryStore is a process-local Store for tests and single-node dev runs.
// It honours TTLs against its Clock.
type MemoryStore struct {
	Clock func() time.Time

	mu      sync.Mutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	rec       Record
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]memoryRecord{}}
}

func (m *MemoryStore) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}

func (m *MemoryStore) live(sessionID string) (memoryRecord, bool) {
	stored, ok := m.records[sessionID]
	if !ok {
		return memoryRecord{}, false
	}
	if !m.now().Before(stored.expiresAt) {
		delete(m.records, sessionID)
		return memoryRecord{}, false
	}
	return stored, true
}

func (m *MemoryStore) Put(_ context.Context, rec Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.SessionID] = memoryRecord{rec: rec, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Touch(_ context.Context, sessionID string, ttl time.Duration) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.live(sessionID)
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	stored.expiresAt = m.now().Add(ttl)
	m.records[sessionID] = stored
	return stored.rec, nil
}

func (m *MemoryStore) Exists(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(sessionID)
	return ok, nil
}

func (m *MemoryStore) SetSchema(_ context.Context, sessionID string, schema connector.Schema, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.live(sessionID)
	if !ok {
		return ErrRecordNotFound
	}
	stored.rec.Schema = schema
	stored.expiresAt = m.now().Add(ttl)
	m.records[sessionID] = stored
	return nil
}

func (m *MemoryStore) ClearSchema(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.live(sessionID)
	if !ok {
		return nil
	}
	stored.rec.Schema = nil
	m.records[sessionID] = stored
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sessionID)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}
