// Package memory is the in-process store backend used by tests and the test
// profile.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sqlagent/sqlagent/internal/llm"
	"github.com/sqlagent/sqlagent/internal/store"
)

type Repository struct {
	mu          sync.RWMutex
	sessions    map[string]store.Session
	checkpoints map[string]store.Checkpoint
	connections map[string]store.Connection
	now         func() time.Time
}

func New() *Repository {
	return &Repository{
		sessions:    make(map[string]store.Session),
		checkpoints: make(map[string]store.Checkpoint),
		connections: make(map[string]store.Connection),
		now:         time.Now,
	}
}

func (r *Repository) HealthCheck(context.Context) error { return nil }

func (r *Repository) Close() error { return nil }

func (r *Repository) CreateSession(_ context.Context, in store.Session) (store.Session, error) {
	if err := store.ValidateSession(in); err != nil {
		return store.Session{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[in.ID]; ok {
		return store.Session{}, fmt.Errorf("create session %s: %w", in.ID, store.ErrAlreadyExists)
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = r.now().UTC()
	}
	r.sessions[in.ID] = in
	return in, nil
}

func (r *Repository) GetSession(_ context.Context, sessionID string) (store.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return session, nil
}

func (r *Repository) ListSessions(_ context.Context, userID string) ([]store.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Session, 0)
	for _, session := range r.sessions {
		if session.UserID == userID {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Repository) DeleteSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	delete(r.checkpoints, sessionID)
	return nil
}

func (r *Repository) LoadCheckpoint(_ context.Context, sessionID string) (store.Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp, ok := r.checkpoints[sessionID]
	if !ok {
		return store.Checkpoint{}, store.ErrNotFound
	}
	cp.Messages = append([]llm.Message(nil), cp.Messages...)
	return cp, nil
}

func (r *Repository) SaveCheckpoint(_ context.Context, cp store.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[cp.SessionID]; !ok {
		return fmt.Errorf("save checkpoint %s: %w", cp.SessionID, store.ErrNotFound)
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = r.now().UTC()
	}
	cp.Messages = append([]llm.Message(nil), cp.Messages...)
	r.checkpoints[cp.SessionID] = cp
	return nil
}

func (r *Repository) DeleteCheckpoint(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkpoints, sessionID)
	return nil
}

func (r *Repository) SaveConnection(_ context.Context, in store.Connection) (store.Connection, error) {
	if err := store.ValidateConnection(in); err != nil {
		return store.Connection{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connections[in.ID]; ok {
		return store.Connection{}, fmt.Errorf("save connection %s: %w", in.ID, store.ErrAlreadyExists)
	}
	for _, existing := range r.connections {
		if existing.UserID == in.UserID && existing.Name == in.Name {
			return store.Connection{}, fmt.Errorf("save connection %q: %w", in.Name, store.ErrAlreadyExists)
		}
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = r.now().UTC()
	}
	r.connections[in.ID] = in
	return in, nil
}

func (r *Repository) GetConnection(_ context.Context, connectionID string) (store.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connection, ok := r.connections[connectionID]
	if !ok {
		return store.Connection{}, store.ErrNotFound
	}
	return connection, nil
}

func (r *Repository) ListConnections(_ context.Context, userID string) ([]store.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Connection, 0)
	for _, connection := range r.connections {
		if connection.UserID == userID {
			out = append(out, connection)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Repository) DeleteConnection(_ context.Context, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, connectionID)
	return nil
}
