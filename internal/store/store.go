// Package store persists the session registry and conversation checkpoints.
// Backends live in the memory, bolt and postgres subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sqlagent/sqlagent/internal/connector"
	"github.com/sqlagent/sqlagent/internal/llm"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrInvalid       = errors.New("store: invalid record")
)

// Session is the registry row that ties a session token to its owner.
type Session struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is the conversation memory saved at the end of a successful turn.
type Checkpoint struct {
	SessionID string        `json:"session_id"`
	Messages  []llm.Message `json:"messages"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Connection is a target database a user saved under a name so sessions can
// be bound to it by id.
type Connection struct {
	ID         string               `json:"connection_id"`
	UserID     string               `json:"user_id"`
	Name       string               `json:"name"`
	Descriptor connector.Descriptor `json:"descriptor"`
	CreatedAt  time.Time            `json:"created_at"`
}

// Redacted returns a copy without the password, for API responses.
func (c Connection) Redacted() Connection {
	c.Descriptor.Password = ""
	return c
}

type SessionRegistry interface {
	CreateSession(ctx context.Context, in Session) (Session, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	// ListSessions returns the user's sessions, newest first.
	ListSessions(ctx context.Context, userID string) ([]Session, error)
	// DeleteSession removes the registry row and its checkpoint.
	DeleteSession(ctx context.Context, sessionID string) error
}

type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, sessionID string) (Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	DeleteCheckpoint(ctx context.Context, sessionID string) error
}

// ConnectionCatalog holds saved connections. Names are unique per user.
type ConnectionCatalog interface {
	SaveConnection(ctx context.Context, in Connection) (Connection, error)
	GetConnection(ctx context.Context, connectionID string) (Connection, error)
	// ListConnections returns the user's connections ordered by name.
	ListConnections(ctx context.Context, userID string) ([]Connection, error)
	DeleteConnection(ctx context.Context, connectionID string) error
}

type Repository interface {
	SessionRegistry
	CheckpointStore
	ConnectionCatalog
	HealthCheck(ctx context.Context) error
	Close() error
}

func ValidateSession(in Session) error {
	if strings.TrimSpace(in.ID) == "" {
		return errors.New("store: session id is required")
	}
	if strings.TrimSpace(in.UserID) == "" {
		return errors.New("store: user id is required")
	}
	return nil
}

func ValidateConnection(in Connection) error {
	switch {
	case strings.TrimSpace(in.ID) == "":
		return fmt.Errorf("%w: connection id is required", ErrInvalid)
	case strings.TrimSpace(in.UserID) == "":
		return fmt.Errorf("%w: user id is required", ErrInvalid)
	case strings.TrimSpace(in.Name) == "":
		return fmt.Errorf("%w: connection name is required", ErrInvalid)
	}
	if err := in.Descriptor.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
