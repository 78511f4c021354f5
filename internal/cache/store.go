package cache

import (
	"context"
	"errors"
	"time"

	"github.com/sqlagent/sqlagent/internal/connector"
)

const (
	StatusBound   = "bound"
	StatusUnbound = "unbound"
	StatusExpired = "expired"
)

// ErrRecordNotFound is returned by a Store when no live record exists for a
// session, either because it was never bound or because its TTL lapsed.
var ErrRecordNotFound = errors.New("cache: record not found")

// Record is the durable half of a binding.
type Record struct {
	SessionID  string
	UserID     string
	Descriptor connector.Descriptor
	CreatedAt  time.Time
	Status     string
	Schema     connector.Schema
}

// Store is the networked key-value layer. Implementations must map
// connectivity failures to errs.ErrCacheUnavailable.
type Store interface {
	// Put replaces the record and starts its TTL.
	Put(ctx context.Context, rec Record, ttl time.Duration) error
	// Touch loads the record and slides its TTL.
	Touch(ctx context.Context, sessionID string, ttl time.Duration) (Record, error)
	Exists(ctx context.Context, sessionID string) (bool, error)
	SetSchema(ctx context.Context, sessionID string, schema connector.Schema, ttl time.Duration) error
	ClearSchema(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
}
