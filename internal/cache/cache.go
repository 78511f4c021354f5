// Package cache maps sessions to live database connectors. The durable
// Store is the source of truth for whether a session is bound; the
// in-process layer only holds connectors and schemas derived from it and
// is dropped whenever the durable record goes away.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sqlagent/sqlagent/internal/connector"
	"github.com/sqlagent/sqlagent/internal/errs"
	"github.com/sqlagent/sqlagent/internal/observability"
)

// Opener builds a live connector from a descriptor.
type Opener func(ctx context.Context, d connector.Descriptor) (*connector.Connector, error)

type Config struct {
	TTL                time.Duration
	RevalidateInterval time.Duration
	IdleTTL            time.Duration
	SweepInterval      time.Duration
	DefaultDriver      string
}

type Cache struct {
	Store  Store
	Open   Opener
	Config Config
	Logger *slog.Logger
	Clock  func() time.Time

	group singleflight.Group
	locks keyLocks

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	conn        *connector.Connector
	fingerprint string
	schema      connector.Schema
	validatedAt time.Time
	lastAccess  time.Time
}

// New returns a cache that builds connectors with opener.
func New(store Store, opener Opener, cfg Config, logger *slog.Logger) *Cache {
	c := &Cache{Store: store, Open: opener, Config: cfg, Logger: logger}
	c.ensureDefaults()
	return c
}

func (c *Cache) ensureDefaults() {
	if c.Config.TTL <= 0 {
		c.Config.TTL = 24 * time.Hour
	}
	if c.Config.RevalidateInterval < 0 {
		c.Config.RevalidateInterval = 0
	}
	if c.Config.IdleTTL <= 0 {
		c.Config.IdleTTL = 30 * time.Minute
	}
	if c.Config.SweepInterval <= 0 {
		c.Config.SweepInterval = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.entries == nil {
		c.entries = map[string]*entry{}
	}
}

// Bind connects to d, records it durably and primes the schema. A schema
// fetch failure leaves the session bound with an unknown schema.
func (c *Cache) Bind(ctx context.Context, userID, sessionID string, d connector.Descriptor) error {
	d = d.WithDefaults(c.Config.DefaultDriver)
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: invalid descriptor: %v", errs.ErrToolExecution, err)
	}
	fingerprint, err := fingerprintOf(d)
	if err != nil {
		return err
	}

	unlock := c.locks.Lock(sessionID)
	defer unlock()

	conn, err := c.Open(ctx, d)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %v", errs.ErrToolExecution, d, err)
	}

	now := c.Clock()
	rec := Record{
		SessionID:  sessionID,
		UserID:     userID,
		Descriptor: d,
		CreatedAt:  now,
		Status:     StatusBound,
	}
	if err := c.Store.Put(ctx, rec, c.Config.TTL); err != nil {
		_ = conn.Close()
		return fmt.Errorf("cache: store binding: %w", err)
	}
	observability.ObserveConnectorConstructed()

	schema, err := conn.Introspect(ctx)
	if err != nil {
		c.Logger.WarnContext(ctx, "eager schema fetch failed",
			slog.String("session_id", sessionID), slog.Any("error", err))
		schema = nil
	} else if err := c.Store.SetSchema(ctx, sessionID, schema, c.Config.TTL); err != nil {
		c.Logger.WarnContext(ctx, "schema write-back failed",
			slog.String("session_id", sessionID), slog.Any("error", err))
	}

	c.install(sessionID, &entry{
		conn:        conn,
		fingerprint: fingerprint,
		schema:      schema,
		validatedAt: now,
		lastAccess:  now,
	})
	c.Logger.InfoContext(ctx, "session bound",
		slog.String("session_id", sessionID), slog.String("target", d.String()),
		slog.Int("tables", len(schema.Tables())))
	return nil
}

// Get returns the session's connector and whatever schema is cached for
// it, which may be nil. The durable record is revalidated, and its TTL
// slid, whenever the local entry is older than the revalidate interval.
func (c *Cache) Get(ctx context.Context, sessionID string) (*connector.Connector, connector.Schema, error) {
	now := c.Clock()
	c.mu.Lock()
	if e, ok := c.entries[sessionID]; ok && c.Config.RevalidateInterval > 0 && now.Sub(e.validatedAt) < c.Config.RevalidateInterval {
		e.lastAccess = now
		conn, schema := e.conn, e.schema
		c.mu.Unlock()
		observability.ObserveConnectorLookup("hit")
		return conn, schema, nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan(sessionID, func() (any, error) {
		return c.load(context.WithoutCancel(ctx), sessionID)
	})
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			switch {
			case errors.Is(res.Err, errs.ErrNotBound):
				observability.ObserveConnectorLookup("not_bound")
			case errors.Is(res.Err, errs.ErrCacheUnavailable):
				observability.ObserveConnectorLookup("unavailable")
			}
			return nil, nil, res.Err
		}
		snapshot := res.Val.(entrySnapshot)
		return snapshot.conn, snapshot.schema, nil
	}
}

type entrySnapshot struct {
	conn   *connector.Connector
	schema connector.Schema
}

// load revalidates the durable record and reuses or rebuilds the local
// connector. It runs at most once per session at a time.
func (c *Cache) load(ctx context.Context, sessionID string) (entrySnapshot, error) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	rec, err := c.Store.Touch(ctx, sessionID, c.Config.TTL)
	if errors.Is(err, ErrRecordNotFound) {
		c.drop(sessionID)
		return entrySnapshot{}, fmt.Errorf("cache: session %s: %w", sessionID, errs.ErrNotBound)
	}
	if err != nil {
		return entrySnapshot{}, fmt.Errorf("cache: revalidate session %s: %w", sessionID, err)
	}
	fingerprint, err := fingerprintOf(rec.Descriptor)
	if err != nil {
		return entrySnapshot{}, err
	}

	now := c.Clock()
	c.mu.Lock()
	if e, ok := c.entries[sessionID]; ok && e.fingerprint == fingerprint {
		e.validatedAt = now
		e.lastAccess = now
		if e.schema == nil {
			e.schema = rec.Schema
		}
		snapshot := entrySnapshot{conn: e.conn, schema: e.schema}
		c.mu.Unlock()
		observability.ObserveConnectorLookup("hit")
		return snapshot, nil
	}
	c.mu.Unlock()

	observability.ObserveConnectorLookup("miss")
	conn, err := c.Open(ctx, rec.Descriptor)
	if err != nil {
		return entrySnapshot{}, fmt.Errorf("cache: construct connector for session %s: %w", sessionID, err)
	}
	observability.ObserveConnectorConstructed()
	c.install(sessionID, &entry{
		conn:        conn,
		fingerprint: fingerprint,
		schema:      rec.Schema,
		validatedAt: now,
		lastAccess:  now,
	})
	c.Logger.DebugContext(ctx, "connector constructed", slog.String("session_id", sessionID))
	return entrySnapshot{conn: conn, schema: rec.Schema}, nil
}

// Schema returns the session's schema, introspecting and caching it when
// neither layer has a copy.
func (c *Cache) Schema(ctx context.Context, sessionID string) (connector.Schema, error) {
	conn, schema, err := c.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if schema != nil {
		return schema, nil
	}

	unlock := c.locks.Lock(sessionID)
	defer unlock()

	c.mu.RLock()
	if e, ok := c.entries[sessionID]; ok && e.conn == conn && e.schema != nil {
		schema = e.schema
	}
	c.mu.RUnlock()
	if schema != nil {
		return schema, nil
	}

	schema, err = conn.Introspect(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Store.SetSchema(ctx, sessionID, schema, c.Config.TTL); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			c.drop(sessionID)
			return nil, fmt.Errorf("cache: session %s: %w", sessionID, errs.ErrNotBound)
		}
		c.Logger.WarnContext(ctx, "schema write-back failed",
			slog.String("session_id", sessionID), slog.Any("error", err))
	}

	c.mu.Lock()
	if e, ok := c.entries[sessionID]; ok && e.conn == conn {
		e.schema = schema
	}
	c.mu.Unlock()
	return schema, nil
}

// InvalidateSchema forgets the cached schema in both layers. It is a no-op
// for sessions that are not bound.
func (c *Cache) InvalidateSchema(ctx context.Context, sessionID string) error {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	c.mu.Lock()
	if e, ok := c.entries[sessionID]; ok {
		e.schema = nil
	}
	c.mu.Unlock()

	if err := c.Store.ClearSchema(ctx, sessionID); err != nil && !errors.Is(err, ErrRecordNotFound) {
		return fmt.Errorf("cache: invalidate schema for session %s: %w", sessionID, err)
	}
	return nil
}

// Unbind removes the binding from both layers. Local state is dropped even
// when the durable delete fails.
func (c *Cache) Unbind(ctx context.Context, sessionID string) error {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	err := c.Store.Delete(ctx, sessionID)
	c.drop(sessionID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return fmt.Errorf("cache: unbind session %s: %w", sessionID, err)
	}
	return nil
}

// IsBound asks the durable layer. A missing record also drops local state.
func (c *Cache) IsBound(ctx context.Context, sessionID string) (bool, error) {
	ok, err := c.Store.Exists(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("cache: check session %s: %w", sessionID, err)
	}
	if !ok {
		unlock := c.locks.Lock(sessionID)
		c.drop(sessionID)
		unlock()
	}
	return ok, nil
}

// Evict closes the local connector without touching the durable record.
func (c *Cache) Evict(sessionID string) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()
	c.drop(sessionID)
}

// Sweep closes connectors idle for longer than IdleTTL and returns how many
// were closed. Durable records are left alone.
func (c *Cache) Sweep(ctx context.Context) int {
	cutoff := c.Clock().Add(-c.Config.IdleTTL)
	c.mu.RLock()
	idle := make([]string, 0)
	for sessionID, e := range c.entries {
		if e.lastAccess.Before(cutoff) {
			idle = append(idle, sessionID)
		}
	}
	c.mu.RUnlock()

	closed := 0
	for _, sessionID := range idle {
		unlock := c.locks.Lock(sessionID)
		c.mu.RLock()
		e, ok := c.entries[sessionID]
		stillIdle := ok && e.lastAccess.Before(cutoff)
		c.mu.RUnlock()
		if stillIdle {
			c.drop(sessionID)
			closed++
		}
		unlock()
	}
	if closed > 0 {
		c.Logger.InfoContext(ctx, "idle connectors closed", slog.Int("count", closed))
	}
	return closed
}

// Run sweeps idle connectors until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.Config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Len reports the number of live in-process connectors.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close closes every local connector.
func (c *Cache) Close() error {
	c.mu.Lock()
	entries := c.entries
	c.entries = map[string]*entry{}
	c.mu.Unlock()

	var closeErr error
	for _, e := range entries {
		closeErr = errors.Join(closeErr, e.conn.Close())
	}
	observability.SetActiveConnectors(0)
	return closeErr
}

func (c *Cache) install(sessionID string, e *entry) {
	c.mu.Lock()
	previous := c.entries[sessionID]
	c.entries[sessionID] = e
	count := len(c.entries)
	c.mu.Unlock()
	if previous != nil && previous.conn != e.conn {
		_ = previous.conn.Close()
	}
	observability.SetActiveConnectors(count)
}

func (c *Cache) drop(sessionID string) {
	c.mu.Lock()
	previous := c.entries[sessionID]
	delete(c.entries, sessionID)
	count := len(c.entries)
	c.mu.Unlock()
	if previous != nil {
		_ = previous.conn.Close()
	}
	observability.SetActiveConnectors(count)
}

func fingerprintOf(d connector.Descriptor) (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("cache: encode descriptor: %w", err)
	}
	return string(raw), nil
}
