package connector

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	DefaultQueryTimeout = 10 * time.Second
	DefaultMaxRows      = 200
)

type Options struct {
	QueryTimeout time.Duration
	MaxRows      int
}

func (o Options) withDefaults() Options {
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = DefaultQueryTimeout
	}
	if o.MaxRows <= 0 {
		o.MaxRows = DefaultMaxRows
	}
	return o
}

// Connector is a live handle to one target database. It holds a single
// connection, so statements issued through it never run concurrently.
type Connector struct {
	db     *sql.DB
	driver string
	opts   Options
}

// Open connects to the database described by d and verifies it with a ping.
func Open(ctx context.Context, d Descriptor, opts Options) (*Connector, error) {
	driverName, dsn, err := d.DataSource()
	if err != nil {
		return nil, fmt.Errorf("invalid descriptor: %w", err)
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Driver, err)
	}
	conn := New(db, d.Driver, opts)
	if err := conn.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return conn, nil
}

// New wraps an already opened pool.
func New(db *sql.DB, driver string, opts Options) *Connector {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &Connector{db: db, driver: driver, opts: opts.withDefaults()}
}

func (c *Connector) Driver() string {
	return c.driver
}

func (c *Connector) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout)
	defer cancel()
	if err := c.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping %s: %w", c.driver, err)
	}
	return nil
}

func (c *Connector) Close() error {
	return c.db.Close()
}
