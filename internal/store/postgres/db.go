// Package postgres is the shared store backend for multi-replica deployments.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const defaultApplicationName = "sqlagent"

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	// ApplicationName is reported in pg_stat_activity unless the DSN
	// already sets one.
	ApplicationName string
	PingTimeout     time.Duration
}

// Open parses the DSN with pgx, applies pool limits and verifies the
// connection before returning.
func Open(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	connConfig, err := parseConnConfig(cfg)
	if err != nil {
		return nil, err
	}
	db := stdlib.OpenDB(*connConfig)
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store db %s: %w", redactedTarget(connConfig), err)
	}
	return db, nil
}

func parseConnConfig(cfg DBConfig) (*pgx.ConnConfig, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("store dsn is required")
	}
	connConfig, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		// pgx echoes the DSN in parse errors; keep credentials out of logs.
		return nil, fmt.Errorf("parse store dsn: invalid connection string")
	}
	if connConfig.RuntimeParams == nil {
		connConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := connConfig.RuntimeParams["application_name"]; !ok {
		name := strings.TrimSpace(cfg.ApplicationName)
		if name == "" {
			name = defaultApplicationName
		}
		connConfig.RuntimeParams["application_name"] = name
	}
	return connConfig, nil
}

func redactedTarget(c *pgx.ConnConfig) string {
	return fmt.Sprintf("%s:%d/%s", c.Host, c.Port, c.Database)
}
