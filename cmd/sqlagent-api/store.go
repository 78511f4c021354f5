package main

import (
	"context"
	"fmt"

	"github.com/sqlagent/sqlagent/internal/config"
	"github.com/sqlagent/sqlagent/internal/store"
	storebolt "github.com/sqlagent/sqlagent/internal/store/bolt"
	storememory "github.com/sqlagent/sqlagent/internal/store/memory"
	storepostgres "github.com/sqlagent/sqlagent/internal/store/postgres"
)

// openRepository builds the session registry and checkpoint store selected
// by SQLAGENT_STORE_BACKEND.
func openRepository(ctx context.Context, cfg config.Config) (store.Repository, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendPostgres:
		db, err := storepostgres.Open(ctx, storepostgres.DBConfig{
			DSN:             cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
			ApplicationName: cfg.Service.Name,
		})
		if err != nil {
			return nil, err
		}
		return storepostgres.NewRepository(db), nil
	case config.StoreBackendBolt:
		repo, err := storebolt.Open(storebolt.Config{Path: cfg.Store.BoltPath})
		if err != nil {
			return nil, err
		}
		return repo, nil
	case config.StoreBackendMemory:
		return storememory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}
