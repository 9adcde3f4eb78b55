package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/datastore"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/panyam/plugauth"
	"github.com/panyam/plugauth/stores/fs"
	"github.com/panyam/plugauth/stores/gae"
	gormstore "github.com/panyam/plugauth/stores/gorm"
	"github.com/panyam/plugauth/stores/memory"
	"github.com/panyam/plugauth/stores/postgres"
	redisstore "github.com/panyam/plugauth/stores/redis"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openStorage builds the storage ports for the configured driver.  When a
// Redis address is set, sessions and flow states go to Redis whatever the
// driver.
func openStorage(ctx context.Context, cfg plugauth.StorageConfig, log *slog.Logger) (*plugauth.Storage, io.Closer, error) {
	var (
		storage *plugauth.Storage
		closers []func() error
	)
	switch cfg.Driver {
	case "memory", "redis":
		storage = memory.New().Storage()
	case "fs":
		storage = fs.New(cfg.Path).Storage()
	case "gorm":
		db, err := gorm.Open(gormpg.Open(cfg.DSN), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
		if err != nil {
			return nil, nil, fmt.Errorf("opening gorm database: %w", err)
		}
		storage = gormstore.New(db).Storage()
		if sqlDB, err := db.DB(); err == nil {
			closers = append(closers, sqlDB.Close)
		}
	case "postgres":
		store, err := postgres.Open(ctx, postgres.Config{DSN: cfg.DSN})
		if err != nil {
			return nil, nil, err
		}
		storage = store.Storage()
		closers = append(closers, func() error { store.Close(); return nil })
	case "gae":
		client, err := datastore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("creating datastore client: %w", err)
		}
		storage = gae.New(client, cfg.Namespace).Storage()
		closers = append(closers, client.Close)
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	if cfg.RedisAddr != "" {
		rdb, err := redisstore.Open(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		rs := redisstore.New(rdb, "")
		storage.Sessions = rs
		storage.Flows = rs
		closers = append(closers, rdb.Close)
	}
	log.Info("storage ready", "driver", cfg.Driver, "redis", cfg.RedisAddr != "")

	return storage, closerFunc(func() error {
		var first error
		for _, c := range closers {
			if err := c(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}), nil
}
