package persistence

import (
	"context"
	"fmt"
	"log"

	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/persistence/memory"
	"example.com/healthsync/internal/persistence/postgres"
	"example.com/healthsync/internal/persistence/sqlite"
)

// Open builds the repository selected by cfg.StorageDriver. The returned func releases it.
func Open(ctx context.Context, cfg config.Config, logger *log.Logger) (domain.Repository, func(), error) {
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		if cfg.MigrateOnStart {
			if err := migratePostgres(cfg.PostgresURL); err != nil {
				return nil, nil, err
			}
			logger.Printf("postgres migrations applied")
		}
		pool, err := postgres.NewPool(ctx, cfg.PostgresURL, int32(cfg.PostgresMaxConns))
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewRepository(pool), pool.Close, nil

	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Printf("using sqlite store at %s", cfg.SQLitePath)
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Printf("close sqlite store: %v", err)
			}
		}, nil

	case config.DriverMemory:
		logger.Printf("using in-memory store; data is lost on exit")
		return memory.NewRepository(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func migratePostgres(url string) error {
	migrator, err := postgres.NewMigrator(url)
	if err != nil {
		return err
	}
	defer migrator.Close()
	return migrator.Up()
}
