package core

import (
	"context"
	"fmt"
	"os"

	"chemlab/internal/infra/persistence/memory"
	"chemlab/internal/infra/persistence/postgres"
	"chemlab/internal/infra/persistence/sqlite"
	"chemlab/pkg/domain"
)

// StorageDriver identifies a concrete result store implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageOptions selects and configures the result store.
type StorageOptions struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// StorageOptionsFromEnv reads storage selection from the environment.
// Defaults to sqlite when unset.
//
//	CHEMLAB_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	CHEMLAB_SQLITE_PATH: path to sqlite file (default ./chemlab.db)
//	CHEMLAB_POSTGRES_DSN: postgres DSN when driver=postgres
func StorageOptionsFromEnv() StorageOptions {
	return StorageOptions{
		Driver:      StorageDriver(os.Getenv("CHEMLAB_STORAGE_DRIVER")),
		SQLitePath:  os.Getenv("CHEMLAB_SQLITE_PATH"),
		PostgresDSN: os.Getenv("CHEMLAB_POSTGRES_DSN"),
	}
}

// OpenResultStore opens the configured result store. Stores backed by a
// database implement io.Closer.
func OpenResultStore(ctx context.Context, opts StorageOptions) (domain.ResultStore, error) {
	driver := opts.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		store, err := sqlite.NewStore(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
