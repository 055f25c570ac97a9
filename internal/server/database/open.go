package database

import (
	"context"
	"fmt"
	"log/slog"

	"ephemera/internal/server/config"
	"ephemera/internal/server/files"

	"github.com/spf13/afero"
)

// Backend names accepted in METADATA_BACKEND.
const (
	BackendJSON     = "json"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Store is implemented by every metadata backend.
type Store interface {
	files.MetadataStore
	files.StatsStore
	files.Pinger
}

// Stores bundles the selected backend with its cleanup.
type Stores struct {
	Store
	closeFn func() error
}

// Close releases the backend's resources.
func (s *Stores) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Open builds the metadata backend named by cfg.MetadataBackend.
func Open(ctx context.Context, fs afero.Fs, cfg *config.Config) (*Stores, error) {
	switch cfg.MetadataBackend {
	case BackendJSON, "":
		store, err := NewJSONStore(fs, cfg.MetadataPath)
		if err != nil {
			return nil, err
		}
		slog.Info("metadata backend ready", "backend", BackendJSON, "path", cfg.MetadataPath)
		return &Stores{Store: store}, nil

	case BackendSQLite:
		store, err := NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("metadata backend ready", "backend", BackendSQLite, "path", cfg.SQLitePath)
		return &Stores{Store: store, closeFn: store.Close}, nil

	case BackendPostgres:
		db, err := New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		slog.Info("metadata backend ready", "backend", BackendPostgres)
		return &Stores{Store: NewRepository(db), closeFn: db.Close}, nil

	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.MetadataBackend)
	}
}
