package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations contains all database migrations in order.
// Each migration has a version key and SQL to execute.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_files",
		SQL: `
			CREATE TABLE IF NOT EXISTS files (
				id            VARCHAR(36)  PRIMARY KEY,
				original_name TEXT         NOT NULL,
				size          BIGINT       NOT NULL,
				content_type  VARCHAR(255) NOT NULL DEFAULT '',
				checksum      VARCHAR(64)  NOT NULL DEFAULT '',
				uploaded_at   TIMESTAMPTZ  NOT NULL,
				expires_at    TIMESTAMPTZ  NOT NULL,
				downloads     BIGINT       NOT NULL DEFAULT 0,
				CHECK (expires_at > uploaded_at)
			);
			CREATE INDEX IF NOT EXISTS idx_files_expires_at ON files(expires_at);
		`,
	},
	{
		Version: "000002_create_usage_stats",
		SQL: `
			CREATE TABLE IF NOT EXISTS usage_stats (
				id                     SMALLINT    PRIMARY KEY CHECK (id = 1),
				total_uploads          BIGINT      NOT NULL DEFAULT 0,
				total_downloads        BIGINT      NOT NULL DEFAULT 0,
				total_bytes_uploaded   BIGINT      NOT NULL DEFAULT 0,
				total_bytes_downloaded BIGINT      NOT NULL DEFAULT 0,
				last_upload_at         TIMESTAMPTZ,
				last_download_at       TIMESTAMPTZ,
				uploads_today          BIGINT      NOT NULL DEFAULT 0,
				downloads_today        BIGINT      NOT NULL DEFAULT 0,
				last_reset_date        VARCHAR(10) NOT NULL
			);
		`,
	},
}

// DB wraps a pgxpool connection pool and provides health checks and migrations.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database")
	return &DB{Pool: pool}, nil
}

// RunMigrations applies all pending database migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}
