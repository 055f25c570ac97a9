package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ephemera/internal/server/api"
	"ephemera/internal/server/config"
	"ephemera/internal/server/database"
	"ephemera/internal/server/service"
	"ephemera/internal/server/storage"
	"ephemera/internal/server/usage"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server exited cleanly")
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_path", cfg.StoragePath,
		"metadata_backend", cfg.MetadataBackend,
		"max_file_size", humanize.IBytes(uint64(cfg.MaxFileSize)),
		"ttl", cfg.TTL,
		"max_ttl", cfg.MaxTTL,
		"cleanup_interval", cfg.CleanupInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()

	// Initialize storage
	blobs := storage.NewFileSystemStore(fs, cfg.StoragePath)
	if err := blobs.EnsureDir(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	slog.Info("file storage initialized", "path", cfg.StoragePath)

	// Metadata backend
	stores, err := database.Open(ctx, fs, cfg)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			slog.Error("failed to close metadata store", "error", err)
		}
	}()

	counters := usage.New(stores)
	svc := service.NewFileService(blobs, stores, counters, cfg)

	// Start cleanup service; every ingest also schedules a sweep
	cleanup := storage.NewCleanupService(svc, cfg.CleanupInterval)
	svc.OnIngest(cleanup.Trigger)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	cleanup.Start(cleanupCtx)

	// Setup HTTP router
	handler := api.NewHandler(svc, stores, cfg)
	e := api.SetupRouter(handler, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		// Stop accepting new requests, finish in-flight with 30s timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := e.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
		return nil
	})

	err = g.Wait()

	// Stop cleanup service
	cleanupCancel()
	cleanup.Wait()

	return err
}
