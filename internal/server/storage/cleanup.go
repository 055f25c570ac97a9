package storage

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper removes expired and inconsistent entries, returning how many it removed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// CleanupService runs sweeps on a single background goroutine, either on a
// fixed interval or whenever Trigger is called.
type CleanupService struct {
	sweeper  Sweeper
	interval time.Duration
	trigger  chan struct{}
	done     chan struct{}
}

// NewCleanupService creates a new cleanup service. An interval of zero
// disables periodic sweeps; triggered sweeps still run.
func NewCleanupService(sweeper Sweeper, interval time.Duration) *CleanupService {
	return &CleanupService{
		sweeper:  sweeper,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval)

	go func() {
		defer close(cs.done)

		var tick <-chan time.Time
		if cs.interval > 0 {
			ticker := time.NewTicker(cs.interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		// Run once immediately on start
		cs.runCleanup(ctx, "startup")

		for {
			select {
			case <-tick:
				cs.runCleanup(ctx, "interval")
			case <-cs.trigger:
				cs.runCleanup(ctx, "trigger")
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				return
			}
		}
	}()
}

// Trigger requests a sweep without waiting for it. Requests made while one
// is already pending are coalesced.
func (cs *CleanupService) Trigger() {
	select {
	case cs.trigger <- struct{}{}:
	default:
	}
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

func (cs *CleanupService) runCleanup(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	removed, err := cs.sweeper.Sweep(ctx)
	if err != nil {
		slog.Error("cleanup cycle failed", "reason", reason, "error", err)
		return
	}

	slog.Info("cleanup cycle complete",
		"reason", reason,
		"removed", removed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
