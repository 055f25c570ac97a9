// Package usage keeps the process-wide upload and download counters.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ephemera/internal/server/files"
)

const dateLayout = "2006-01-02"

// Counters serialises every read-modify-write of the single Stats record.
type Counters struct {
	mu    sync.Mutex
	store files.StatsStore
	now   func() time.Time
	loc   *time.Location
}

// New creates counters persisted in store. Days roll over in UTC.
func New(store files.StatsStore) *Counters {
	return &Counters{store: store, now: time.Now, loc: time.UTC}
}

// WithClock replaces the time source, for tests.
func (c *Counters) WithClock(now func() time.Time) *Counters {
	c.now = now
	return c
}

// RecordUpload counts one successful ingest of n bytes.
func (c *Counters) RecordUpload(ctx context.Context, n int64) error {
	return c.update(ctx, func(s *files.Stats, now time.Time) {
		s.TotalUploads++
		s.TotalBytesUploaded += n
		s.LastUploadAt = &now
		s.UploadsToday++
	})
}

// RecordDownload counts one successful fetch of n bytes.
func (c *Counters) RecordDownload(ctx context.Context, n int64) error {
	return c.update(ctx, func(s *files.Stats, now time.Time) {
		s.TotalDownloads++
		s.TotalBytesDownloaded += n
		s.LastDownloadAt = &now
		s.DownloadsToday++
	})
}

// Snapshot returns the current aggregate with daily counters reset if the
// day has changed since they were last written.
func (c *Counters) Snapshot(ctx context.Context) (*files.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(ctx, c.now())
}

func (c *Counters) update(ctx context.Context, fn func(*files.Stats, time.Time)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s, err := c.load(ctx, now)
	if err != nil {
		return err
	}
	fn(s, now)
	if err := c.store.SaveStats(ctx, s); err != nil {
		return fmt.Errorf("failed to save usage stats: %w", err)
	}
	return nil
}

func (c *Counters) load(ctx context.Context, now time.Time) (*files.Stats, error) {
	today := now.In(c.loc).Format(dateLayout)

	s, err := c.store.LoadStats(ctx)
	if errors.Is(err, files.ErrNotFound) {
		return &files.Stats{LastResetDate: today}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usage stats: %w", err)
	}

	if s.LastResetDate != today {
		s.UploadsToday = 0
		s.DownloadsToday = 0
		s.LastResetDate = today
	}
	return s, nil
}
