package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ephemera/internal/server/database"
	"ephemera/internal/server/files"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newCounters(t *testing.T, start time.Time) (*Counters, *clock) {
	t.Helper()
	store, err := database.NewJSONStore(afero.NewMemMapFs(), "/meta")
	require.NoError(t, err)
	clk := &clock{t: start}
	return New(store).WithClock(clk.Now), clk
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	t.Run("empty store starts at zero", func(t *testing.T) {
		c, _ := newCounters(t, start)

		s, err := c.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), s.TotalUploads)
		assert.Nil(t, s.LastUploadAt)
		assert.Equal(t, "2026-10-14", s.LastResetDate)
	})

	t.Run("records uploads and downloads", func(t *testing.T) {
		c, _ := newCounters(t, start)

		require.NoError(t, c.RecordUpload(ctx, 100))
		require.NoError(t, c.RecordUpload(ctx, 50))
		require.NoError(t, c.RecordDownload(ctx, 100))

		s, err := c.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), s.TotalUploads)
		assert.Equal(t, int64(150), s.TotalBytesUploaded)
		assert.Equal(t, int64(1), s.TotalDownloads)
		assert.Equal(t, int64(100), s.TotalBytesDownloaded)
		assert.Equal(t, int64(2), s.UploadsToday)
		assert.Equal(t, int64(1), s.DownloadsToday)
		require.NotNil(t, s.LastUploadAt)
		require.NotNil(t, s.LastDownloadAt)
		assert.True(t, start.Equal(*s.LastDownloadAt))
	})

	t.Run("daily counters reset when the day changes", func(t *testing.T) {
		c, clk := newCounters(t, start)

		require.NoError(t, c.RecordUpload(ctx, 10))
		require.NoError(t, c.RecordDownload(ctx, 10))

		clk.Set(start.Add(24 * time.Hour))

		s, err := c.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), s.UploadsToday)
		assert.Equal(t, int64(0), s.DownloadsToday)
		assert.Equal(t, int64(1), s.TotalUploads, "totals survive rollover")
		assert.Equal(t, "2026-10-15", s.LastResetDate)

		require.NoError(t, c.RecordUpload(ctx, 10))
		s, err = c.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), s.UploadsToday)
		assert.Equal(t, int64(2), s.TotalUploads)
	})

	t.Run("day boundary follows UTC", func(t *testing.T) {
		paris, err := time.LoadLocation("Europe/Paris")
		if err != nil {
			t.Skip("tzdata unavailable")
		}
		// 00:30 in Paris is still the previous day in UTC
		c, _ := newCounters(t, time.Date(2026, 10, 15, 0, 30, 0, 0, paris))

		s, err := c.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, "2026-10-14", s.LastResetDate)
	})

	t.Run("concurrent records are not lost", func(t *testing.T) {
		c, _ := newCounters(t, start)

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, c.RecordDownload(ctx, 2))
			}()
		}
		wg.Wait()

		s, err := c.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(50), s.TotalDownloads)
		assert.Equal(t, int64(100), s.TotalBytesDownloaded)
	})

	t.Run("store failures surface", func(t *testing.T) {
		c := New(failingStats{})
		assert.Error(t, c.RecordUpload(ctx, 1))
		_, err := c.Snapshot(ctx)
		assert.Error(t, err)
	})
}

type failingStats struct{}

func (failingStats) LoadStats(context.Context) (*files.Stats, error) {
	return nil, errors.New("disk unavailable")
}

func (failingStats) SaveStats(context.Context, *files.Stats) error {
	return errors.New("disk unavailable")
}
