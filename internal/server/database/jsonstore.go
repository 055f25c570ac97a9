package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ephemera/internal/server/files"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	recordExt     = ".json"
	statsFileName = "stats.json"
)

// jsonRecord is the on-disk form of a files.Record. Timestamps are stored as
// milliseconds since the epoch.
type jsonRecord struct {
	FileID       string `json:"fileId"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	ContentType  string `json:"contentType,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
	UploadedAt   int64  `json:"uploadedAt"`
	ExpiresAt    int64  `json:"expiresAt"`
	Downloads    int64  `json:"downloads"`
}

type jsonStats struct {
	TotalUploads         int64  `json:"totalUploads"`
	TotalDownloads       int64  `json:"totalDownloads"`
	TotalBytesUploaded   int64  `json:"totalBytesUploaded"`
	TotalBytesDownloaded int64  `json:"totalBytesDownloaded"`
	LastUploadAt         *int64 `json:"lastUploadAt"`
	LastDownloadAt       *int64 `json:"lastDownloadAt"`
	UploadsToday         int64  `json:"uploadsToday"`
	DownloadsToday       int64  `json:"downloadsToday"`
	LastResetDate        string `json:"lastResetDate"`
}

// JSONStore keeps each record in its own <id>.json file, plus a single
// stats.json for the usage aggregate. One unreadable file only affects its
// own id.
type JSONStore struct {
	fs  afero.Fs
	dir string
}

var (
	_ files.MetadataStore = (*JSONStore)(nil)
	_ files.StatsStore    = (*JSONStore)(nil)
)

// NewJSONStore creates the metadata directory on fs if needed.
func NewJSONStore(fs afero.Fs, dir string) (*JSONStore, error) {
	dir = filepath.Clean(dir)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory %s: %w", dir, err)
	}
	return &JSONStore{fs: fs, dir: dir}, nil
}

// Create writes a new record. It fails with files.ErrAlreadyExists when a
// record for the same id is present, even if that record is corrupt.
func (s *JSONStore) Create(ctx context.Context, rec *files.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !files.ValidID(rec.ID) {
		return fmt.Errorf("invalid record id %q", rec.ID)
	}

	ok, err := afero.Exists(s.fs, s.recordPath(rec.ID))
	if err != nil {
		return fmt.Errorf("failed to check record %s: %w", rec.ID, err)
	}
	if ok {
		return fmt.Errorf("record %s: %w", rec.ID, files.ErrAlreadyExists)
	}

	return s.writeRecord(rec)
}

// Get reads the record for id.
func (s *JSONStore) Get(ctx context.Context, id string) (*files.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !files.ValidID(id) {
		return nil, fmt.Errorf("record %q: %w", id, files.ErrNotFound)
	}

	data, err := afero.ReadFile(s.fs, s.recordPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("record %s: %w", id, files.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read record %s: %w", id, err)
	}

	var jr jsonRecord
	if err := json.Unmarshal(data, &jr); err != nil {
		return nil, fmt.Errorf("record %s: %w: %v", id, files.ErrCorrupt, err)
	}
	if jr.FileID != id {
		return nil, fmt.Errorf("record %s: %w: id mismatch %q", id, files.ErrCorrupt, jr.FileID)
	}

	return &files.Record{
		ID:           jr.FileID,
		OriginalName: jr.OriginalName,
		Size:         jr.Size,
		ContentType:  jr.ContentType,
		Checksum:     jr.Checksum,
		UploadedAt:   time.UnixMilli(jr.UploadedAt),
		ExpiresAt:    time.UnixMilli(jr.ExpiresAt),
		Downloads:    jr.Downloads,
	}, nil
}

// Update reads the record, applies fn, and writes it back. Callers serialise
// updates to the same id.
func (s *JSONStore) Update(ctx context.Context, id string, fn func(*files.Record) error) (*files.Record, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.ID = id
	if err := s.writeRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the record for id. Missing records are not an error.
func (s *JSONStore) Delete(ctx context.Context, id string) error {
	if !files.ValidID(id) {
		return nil
	}
	if err := s.fs.Remove(s.recordPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	return nil
}

// List returns the ids of all records, skipping stats.json and anything else
// that is not named after a valid id.
func (s *JSONStore) List(ctx context.Context) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		if id := strings.TrimSuffix(name, recordExt); files.ValidID(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// LoadStats reads stats.json.
func (s *JSONStore) LoadStats(ctx context.Context) (*files.Stats, error) {
	data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, statsFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, files.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}

	var js jsonStats
	if err := json.Unmarshal(data, &js); err != nil {
		return nil, fmt.Errorf("stats: %w: %v", files.ErrCorrupt, err)
	}

	return &files.Stats{
		TotalUploads:         js.TotalUploads,
		TotalDownloads:       js.TotalDownloads,
		TotalBytesUploaded:   js.TotalBytesUploaded,
		TotalBytesDownloaded: js.TotalBytesDownloaded,
		LastUploadAt:         fromMillis(js.LastUploadAt),
		LastDownloadAt:       fromMillis(js.LastDownloadAt),
		UploadsToday:         js.UploadsToday,
		DownloadsToday:       js.DownloadsToday,
		LastResetDate:        js.LastResetDate,
	}, nil
}

// SaveStats replaces stats.json.
func (s *JSONStore) SaveStats(ctx context.Context, st *files.Stats) error {
	js := jsonStats{
		TotalUploads:         st.TotalUploads,
		TotalDownloads:       st.TotalDownloads,
		TotalBytesUploaded:   st.TotalBytesUploaded,
		TotalBytesDownloaded: st.TotalBytesDownloaded,
		LastUploadAt:         toMillis(st.LastUploadAt),
		LastDownloadAt:       toMillis(st.LastDownloadAt),
		UploadsToday:         st.UploadsToday,
		DownloadsToday:       st.DownloadsToday,
		LastResetDate:        st.LastResetDate,
	}
	return s.writeJSON(filepath.Join(s.dir, statsFileName), js)
}

// Ping checks that the metadata directory is still reachable.
func (s *JSONStore) Ping(ctx context.Context) error {
	if _, err := s.fs.Stat(s.dir); err != nil {
		return fmt.Errorf("metadata directory unavailable: %w", err)
	}
	return nil
}

func (s *JSONStore) writeRecord(rec *files.Record) error {
	jr := jsonRecord{
		FileID:       rec.ID,
		OriginalName: rec.OriginalName,
		Size:         rec.Size,
		ContentType:  rec.ContentType,
		Checksum:     rec.Checksum,
		UploadedAt:   rec.UploadedAt.UnixMilli(),
		ExpiresAt:    rec.ExpiresAt.UnixMilli(),
		Downloads:    rec.Downloads,
	}
	if err := s.writeJSON(s.recordPath(rec.ID), jr); err != nil {
		return fmt.Errorf("failed to write record %s: %w", rec.ID, err)
	}
	return nil
}

// writeJSON writes v to a temp file next to path and renames it into place,
// so readers never observe a half-written record.
func (s *JSONStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp := filepath.Join(s.dir, "."+uuid.NewString()+".tmp")
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		s.fs.Remove(tmp)
		return err
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		s.fs.Remove(tmp)
		return err
	}
	return nil
}

func (s *JSONStore) recordPath(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

func toMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}
