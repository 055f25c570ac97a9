package files

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared by every store implementation.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrCorrupt       = errors.New("corrupt record")
)

// Record describes one uploaded file. The blob itself lives in a BlobStore
// under the same ID.
type Record struct {
	ID           string    `json:"file_id"`
	OriginalName string    `json:"filename"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	Checksum     string    `json:"checksum"`
	UploadedAt   time.Time `json:"uploaded_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Downloads    int64     `json:"downloads"`
}

// Expired reports whether the record is logically absent at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Clone returns an independent copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// Stats is the process-wide usage aggregate. The API renders it with
// camelCase keys and millisecond timestamps.
type Stats struct {
	TotalUploads         int64
	TotalDownloads       int64
	TotalBytesUploaded   int64
	TotalBytesDownloaded int64
	LastUploadAt         *time.Time
	LastDownloadAt       *time.Time
	UploadsToday         int64
	DownloadsToday       int64
	LastResetDate        string
}

// BlobStore holds raw file bytes keyed by record ID.
type BlobStore interface {
	Write(ctx context.Context, id, ext string, r io.Reader) (int64, error)
	Read(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

// MetadataStore persists one independently addressable Record per ID.
type MetadataStore interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// Update applies fn to the stored record and writes the result back.
	Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// StatsStore persists the single Stats record. LoadStats returns
// ErrNotFound when nothing has been saved yet.
type StatsStore interface {
	LoadStats(ctx context.Context) (*Stats, error)
	SaveStats(ctx context.Context, s *Stats) error
}

// Pinger is implemented by stores that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewID returns a fresh random file ID.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id has the canonical form produced by NewID.
// IDs end up in file names, so anything else is rejected.
func ValidID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
