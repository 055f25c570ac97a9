package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"ephemera/internal/server/config"
	"ephemera/internal/server/files"
	"ephemera/internal/server/storage"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/crypto/blake2b"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound     = errors.New("file not found")
	ErrExpired      = errors.New("file has expired")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
	ErrNoFile       = errors.New("no file provided")
	ErrInvalidTTL   = errors.New("invalid ttl")
)

// DefaultFilename names uploads that arrive without one.
const DefaultFilename = "uploaded-file"

const (
	maxIDAttempts = 8
	sniffLength   = 3072
	minTTL        = time.Millisecond
)

// Usage receives the aggregate counters for successful ingests and fetches.
type Usage interface {
	RecordUpload(ctx context.Context, n int64) error
	RecordDownload(ctx context.Context, n int64) error
	Snapshot(ctx context.Context) (*files.Stats, error)
}

// IngestRequest describes one upload.
type IngestRequest struct {
	Name    string
	Content io.Reader
	// Size is the declared length, or -1 when unknown.
	Size int64
	// TTL overrides the configured TTL when positive.
	TTL time.Duration
}

// Download is the result of a successful Fetch.
type Download struct {
	Record  *files.Record
	Content []byte
}

// FileService owns the file lifecycle: ingest, fetch, expiry and sweeping.
type FileService struct {
	blobs   files.BlobStore
	meta    files.MetadataStore
	usage   Usage
	locks   *keyedMutex
	maxSize int64
	ttl     time.Duration
	maxTTL  time.Duration
	timeout time.Duration

	now      func() time.Time
	newID    func() string
	onIngest func()
}

// Option customises a FileService.
type Option func(*FileService)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *FileService) { s.now = now }
}

// WithIDGenerator replaces the id source.
func WithIDGenerator(gen func() string) Option {
	return func(s *FileService) { s.newID = gen }
}

// NewFileService creates a new file service.
func NewFileService(blobs files.BlobStore, meta files.MetadataStore, usage Usage, cfg *config.Config, opts ...Option) *FileService {
	s := &FileService{
		blobs:   blobs,
		meta:    meta,
		usage:   usage,
		locks:   newKeyedMutex(),
		maxSize: cfg.MaxFileSize,
		ttl:     cfg.TTL,
		maxTTL:  cfg.MaxTTL,
		timeout: cfg.StoreTimeout,
		now:     time.Now,
		newID:   files.NewID,
	}
	if s.maxSize <= 0 {
		s.maxSize = config.MaxUploadSize
	}
	if s.ttl <= 0 {
		s.ttl = config.DefaultTTL
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnIngest registers fn to run after every successful ingest. It must be
// called before the service is shared.
func (s *FileService) OnIngest(fn func()) {
	s.onIngest = fn
}

// Ingest validates the upload, stores the blob and then its record.
func (s *FileService) Ingest(ctx context.Context, req IngestRequest) (*files.Record, error) {
	if req.Content == nil {
		return nil, ErrNoFile
	}
	if req.Size > s.maxSize {
		return nil, ErrFileTooLarge
	}

	ttl := s.ttl
	if req.TTL != 0 {
		if req.TTL < 0 || (s.maxTTL > 0 && req.TTL > s.maxTTL) {
			return nil, ErrInvalidTTL
		}
		ttl = max(req.TTL, minTTL)
	}

	name := req.Name
	if strings.TrimSpace(name) == "" {
		name = DefaultFilename
	}

	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		id := s.newID()

		rec, err := s.ingestAs(ctx, id, name, ttl, req.Content)
		if errors.Is(err, errIDTaken) {
			slog.Warn("generated file id already in use, regenerating", "id", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		if err := s.usage.RecordUpload(ctx, rec.Size); err != nil {
			slog.Error("failed to record upload stats", "id", rec.ID, "error", err)
		}
		if s.onIngest != nil {
			s.onIngest()
		}

		slog.Info("file ingested",
			"id", rec.ID,
			"filename", rec.OriginalName,
			"size", rec.Size,
			"content_type", rec.ContentType,
			"expires_at", rec.ExpiresAt,
		)
		return rec, nil
	}

	return nil, fmt.Errorf("failed to allocate a unique file id after %d attempts", maxIDAttempts)
}

var errIDTaken = errors.New("file id already in use")

func (s *FileService) ingestAs(ctx context.Context, id, name string, ttl time.Duration, content io.Reader) (*files.Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	taken, err := s.idTaken(ctx, id)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, errIDTaken
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create hasher: %w", err)
	}
	head := &headBuffer{max: sniffLength}
	src := io.TeeReader(&limitedReader{r: content, remaining: s.maxSize}, io.MultiWriter(hasher, head))

	// The blob write is bounded by the request context, not the store
	// timeout: large uploads over slow links legitimately take a while.
	size, err := s.blobs.Write(ctx, id, storage.Ext(name), src)
	if err != nil {
		if errors.Is(err, ErrFileTooLarge) {
			return nil, ErrFileTooLarge
		}
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	now := s.now().Truncate(time.Millisecond)
	rec := &files.Record{
		ID:           id,
		OriginalName: name,
		Size:         size,
		ContentType:  mimetype.Detect(head.buf).String(),
		Checksum:     hex.EncodeToString(hasher.Sum(nil)),
		UploadedAt:   now,
		ExpiresAt:    now.Add(ttl),
	}

	mctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.meta.Create(mctx, rec); err != nil {
		s.discardBlob(ctx, id)
		return nil, fmt.Errorf("failed to create file record: %w", err)
	}

	return rec.Clone(), nil
}

// idTaken reports whether id already has a blob or a record.
func (s *FileService) idTaken(ctx context.Context, id string) (bool, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	exists, err := s.blobs.Exists(sctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to check blob %s: %w", id, err)
	}
	if exists {
		return true, nil
	}

	_, err = s.meta.Get(sctx, id)
	switch {
	case err == nil, errors.Is(err, files.ErrCorrupt):
		return true, nil
	case errors.Is(err, files.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to check record %s: %w", id, err)
	}
}

// discardBlob removes a blob whose record could not be written. The caller
// keeps its original error; a cleanup failure is only logged.
func (s *FileService) discardBlob(ctx context.Context, id string) {
	cctx, cancel := s.storeCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := s.blobs.Delete(cctx, id); err != nil {
		slog.Error("failed to remove orphaned blob", "id", id, "error", err)
	}
}

// Fetch returns the file content and its record with the download counted.
// Expired entries are removed and reported as ErrExpired.
func (s *FileService) Fetch(ctx context.Context, id string) (*Download, error) {
	if !files.ValidID(id) {
		return nil, ErrNotFound
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	rec, err := s.getRecord(sctx, id)
	if err != nil {
		return nil, err
	}

	if rec.Expired(s.now()) {
		dctx, dcancel := s.storeCtx(context.WithoutCancel(ctx))
		defer dcancel()
		if err := s.removeLocked(dctx, id); err != nil {
			slog.Error("failed to remove expired file", "id", id, "error", err)
		} else {
			slog.Info("removed expired file on access", "id", id, "expired_at", rec.ExpiresAt)
		}
		return nil, ErrExpired
	}

	data, err := s.blobs.Read(sctx, id)
	if err != nil {
		if errors.Is(err, files.ErrNotFound) {
			slog.Warn("blob missing for record, removing metadata", "id", id)
			dctx, dcancel := s.storeCtx(context.WithoutCancel(ctx))
			defer dcancel()
			if err := s.meta.Delete(dctx, id); err != nil {
				slog.Error("failed to remove dangling record", "id", id, "error", err)
			}
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// Increment download count (best-effort, don't fail the download)
	updated, err := s.meta.Update(sctx, id, func(r *files.Record) error {
		r.Downloads++
		return nil
	})
	if err != nil {
		slog.Error("failed to increment download count", "id", id, "error", err)
		updated = rec
	}

	if err := s.usage.RecordDownload(ctx, int64(len(data))); err != nil {
		slog.Error("failed to record download stats", "id", id, "error", err)
	}

	return &Download{Record: updated, Content: data}, nil
}

// Info returns the record for id without counting a download.
func (s *FileService) Info(ctx context.Context, id string) (*files.Record, error) {
	if !files.ValidID(id) {
		return nil, ErrNotFound
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	rec, err := s.getRecord(sctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.now()) {
		return nil, ErrExpired
	}
	return rec, nil
}

// Remove deletes the blob and record for id. Removing an id that is
// already gone is not an error.
func (s *FileService) Remove(ctx context.Context, id string) error {
	if !files.ValidID(id) {
		return nil
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.removeLocked(sctx, id)
}

// removeLocked deletes the blob first so that a failure leaves the record
// in place for the next sweep. The caller holds the id lock.
func (s *FileService) removeLocked(ctx context.Context, id string) error {
	if err := s.blobs.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	if err := s.meta.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// GetStats returns the aggregate usage counters.
func (s *FileService) GetStats(ctx context.Context) (*files.Stats, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.usage.Snapshot(sctx)
}

func (s *FileService) getRecord(ctx context.Context, id string) (*files.Record, error) {
	rec, err := s.meta.Get(ctx, id)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, files.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, files.ErrCorrupt):
		slog.Warn("corrupt file record", "id", id, "error", err)
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("failed to read file record: %w", err)
	}
}

func (s *FileService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// limitedReader fails with ErrFileTooLarge once more than remaining bytes
// have been read.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrFileTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return 0, ErrFileTooLarge
	}
	return n, err
}

// headBuffer keeps the first max bytes written to it.
type headBuffer struct {
	buf []byte
	max int
}

func (h *headBuffer) Write(p []byte) (int, error) {
	if room := h.max - len(h.buf); room > 0 {
		h.buf = append(h.buf, p[:min(room, len(p))]...)
	}
	return len(p), nil
}
