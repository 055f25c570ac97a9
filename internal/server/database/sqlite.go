package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ephemera/internal/server/files"

	_ "modernc.org/sqlite"
)

// SQLiteStore stores file records and usage stats in an embedded SQLite
// database. Timestamps are kept as milliseconds since the epoch.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ files.MetadataStore = (*SQLiteStore)(nil)
	_ files.StatsStore    = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) the database at path and initialises its schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps the pragmas below in effect.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS files (
		id            TEXT    PRIMARY KEY,
		original_name TEXT    NOT NULL,
		size          INTEGER NOT NULL,
		content_type  TEXT    NOT NULL DEFAULT '',
		checksum      TEXT    NOT NULL DEFAULT '',
		uploaded_at   INTEGER NOT NULL,
		expires_at    INTEGER NOT NULL,
		downloads     INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_files_expires_at ON files(expires_at);
	CREATE TABLE IF NOT EXISTS usage_stats (
		id                     INTEGER PRIMARY KEY CHECK (id = 1),
		total_uploads          INTEGER NOT NULL DEFAULT 0,
		total_downloads        INTEGER NOT NULL DEFAULT 0,
		total_bytes_uploaded   INTEGER NOT NULL DEFAULT 0,
		total_bytes_downloaded INTEGER NOT NULL DEFAULT 0,
		last_upload_at         INTEGER,
		last_download_at       INTEGER,
		uploads_today          INTEGER NOT NULL DEFAULT 0,
		downloads_today        INTEGER NOT NULL DEFAULT 0,
		last_reset_date        TEXT    NOT NULL
	);`)
	return err
}

// Create inserts a new record.
func (s *SQLiteStore) Create(ctx context.Context, rec *files.Record) error {
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO files (`+recordColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO NOTHING
	`,
		rec.ID,
		rec.OriginalName,
		rec.Size,
		rec.ContentType,
		rec.Checksum,
		rec.UploadedAt.UnixMilli(),
		rec.ExpiresAt.UnixMilli(),
		rec.Downloads,
	)
	if err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", rec.ID, files.ErrAlreadyExists)
	}
	return nil
}

// Get retrieves a record by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*files.Record, error) {
	return s.get(ctx, s.db, id)
}

// Update applies fn to the record inside a transaction.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*files.Record) error) (*files.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.ID = id

	if _, err := tx.ExecContext(ctx, `
	UPDATE files SET original_name = ?, size = ?, content_type = ?, checksum = ?,
		uploaded_at = ?, expires_at = ?, downloads = ?
	WHERE id = ?
	`, rec.OriginalName, rec.Size, rec.ContentType, rec.Checksum,
		rec.UploadedAt.UnixMilli(), rec.ExpiresAt.UnixMilli(), rec.Downloads, rec.ID); err != nil {
		return nil, fmt.Errorf("failed to update file record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return rec, nil
}

// Delete removes a record by ID. Missing records are not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	return nil
}

// List returns the ids of all records.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM files ORDER BY uploaded_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan file row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file rows: %w", err)
	}
	return ids, nil
}

// LoadStats reads the single usage_stats row.
func (s *SQLiteStore) LoadStats(ctx context.Context) (*files.Stats, error) {
	st := &files.Stats{}
	var lastUp, lastDown sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
	SELECT total_uploads, total_downloads, total_bytes_uploaded, total_bytes_downloaded,
		last_upload_at, last_download_at, uploads_today, downloads_today, last_reset_date
	FROM usage_stats WHERE id = 1
	`).Scan(
		&st.TotalUploads,
		&st.TotalDownloads,
		&st.TotalBytesUploaded,
		&st.TotalBytesDownloaded,
		&lastUp,
		&lastDown,
		&st.UploadsToday,
		&st.DownloadsToday,
		&st.LastResetDate,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, files.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}
	st.LastUploadAt = nullMillis(lastUp)
	st.LastDownloadAt = nullMillis(lastDown)
	return st, nil
}

// SaveStats upserts the single usage_stats row.
func (s *SQLiteStore) SaveStats(ctx context.Context, st *files.Stats) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO usage_stats (
		id, total_uploads, total_downloads, total_bytes_uploaded, total_bytes_downloaded,
		last_upload_at, last_download_at, uploads_today, downloads_today, last_reset_date
	) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		total_uploads = excluded.total_uploads,
		total_downloads = excluded.total_downloads,
		total_bytes_uploaded = excluded.total_bytes_uploaded,
		total_bytes_downloaded = excluded.total_bytes_downloaded,
		last_upload_at = excluded.last_upload_at,
		last_download_at = excluded.last_download_at,
		uploads_today = excluded.uploads_today,
		downloads_today = excluded.downloads_today,
		last_reset_date = excluded.last_reset_date
	`,
		st.TotalUploads,
		st.TotalDownloads,
		st.TotalBytesUploaded,
		st.TotalBytesDownloaded,
		toMillis(st.LastUploadAt),
		toMillis(st.LastDownloadAt),
		st.UploadsToday,
		st.DownloadsToday,
		st.LastResetDate,
	)
	if err != nil {
		return fmt.Errorf("failed to save stats: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q queryRower, id string) (*files.Record, error) {
	rec := &files.Record{}
	var uploadedAt, expiresAt int64
	err := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM files WHERE id = ?`, id).Scan(
		&rec.ID,
		&rec.OriginalName,
		&rec.Size,
		&rec.ContentType,
		&rec.Checksum,
		&uploadedAt,
		&expiresAt,
		&rec.Downloads,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %s: %w", id, files.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find file: %w", err)
	}
	rec.UploadedAt = time.UnixMilli(uploadedAt)
	rec.ExpiresAt = time.UnixMilli(expiresAt)
	return rec, nil
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
