package database

import (
	"context"
	"errors"
	"fmt"

	"ephemera/internal/server/files"

	"github.com/jackc/pgx/v5"
)

const recordColumns = `id, original_name, size, content_type, checksum, uploaded_at, expires_at, downloads`

// Repository stores file records and usage stats in Postgres.
type Repository struct {
	db *DB
}

var (
	_ files.MetadataStore = (*Repository)(nil)
	_ files.StatsStore    = (*Repository)(nil)
)

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new record.
func (r *Repository) Create(ctx context.Context, rec *files.Record) error {
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO files (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`,
		rec.ID,
		rec.OriginalName,
		rec.Size,
		rec.ContentType,
		rec.Checksum,
		rec.UploadedAt,
		rec.ExpiresAt,
		rec.Downloads,
	)
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s: %w", rec.ID, files.ErrAlreadyExists)
	}
	return nil
}

// Get retrieves a record by its ID.
func (r *Repository) Get(ctx context.Context, id string) (*files.Record, error) {
	rec, err := scanRecord(r.db.Pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM files WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("record %s: %w", id, files.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// Update locks the row, applies fn and writes the result in one transaction.
func (r *Repository) Update(ctx context.Context, id string, fn func(*files.Record) error) (*files.Record, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM files WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("record %s: %w", id, files.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock record: %w", err)
	}

	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.ID = id

	if _, err := tx.Exec(ctx, `
		UPDATE files SET original_name = $2, size = $3, content_type = $4, checksum = $5,
			uploaded_at = $6, expires_at = $7, downloads = $8
		WHERE id = $1
	`, rec.ID, rec.OriginalName, rec.Size, rec.ContentType, rec.Checksum,
		rec.UploadedAt, rec.ExpiresAt, rec.Downloads); err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return rec, nil
}

// Delete removes a record by ID. Missing records are not an error.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Pool.Exec(ctx, "DELETE FROM files WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// List returns the ids of all records.
func (r *Repository) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, "SELECT id FROM files ORDER BY uploaded_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan record ids: %w", err)
	}
	return ids, nil
}

// LoadStats reads the single usage_stats row.
func (r *Repository) LoadStats(ctx context.Context) (*files.Stats, error) {
	st := &files.Stats{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT total_uploads, total_downloads, total_bytes_uploaded, total_bytes_downloaded,
			last_upload_at, last_download_at, uploads_today, downloads_today, last_reset_date
		FROM usage_stats WHERE id = 1
	`).Scan(
		&st.TotalUploads,
		&st.TotalDownloads,
		&st.TotalBytesUploaded,
		&st.TotalBytesDownloaded,
		&st.LastUploadAt,
		&st.LastDownloadAt,
		&st.UploadsToday,
		&st.DownloadsToday,
		&st.LastResetDate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, files.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}
	return st, nil
}

// SaveStats upserts the single usage_stats row.
func (r *Repository) SaveStats(ctx context.Context, st *files.Stats) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO usage_stats (
			id, total_uploads, total_downloads, total_bytes_uploaded, total_bytes_downloaded,
			last_upload_at, last_download_at, uploads_today, downloads_today, last_reset_date
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			total_uploads = EXCLUDED.total_uploads,
			total_downloads = EXCLUDED.total_downloads,
			total_bytes_uploaded = EXCLUDED.total_bytes_uploaded,
			total_bytes_downloaded = EXCLUDED.total_bytes_downloaded,
			last_upload_at = EXCLUDED.last_upload_at,
			last_download_at = EXCLUDED.last_download_at,
			uploads_today = EXCLUDED.uploads_today,
			downloads_today = EXCLUDED.downloads_today,
			last_reset_date = EXCLUDED.last_reset_date
	`,
		st.TotalUploads,
		st.TotalDownloads,
		st.TotalBytesUploaded,
		st.TotalBytesDownloaded,
		st.LastUploadAt,
		st.LastDownloadAt,
		st.UploadsToday,
		st.DownloadsToday,
		st.LastResetDate,
	)
	if err != nil {
		return fmt.Errorf("failed to save stats: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func scanRecord(row pgx.Row) (*files.Record, error) {
	rec := &files.Record{}
	err := row.Scan(
		&rec.ID,
		&rec.OriginalName,
		&rec.Size,
		&rec.ContentType,
		&rec.Checksum,
		&rec.UploadedAt,
		&rec.ExpiresAt,
		&rec.Downloads,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
