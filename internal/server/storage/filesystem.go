package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"ephemera/internal/server/files"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	tempDirName  = ".tmp"
	maxExtLength = 16
)

// FileSystemStore stores uploaded blobs as <id><ext> files in one directory.
type FileSystemStore struct {
	fs       afero.Fs
	basePath string
}

var _ files.BlobStore = (*FileSystemStore)(nil)

// NewFileSystemStore creates a blob store rooted at basePath on fs.
func NewFileSystemStore(fs afero.Fs, basePath string) *FileSystemStore {
	return &FileSystemStore{fs: fs, basePath: filepath.Clean(basePath)}
}

// EnsureDir creates the storage and temp directories if they don't exist.
func (s *FileSystemStore) EnsureDir() error {
	if err := s.fs.MkdirAll(filepath.Join(s.basePath, tempDirName), 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", s.basePath, err)
	}
	return nil
}

// Write copies r into a temp file and renames it to <id><ext> once the copy
// has completed. Returns the number of bytes written.
func (s *FileSystemStore) Write(ctx context.Context, id, ext string, r io.Reader) (int64, error) {
	if !files.ValidID(id) {
		return 0, fmt.Errorf("invalid blob id %q", id)
	}

	tmpPath := filepath.Join(s.basePath, tempDirName, uuid.NewString())
	tmp, err := s.fs.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		s.fs.Remove(tmpPath)
		return 0, fmt.Errorf("failed to write blob %s: %w", id, err)
	}

	if err := s.fs.Rename(tmpPath, s.blobPath(id, ext)); err != nil {
		s.fs.Remove(tmpPath)
		return 0, fmt.Errorf("failed to commit blob %s: %w", id, err)
	}

	return n, nil
}

// Read returns the full content of the blob stored under id.
func (s *FileSystemStore) Read(ctx context.Context, id string) ([]byte, error) {
	path, err := s.find(id)
	if err != nil {
		return nil, err
	}

	f, err := s.fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", id, files.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", id, err)
	}
	defer f.Close()

	data, err := io.ReadAll(&ctxReader{ctx: ctx, r: f})
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}
	return data, nil
}

// Delete removes the blob stored under id. Missing blobs are not an error.
func (s *FileSystemStore) Delete(ctx context.Context, id string) error {
	path, err := s.find(id)
	if errors.Is(err, files.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a blob is stored under id.
func (s *FileSystemStore) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.find(id)
	if errors.Is(err, files.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns the ids of all stored blobs. Bookkeeping entries such as the
// temp directory or the metadata directory are skipped.
func (s *FileSystemStore) List(ctx context.Context) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.basePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list storage directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if id := stem(entry.Name()); files.ValidID(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// find resolves id to the path of its blob, whatever extension it carries.
func (s *FileSystemStore) find(id string) (string, error) {
	if !files.ValidID(id) {
		return "", fmt.Errorf("blob %q: %w", id, files.ErrNotFound)
	}

	matches, err := afero.Glob(s.fs, filepath.Join(s.basePath, id+"*"))
	if err != nil {
		return "", fmt.Errorf("failed to look up blob %s: %w", id, err)
	}
	for _, m := range matches {
		if stem(filepath.Base(m)) == id {
			return m, nil
		}
	}
	return "", fmt.Errorf("blob %s: %w", id, files.ErrNotFound)
}

func (s *FileSystemStore) blobPath(id, ext string) string {
	return filepath.Join(s.basePath, id+ext)
}

// stem returns everything before the first dot of a stored blob name.
func stem(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// Ext returns the extension a blob for originalName is stored with: the
// lower-cased suffix when it is short and alphanumeric, otherwise "".
func Ext(originalName string) string {
	ext := strings.ToLower(filepath.Ext(strings.ReplaceAll(originalName, "\\", "/")))
	if len(ext) < 2 || len(ext) > maxExtLength+1 {
		return ""
	}
	for _, c := range ext[1:] {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			return ""
		}
	}
	return ext
}

// ctxReader fails reads once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
