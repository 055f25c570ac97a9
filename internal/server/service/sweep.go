package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ephemera/internal/server/files"
)

// Sweep removes expired entries, records that cannot be decoded or whose
// blob is missing, and blobs without a record. Failures on one entry are
// logged and skipped. The count covers only entries actually removed.
func (s *FileService) Sweep(ctx context.Context) (int, error) {
	lctx, cancel := s.storeCtx(ctx)
	ids, err := s.meta.List(lctx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to list file records: %w", err)
	}

	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok, err := s.sweepRecord(ctx, id)
		if err != nil {
			slog.Error("sweep failed for file", "id", id, "error", err)
			continue
		}
		if ok {
			removed++
		}
	}

	lctx, cancel = s.storeCtx(ctx)
	blobIDs, err := s.blobs.List(lctx)
	cancel()
	if err != nil {
		slog.Error("failed to list blobs for orphan sweep", "error", err)
		return removed, nil
	}

	for _, id := range blobIDs {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok, err := s.sweepOrphan(ctx, id)
		if err != nil {
			slog.Error("sweep failed for blob", "id", id, "error", err)
			continue
		}
		if ok {
			removed++
		}
	}

	return removed, nil
}

func (s *FileService) sweepRecord(ctx context.Context, id string) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var reason string
	rec, err := s.meta.Get(sctx, id)
	switch {
	case errors.Is(err, files.ErrNotFound):
		// Removed since the listing.
		return false, nil
	case errors.Is(err, files.ErrCorrupt):
		reason = "corrupt record"
	case err != nil:
		return false, err
	case rec.Expired(s.now()):
		reason = "expired"
	default:
		exists, err := s.blobs.Exists(sctx, id)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
		reason = "missing blob"
	}

	if err := s.removeLocked(sctx, id); err != nil {
		return false, err
	}
	slog.Info("swept file", "id", id, "reason", reason)
	return true, nil
}

func (s *FileService) sweepOrphan(ctx context.Context, id string) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	_, err := s.meta.Get(sctx, id)
	if !errors.Is(err, files.ErrNotFound) {
		// Has a record, or one the first pass could not remove.
		return false, nil
	}

	exists, err := s.blobs.Exists(sctx, id)
	if err != nil || !exists {
		return false, err
	}

	if err := s.blobs.Delete(sctx, id); err != nil {
		return false, err
	}
	slog.Info("swept file", "id", id, "reason", "orphan blob")
	return true, nil
}
