package service

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"video-anonymizer/internal/models"
	"video-anonymizer/internal/recorder"
)

// Reconciler lists catalog rows stuck in a status and flips them. The
// Postgres repository satisfies it; without a catalog there is nothing
// to reconcile.
type Reconciler interface {
	ListStale(ctx context.Context, status string, olderThan time.Duration) ([]*models.Recording, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

// Sweeper periodically scans the storage directory for recordings whose
// sidecar still says they are being written but whose file has gone
// quiet, typically after a crash or power loss. Matching sidecars are
// stamped incomplete and the catalog row is reconciled to match.
// Recording files are never removed: a partial file stays on disk
// exactly as the crash left it.
type Sweeper struct {
	dir        string
	interval   time.Duration
	maxAge     time.Duration
	catalog    recorder.Catalog
	reconciler Reconciler
	logger     *zap.Logger
}

// NewSweeper creates a sweeper over the given storage directory
func NewSweeper(dir string, interval, maxAge time.Duration, catalog recorder.Catalog, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		dir:      dir,
		interval: interval,
		maxAge:   maxAge,
		catalog:  catalog,
		logger:   logger,
	}
}

// SetReconciler also sweeps catalog rows whose files vanished entirely
func (s *Sweeper) SetReconciler(r Reconciler) { s.reconciler = r }

// Start blocks, sweeping on a fixed interval until ctx is cancelled
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("storage sweeper started",
		zap.String("dir", s.dir),
		zap.Duration("interval", s.interval),
		zap.Duration("max_age", s.maxAge))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("storage sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep reconciles one batch of abandoned recordings
func (s *Sweeper) sweep(ctx context.Context) {
	s.sweepSidecars(ctx)
	if s.reconciler != nil {
		s.reconcileCatalog(ctx)
	}
}

// sweepSidecars handles recordings that left files behind
func (s *Sweeper) sweepSidecars(ctx context.Context) {
	sidecars, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		s.logger.Error("sweep failed to list sidecars", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-s.maxAge)
	reconciled := 0
	for _, path := range sidecars {
		meta, err := recorder.ReadSidecar(path)
		if err != nil || meta.RecordingID == "" || meta.FilePath == "" {
			continue
		}
		if meta.FinishedAt != nil {
			continue
		}
		// The muxer touches the file with every frame, so a fresh mtime
		// means a live session. A missing file is crash debris either way.
		if info, statErr := os.Stat(meta.FilePath); statErr == nil && !info.ModTime().Before(cutoff) {
			continue
		}

		now := time.Now()
		if _, err := recorder.MarkAbandoned(path, now); err != nil {
			s.logger.Error("failed to mark abandoned recording",
				zap.String("sidecar", path),
				zap.Error(err))
			continue
		}
		if err := s.catalog.Complete(ctx, &models.Recording{
			ID:            meta.RecordingID,
			SessionID:     meta.SessionID,
			FilePath:      meta.FilePath,
			Status:        models.RecordingStatusIncomplete,
			FrameCount:    meta.FrameCount,
			DroppedFrames: droppedFrames(meta),
			GapCount:      int64(len(meta.Gaps)),
			Width:         meta.Width,
			Height:        meta.Height,
			Method:        meta.Method,
			StartedAt:     meta.StartedAt,
			FinishedAt:    &now,
		}); err != nil {
			s.logger.Error("failed to reconcile catalog row",
				zap.String("recording_id", meta.RecordingID),
				zap.Error(err))
		}

		reconciled++
		s.logger.Warn("abandoned recording marked incomplete",
			zap.String("recording_id", meta.RecordingID),
			zap.String("file", meta.FilePath),
			zap.Int64("frames", meta.FrameCount))
	}

	if reconciled > 0 {
		s.logger.Info("sweep reconciled abandoned recordings", zap.Int("count", reconciled))
	}
}

// reconcileCatalog handles rows whose files vanished entirely, leaving
// no sidecar for sweepSidecars to find
func (s *Sweeper) reconcileCatalog(ctx context.Context) {
	rows, err := s.reconciler.ListStale(ctx, models.RecordingStatusRecording, s.maxAge)
	if err != nil {
		s.logger.Error("failed to list stale catalog rows", zap.Error(err))
		return
	}
	for _, rec := range rows {
		if _, err := os.Stat(recorder.SidecarPath(rec.FilePath)); err == nil {
			// Sidecar still present: sweepSidecars owns this one.
			continue
		}
		if err := s.reconciler.UpdateStatus(ctx, rec.ID, models.RecordingStatusIncomplete); err != nil {
			s.logger.Error("failed to update stale catalog row",
				zap.String("recording_id", rec.ID),
				zap.Error(err))
			continue
		}
		s.logger.Warn("catalog row without files marked incomplete",
			zap.String("recording_id", rec.ID),
			zap.String("file", rec.FilePath))
	}
}

func droppedFrames(meta *recorder.Sidecar) int64 {
	var n int64
	for _, g := range meta.Gaps {
		n += int64(g.To - g.From + 1)
	}
	return n + meta.Reordered
}
