package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"video-anonymizer/internal/models"
	"video-anonymizer/internal/recorder"
)

// ErrNotFound is returned when no recording matches the given id
var ErrNotFound = errors.New("recording not found")

// RecordingRepository persists recording rows in PostgreSQL
type RecordingRepository struct {
	db *sql.DB
}

var _ recorder.Catalog = (*RecordingRepository)(nil)

func NewRecordingRepository(db *sql.DB) *RecordingRepository {
	return &RecordingRepository{db: db}
}

// Create inserts the row when a recording is opened
func (r *RecordingRepository) Create(ctx context.Context, rec *models.Recording) error {
	query := `
		INSERT INTO recordings (
			id, session_id, file_path, status, frame_count, dropped_frames,
			gap_count, width, height, method, started_at, finished_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		rec.ID,
		rec.SessionID,
		rec.FilePath,
		rec.Status,
		rec.FrameCount,
		rec.DroppedFrames,
		rec.GapCount,
		rec.Width,
		rec.Height,
		rec.Method,
		rec.StartedAt,
		rec.FinishedAt,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	return nil
}

// Complete updates the row with the final status and counters
func (r *RecordingRepository) Complete(ctx context.Context, rec *models.Recording) error {
	query := `
		UPDATE recordings
		SET status = $1, frame_count = $2, dropped_frames = $3, gap_count = $4, finished_at = $5
		WHERE id = $6
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		rec.Status,
		rec.FrameCount,
		rec.DroppedFrames,
		rec.GapCount,
		rec.FinishedAt,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("complete recording: %w", err)
	}
	return nil
}

// UpdateStatus flips the status column and stamps finished_at if the row
// has none yet. Counters are left as Create/Complete wrote them.
func (r *RecordingRepository) UpdateStatus(ctx context.Context, id, status string) error {
	query := `
		UPDATE recordings
		SET status = $1, finished_at = COALESCE(finished_at, NOW())
		WHERE id = $2
	`
	if _, err := r.db.ExecContext(ctx, query, status, id); err != nil {
		return fmt.Errorf("update recording status: %w", err)
	}
	return nil
}

// GetByID retrieves a recording by id
func (r *RecordingRepository) GetByID(ctx context.Context, id string) (*models.Recording, error) {
	query := `
		SELECT id, session_id, file_path, status, frame_count, dropped_frames,
		       gap_count, width, height, method, started_at, finished_at, created_at
		FROM recordings
		WHERE id = $1
	`
	var rec models.Recording
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.FilePath,
		&rec.Status,
		&rec.FrameCount,
		&rec.DroppedFrames,
		&rec.GapCount,
		&rec.Width,
		&rec.Height,
		&rec.Method,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get recording: %w", err)
	}
	return &rec, nil
}

// ListRecent retrieves the newest recordings, most recent first
func (r *RecordingRepository) ListRecent(ctx context.Context, limit int) ([]*models.Recording, error) {
	query := `
		SELECT id, session_id, file_path, status, frame_count, dropped_frames,
		       gap_count, width, height, method, started_at, finished_at, created_at
		FROM recordings
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()
	return scanRecordings(rows)
}

// ListBySession retrieves all recordings produced by one session
func (r *RecordingRepository) ListBySession(ctx context.Context, sessionID string) ([]*models.Recording, error) {
	query := `
		SELECT id, session_id, file_path, status, frame_count, dropped_frames,
		       gap_count, width, height, method, started_at, finished_at, created_at
		FROM recordings
		WHERE session_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session recordings: %w", err)
	}
	defer rows.Close()
	return scanRecordings(rows)
}

// ListStale retrieves recordings stuck in the given status for longer than
// olderThan. The storage sweeper uses this to find orphans.
func (r *RecordingRepository) ListStale(ctx context.Context, status string, olderThan time.Duration) ([]*models.Recording, error) {
	query := `
		SELECT id, session_id, file_path, status, frame_count, dropped_frames,
		       gap_count, width, height, method, started_at, finished_at, created_at
		FROM recordings
		WHERE status = $1 AND created_at < NOW() - make_interval(secs => $2)
		ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, status, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("list stale recordings: %w", err)
	}
	defer rows.Close()
	return scanRecordings(rows)
}

func scanRecordings(rows *sql.Rows) ([]*models.Recording, error) {
	var recordings []*models.Recording
	for rows.Next() {
		var rec models.Recording
		err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.FilePath,
			&rec.Status,
			&rec.FrameCount,
			&rec.DroppedFrames,
			&rec.GapCount,
			&rec.Width,
			&rec.Height,
			&rec.Method,
			&rec.StartedAt,
			&rec.FinishedAt,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		recordings = append(recordings, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recordings: %w", err)
	}
	return recordings, nil
}
