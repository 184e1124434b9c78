package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"video-anonymizer/internal/models"
)

// ErrClosed is returned by Append once a recording is finalized or has
// hit a write failure
var ErrClosed = errors.New("recorder closed")

const defaultFPS = 15

// Remuxer rewraps a finalized recording into another container
type Remuxer interface {
	Remux(ctx context.Context, src, dst string) error
}

// Service opens per-session recorders under a shared storage directory
type Service struct {
	dir     string
	factory MuxerFactory
	catalog Catalog
	remux   Remuxer
	logger  *zap.Logger
}

// NewService creates a recorder service storing files under dir
func NewService(dir string, factory MuxerFactory, catalog Catalog, logger *zap.Logger) *Service {
	return &Service{dir: dir, factory: factory, catalog: catalog, logger: logger}
}

// EnableRemux rewraps complete recordings as MP4 after finalize.
// Incomplete recordings always stay in their original container.
func (s *Service) EnableRemux(rm Remuxer) { s.remux = rm }

// Open creates the recording file, its sidecar and its catalog row.
// Nothing is deleted on later failures: whatever was written stays on
// disk and is marked incomplete.
func (s *Service) Open(ctx context.Context, sessionID string, width, height, fps int, method string) (*Recorder, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid recording dimensions %dx%d", width, height)
	}
	if fps <= 0 {
		fps = defaultFPS
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	id := uuid.New().String()
	startedAt := time.Now()
	path := filepath.Join(s.dir, fmt.Sprintf("recording_%s_%d.avi", sessionID, startedAt.Unix()))

	muxer, err := s.factory(path, width, height, fps)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}

	r := &Recorder{
		id:        id,
		sessionID: sessionID,
		filePath:  path,
		width:     width,
		height:    height,
		fps:       fps,
		method:    method,
		muxer:     muxer,
		catalog:   s.catalog,
		remux:     s.remux,
		logger:    s.logger.With(zap.String("session_id", sessionID), zap.String("recording_id", id)),
		startedAt: startedAt,
	}

	if err := r.writeSidecar(nil, false); err != nil {
		muxer.Close()
		return nil, err
	}
	if err := s.catalog.Create(ctx, &models.Recording{
		ID:        id,
		SessionID: sessionID,
		FilePath:  path,
		Status:    models.RecordingStatusRecording,
		Width:     width,
		Height:    height,
		Method:    method,
		StartedAt: startedAt,
		CreatedAt: startedAt,
	}); err != nil {
		muxer.Close()
		return nil, fmt.Errorf("catalog recording: %w", err)
	}

	r.logger.Info("recording opened",
		zap.String("file", path),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("fps", fps))
	return r, nil
}

// Recorder writes one session's redacted frames to disk in strictly
// increasing sequence order. Sequences start at 1; a jump past
// lastSeq+1 is recorded as an explicit gap, an equal or lower sequence
// is dropped and counted as reordered. A Recorder is owned by a single
// session loop and is not safe for concurrent use.
type Recorder struct {
	id        string
	sessionID string
	filePath  string
	width     int
	height    int
	fps       int
	method    string
	muxer     Muxer
	catalog   Catalog
	remux     Remuxer
	logger    *zap.Logger

	startedAt  time.Time
	lastSeq    uint64
	frameCount int64
	reordered  int64
	gaps       []models.Gap
	closed     bool
	failed     bool
	result     models.RecordingResult
}

// ID returns the recording identifier
func (r *Recorder) ID() string { return r.id }

// FilePath returns the on-disk location of the recording
func (r *Recorder) FilePath() string { return r.filePath }

// Append writes one redacted frame. A muxer failure is session-fatal:
// the recorder refuses further frames and the partial file is left in
// place for Finalize to mark incomplete.
func (r *Recorder) Append(frame *models.RedactedFrame) error {
	if r.closed || r.failed {
		return ErrClosed
	}
	if frame.Seq <= r.lastSeq {
		r.reordered++
		r.logger.Warn("out-of-order frame dropped",
			zap.Uint64("seq", frame.Seq),
			zap.Uint64("last_seq", r.lastSeq))
		return nil
	}
	if frame.Seq > r.lastSeq+1 {
		r.gaps = append(r.gaps, models.Gap{From: r.lastSeq + 1, To: frame.Seq - 1})
	}
	if err := r.muxer.AddFrame(frame.JPEG); err != nil {
		r.failed = true
		return fmt.Errorf("append frame %d: %w", frame.Seq, err)
	}
	r.lastSeq = frame.Seq
	r.frameCount++
	return nil
}

// Finalize closes the recording, writes the final sidecar and updates
// the catalog row. It is idempotent; the first call wins. The file is
// preserved no matter the outcome.
func (r *Recorder) Finalize(ctx context.Context, complete bool) (models.RecordingResult, error) {
	if r.closed {
		return r.result, nil
	}
	r.closed = true
	if r.failed {
		complete = false
	}

	var firstErr error
	if err := r.muxer.Close(); err != nil {
		complete = false
		firstErr = fmt.Errorf("close recording: %w", err)
	}

	if complete && r.remux != nil {
		r.remuxRecording(ctx)
	}

	finishedAt := time.Now()
	if err := r.writeSidecar(&finishedAt, complete); err != nil {
		if firstErr == nil {
			firstErr = err
		}
	}

	status := models.RecordingStatusCompleted
	if !complete {
		status = models.RecordingStatusIncomplete
	}
	if err := r.catalog.Complete(ctx, &models.Recording{
		ID:            r.id,
		SessionID:     r.sessionID,
		FilePath:      r.filePath,
		Status:        status,
		FrameCount:    r.frameCount,
		DroppedFrames: r.missing(),
		GapCount:      int64(len(r.gaps)),
		Width:         r.width,
		Height:        r.height,
		Method:        r.method,
		StartedAt:     r.startedAt,
		FinishedAt:    &finishedAt,
	}); err != nil {
		// The sidecar already holds the outcome; a catalog miss is not
		// worth failing the session over.
		r.logger.Error("catalog update failed", zap.Error(err))
	}

	r.result = models.RecordingResult{
		RecordingID: r.id,
		SessionID:   r.sessionID,
		FilePath:    r.filePath,
		FrameCount:  r.frameCount,
		Gaps:        append([]models.Gap(nil), r.gaps...),
		Reordered:   r.reordered,
		StartedAt:   r.startedAt,
		FinishedAt:  finishedAt,
		Complete:    complete,
	}
	r.logger.Info("recording finalized",
		zap.Int64("frames", r.frameCount),
		zap.Int("gaps", len(r.gaps)),
		zap.Int64("reordered", r.reordered),
		zap.Bool("complete", complete))
	return r.result, firstErr
}

// remuxRecording rewraps the finalized file as MP4 and retires the AVI.
// Any failure keeps the AVI as the recording of record.
func (r *Recorder) remuxRecording(ctx context.Context) {
	src := r.filePath
	dst := strings.TrimSuffix(src, filepath.Ext(src)) + ".mp4"
	if err := r.remux.Remux(ctx, src, dst); err != nil {
		r.logger.Warn("remux failed, keeping avi container", zap.Error(err))
		return
	}
	r.filePath = dst
	if err := os.Remove(src); err != nil {
		r.logger.Warn("failed to remove remuxed source", zap.Error(err))
	}
	if err := os.Remove(SidecarPath(src)); err != nil {
		r.logger.Warn("failed to remove stale sidecar", zap.Error(err))
	}
}

// missing counts sequence numbers lost to gaps and reorders
func (r *Recorder) missing() int64 {
	var n int64
	for _, g := range r.gaps {
		n += int64(g.To - g.From + 1)
	}
	return n + r.reordered
}

// Sidecar is the metadata document written next to every recording
// file. It is the source of truth when the catalog is unreachable and
// lets a restarted process tell finished recordings from abandoned ones.
type Sidecar struct {
	RecordingID string       `json:"recording_id"`
	SessionID   string       `json:"session_id"`
	FilePath    string       `json:"file_path"`
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	FPS         int          `json:"fps"`
	Method      string       `json:"method"`
	FrameCount  int64        `json:"frame_count"`
	Reordered   int64        `json:"reordered"`
	Gaps        []models.Gap `json:"gaps,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	Complete    bool         `json:"complete"`
}

// writeSidecar persists recording metadata next to the file. Until
// Finalize overwrites it, the sidecar says the recording is incomplete,
// which is the truth if the process dies mid-session.
func (r *Recorder) writeSidecar(finishedAt *time.Time, complete bool) error {
	meta := Sidecar{
		RecordingID: r.id,
		SessionID:   r.sessionID,
		FilePath:    r.filePath,
		Width:       r.width,
		Height:      r.height,
		FPS:         r.fps,
		Method:      r.method,
		FrameCount:  r.frameCount,
		Reordered:   r.reordered,
		Gaps:        r.gaps,
		StartedAt:   r.startedAt,
		FinishedAt:  finishedAt,
		Complete:    complete,
	}
	return writeSidecarFile(SidecarPath(r.filePath), &meta)
}

func writeSidecarFile(path string, meta *Sidecar) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

// ReadSidecar loads the metadata document at path
func ReadSidecar(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta Sidecar
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse sidecar %s: %w", path, err)
	}
	return &meta, nil
}

// MarkAbandoned stamps an unfinished sidecar as incomplete, ended at
// the given time. Sidecars that already carry a finish time are left
// untouched. The recording file itself is never altered.
func MarkAbandoned(path string, at time.Time) (*Sidecar, error) {
	meta, err := ReadSidecar(path)
	if err != nil {
		return nil, err
	}
	if meta.FinishedAt != nil {
		return meta, nil
	}
	meta.FinishedAt = &at
	meta.Complete = false
	if err := writeSidecarFile(path, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// SidecarPath returns the metadata path for a recording file
func SidecarPath(recordingPath string) string {
	return recordingPath + ".json"
}
