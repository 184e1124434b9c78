package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"video-anonymizer/internal/detect"
	"video-anonymizer/internal/dto"
	"video-anonymizer/internal/models"
	"video-anonymizer/internal/pipeline"
	"video-anonymizer/internal/repository"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// RecordingStore reads the recording catalog for the query endpoints
type RecordingStore interface {
	GetByID(ctx context.Context, id string) (*models.Recording, error)
	ListRecent(ctx context.Context, limit int) ([]*models.Recording, error)
	ListBySession(ctx context.Context, sessionID string) ([]*models.Recording, error)
}

// Handler serves the operational HTTP endpoints
type Handler struct {
	registry *pipeline.Registry
	pool     *detect.Pool
	store    RecordingStore // nil when the catalog database is disabled
	db       *sql.DB        // nil when disabled; used for the health ping
	logger   *zap.Logger
	version  string
}

func NewHandler(registry *pipeline.Registry, pool *detect.Pool, store RecordingStore, db *sql.DB, version string, logger *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		pool:     pool,
		store:    store,
		db:       db,
		logger:   logger,
		version:  version,
	}
}

func (handler *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := dto.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   handler.version,
	}
	if handler.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := handler.db.PingContext(ctx); err != nil {
			response.Status = "degraded"
			response.Database = "down"
		} else {
			response.Database = "up"
		}
	}
	handler.respondJSON(w, http.StatusOK, response)
}

// GetStats reports live session counters and detector pool pressure
func (handler *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		handler.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snapshots := handler.registry.Snapshots()
	sessions := lo.Map(snapshots, func(s models.SessionSnapshot, _ int) dto.SessionStats {
		return dto.SessionStats{
			ID:                s.ID,
			State:             string(s.State),
			StartedAt:         s.StartedAt.UTC().Format(time.RFC3339),
			FramesReceived:    s.FramesReceived,
			FramesRecorded:    s.FramesRecorded,
			DecodeFailures:    s.DecodeFailures,
			DetectionFailures: s.DetectionFailures,
			DroppedBuffer:     s.DroppedBuffer,
			DroppedPool:       s.DroppedPool,
			PreviewSent:       s.PreviewSent,
			PreviewDropped:    s.PreviewDropped,
		}
	})

	poolStats := handler.pool.Stats()
	response := dto.StatsResponse{
		ActiveSessions: len(snapshots),
		Sessions:       sessions,
		Detector: dto.DetectorStats{
			QueueLen:  poolStats.QueueLen,
			QueueCap:  poolStats.QueueCap,
			Submitted: poolStats.Submitted,
			Completed: poolStats.Completed,
			Rejected:  poolStats.Rejected,
			Failures:  poolStats.Failures,
		},
	}
	handler.respondJSON(w, http.StatusOK, response)
}

// ListRecordings returns catalog rows, newest first. An optional
// session_id query parameter narrows the listing to one session.
func (handler *Handler) ListRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		handler.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if handler.store == nil {
		handler.respondError(w, http.StatusServiceUnavailable, "Recording catalog is disabled")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			handler.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var (
		rows []*models.Recording
		err  error
	)
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		rows, err = handler.store.ListBySession(r.Context(), sessionID)
	} else {
		rows, err = handler.store.ListRecent(r.Context(), limit)
	}
	if err != nil {
		handler.logger.Error("list recordings", zap.Error(err))
		handler.respondError(w, http.StatusInternalServerError, "Failed to list recordings")
		return
	}

	response := dto.ListRecordingsResponse{
		Total:      len(rows),
		Recordings: lo.Map(rows, func(rec *models.Recording, _ int) dto.RecordingResponse { return toRecordingDTO(rec) }),
	}
	handler.respondJSON(w, http.StatusOK, response)
}

// GetRecording returns a single catalog row by id
func (handler *Handler) GetRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		handler.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if handler.store == nil {
		handler.respondError(w, http.StatusServiceUnavailable, "Recording catalog is disabled")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/recordings/")
	if id == "" || strings.Contains(id, "/") {
		handler.respondError(w, http.StatusBadRequest, "Recording id is required")
		return
	}

	rec, err := handler.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			handler.respondError(w, http.StatusNotFound, "Recording not found")
			return
		}
		handler.logger.Error("get recording", zap.String("id", id), zap.Error(err))
		handler.respondError(w, http.StatusInternalServerError, "Failed to get recording")
		return
	}
	handler.respondJSON(w, http.StatusOK, toRecordingDTO(rec))
}

func toRecordingDTO(rec *models.Recording) dto.RecordingResponse {
	return dto.RecordingResponse{
		ID:            rec.ID,
		SessionID:     rec.SessionID,
		FilePath:      rec.FilePath,
		Status:        rec.Status,
		FrameCount:    rec.FrameCount,
		DroppedFrames: rec.DroppedFrames,
		GapCount:      rec.GapCount,
		Width:         rec.Width,
		Height:        rec.Height,
		Method:        rec.Method,
		StartedAt:     rec.StartedAt,
		FinishedAt:    rec.FinishedAt,
		CreatedAt:     rec.CreatedAt,
	}
}

// Helper methods for responses
func (handler *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (handler *Handler) respondError(w http.ResponseWriter, status int, message string) {
	handler.respondJSON(w, status, dto.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}
