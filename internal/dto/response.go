package dto

import "time"

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Database  string `json:"database,omitempty"`
}

// SessionStats describes one live session
type SessionStats struct {
	ID                string `json:"id"`
	State             string `json:"state"`
	StartedAt         string `json:"started_at,omitempty"`
	FramesReceived    int64  `json:"frames_received"`
	FramesRecorded    int64  `json:"frames_recorded"`
	DecodeFailures    int64  `json:"decode_failures"`
	DetectionFailures int64  `json:"detection_failures"`
	DroppedBuffer     int64  `json:"dropped_buffer"`
	DroppedPool       int64  `json:"dropped_pool"`
	PreviewSent       int64  `json:"preview_sent"`
	PreviewDropped    int64  `json:"preview_dropped"`
}

// DetectorStats describes the shared detection pool
type DetectorStats struct {
	QueueLen  int   `json:"queue_len"`
	QueueCap  int   `json:"queue_cap"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
	Failures  int64 `json:"failures"`
}

// StatsResponse aggregates live pipeline statistics
type StatsResponse struct {
	ActiveSessions int            `json:"active_sessions"`
	Sessions       []SessionStats `json:"sessions"`
	Detector       DetectorStats  `json:"detector"`
}

// RecordingResponse represents one catalog row
type RecordingResponse struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	FilePath      string     `json:"file_path"`
	Status        string     `json:"status"`
	FrameCount    int64      `json:"frame_count"`
	DroppedFrames int64      `json:"dropped_frames"`
	GapCount      int64      `json:"gap_count"`
	Width         int        `json:"width"`
	Height        int        `json:"height"`
	Method        string     `json:"method"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ListRecordingsResponse wraps a recordings listing
type ListRecordingsResponse struct {
	Total      int                 `json:"total"`
	Recordings []RecordingResponse `json:"recordings"`
}
