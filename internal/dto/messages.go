package dto

// Control message types exchanged over the stream socket
const (
	TypeSessionReady  = "session-ready"
	TypeStartStream   = "start-stream"
	TypeStopStream    = "stop-stream"
	TypeStreamStarted = "stream-started"
	TypeStreamEnded   = "stream-ended"
	TypeError         = "error"
)

// ControlMessage is a text frame sent by the client
type ControlMessage struct {
	Type   string `json:"type"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	FPS    int    `json:"fps,omitempty"`
}

// ServerMessage is a text frame sent to the client
type ServerMessage struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Recording *RecordingSummary `json:"recording,omitempty"`
}

// RecordingSummary describes the stored file in a stream-ended message
type RecordingSummary struct {
	RecordingID string `json:"recording_id"`
	FilePath    string `json:"file_path"`
	FrameCount  int64  `json:"frame_count"`
	GapCount    int    `json:"gap_count"`
	Reordered   int64  `json:"reordered_frames"`
	Complete    bool   `json:"complete"`
}
