package models

import "time"

// Recording is a catalog row describing one stored recording
type Recording struct {
	ID            string
	SessionID     string
	FilePath      string
	Status        string
	FrameCount    int64
	DroppedFrames int64
	GapCount      int64
	Width         int
	Height        int
	Method        string
	StartedAt     time.Time
	FinishedAt    *time.Time
	CreatedAt     time.Time
}

// Recording statuses
const (
	RecordingStatusRecording  = "recording"
	RecordingStatusCompleted  = "completed"
	RecordingStatusIncomplete = "incomplete"
)

// Gap records a run of sequence numbers missing from a recording.
// Gaps come from frames dropped under backpressure or delivered out
// of order; they are marked explicitly, never closed silently.
type Gap struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// RecordingResult summarizes a finalized recording
type RecordingResult struct {
	RecordingID string
	SessionID   string
	FilePath    string
	FrameCount  int64
	Gaps        []Gap
	Reordered   int64
	StartedAt   time.Time
	FinishedAt  time.Time
	Complete    bool
}

// DroppedFrames counts sequence numbers lost to gaps and reorders
func (r RecordingResult) DroppedFrames() int64 {
	var n int64
	for _, g := range r.Gaps {
		n += int64(g.To - g.From + 1)
	}
	return n + r.Reordered
}

// Completion outcomes reported at the metadata boundary
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)
