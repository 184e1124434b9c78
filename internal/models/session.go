package models

import "time"

// SessionState is the lifecycle state of a streaming session
type SessionState string

// Session lifecycle states
const (
	StateIdle        SessionState = "idle"
	StateNegotiating SessionState = "negotiating"
	StateRecording   SessionState = "recording"
	StateFinalizing  SessionState = "finalizing"
	StateClosed      SessionState = "closed"
	StateErrored     SessionState = "errored"
)

// Terminal reports whether no further transitions are possible
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

var validTransitions = map[SessionState][]SessionState{
	StateIdle:        {StateNegotiating, StateClosed, StateErrored},
	StateNegotiating: {StateRecording, StateFinalizing, StateErrored},
	StateRecording:   {StateFinalizing, StateErrored},
	StateFinalizing:  {StateClosed, StateErrored},
	StateClosed:      {},
	StateErrored:     {},
}

// ValidTransition reports whether a session may move from one state to another
func ValidTransition(from, to SessionState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SessionSnapshot is a point-in-time view of one session for stats reporting
type SessionSnapshot struct {
	ID                string       `json:"id"`
	State             SessionState `json:"state"`
	StartedAt         time.Time    `json:"started_at"`
	FramesReceived    int64        `json:"frames_received"`
	DecodeFailures    int64        `json:"decode_failures"`
	DroppedBuffer     int64        `json:"dropped_buffer"`
	DroppedPool       int64        `json:"dropped_pool"`
	DetectionFailures int64        `json:"detection_failures"`
	FramesRecorded    int64        `json:"frames_recorded"`
	PreviewSent       int64        `json:"preview_sent"`
	PreviewDropped    int64        `json:"preview_dropped"`
}
