package preview

import (
	"sync"
	"sync/atomic"

	"video-anonymizer/internal/models"
)

// Broadcaster hands a session's redacted frames to its viewer without
// ever blocking the recording path. It holds a single slot: when the
// viewer lags, the waiting frame is overwritten and counted as a drop,
// so the viewer always sees the latest frame.
type Broadcaster struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  *models.RedactedFrame
	closed bool

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewBroadcaster creates an empty preview slot
func NewBroadcaster() *Broadcaster {
	b := &Broadcaster{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push offers a frame to the viewer. It never blocks; a frame already
// waiting is overwritten and counted as dropped.
func (b *Broadcaster) Push(frame *models.RedactedFrame) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.frame != nil {
		b.dropped.Add(1)
	}
	b.frame = frame
	b.mu.Unlock()
	b.cond.Signal()
}

// Next blocks until a frame is available or the broadcaster closes.
// After Close, a frame still in the slot is delivered first; then ok
// turns false.
func (b *Broadcaster) Next() (*models.RedactedFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.frame == nil && !b.closed {
		b.cond.Wait()
	}
	if b.frame == nil {
		return nil, false
	}
	f := b.frame
	b.frame = nil
	b.sent.Add(1)
	return f, true
}

// Close wakes any waiting reader and rejects further pushes
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Stats reports frames handed to the viewer and frames overwritten
func (b *Broadcaster) Stats() (sent, dropped int64) {
	return b.sent.Load(), b.dropped.Load()
}
