package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"video-anonymizer/internal/detect"
	"video-anonymizer/internal/models"
	"video-anonymizer/internal/preview"
	"video-anonymizer/internal/recorder"
)

// ErrInvalidTransition rejects a lifecycle change the state machine
// does not allow. The session state is left unchanged.
var ErrInvalidTransition = errors.New("invalid session state transition")

const (
	maxDimension   = 8192
	publishTimeout = 5 * time.Second
)

// StartParams are the stream parameters confirmed during negotiation
type StartParams struct {
	Width  int
	Height int
	FPS    int
}

// inboundFrame is an undecoded payload waiting in the ingestion buffer
type inboundFrame struct {
	seq      uint64
	payload  []byte
	received time.Time
}

// Session drives one connection's frames from ingestion to redacted
// recording and preview. Each session runs a dedicated processing
// goroutine; detection executes on the shared detector pool with at
// most one frame of this session in flight. Raw frames exist only
// between the ingestion buffer and the redaction step and are never
// handed to the recorder or the preview slot.
type Session struct {
	ID string

	deps     Deps
	opts     Options
	notifier Notifier
	logger   *zap.Logger
	onClose  func(id string)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   models.SessionState
	started bool
	rec     *recorder.Recorder

	ingest    chan inboundFrame
	stopCh    chan struct{}
	procDone  chan struct{}
	preview   *preview.Broadcaster
	idleTimer *clock.Timer

	stopOnce     sync.Once
	teardownOnce sync.Once

	createdAt         time.Time
	seq               atomic.Uint64
	framesReceived    atomic.Int64
	decodeFailures    atomic.Int64
	droppedBuffer     atomic.Int64
	droppedPool       atomic.Int64
	detectionFailures atomic.Int64
	framesRecorded    atomic.Int64
}

func newSession(id string, deps Deps, opts Options, notifier Notifier, onClose func(id string)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        id,
		deps:      deps,
		opts:      opts,
		notifier:  notifier,
		logger:    deps.Logger.With(zap.String("session_id", id)),
		onClose:   onClose,
		ctx:       ctx,
		cancel:    cancel,
		state:     models.StateIdle,
		ingest:    make(chan inboundFrame, opts.BufferSize),
		stopCh:    make(chan struct{}),
		procDone:  make(chan struct{}),
		preview:   preview.NewBroadcaster(),
		createdAt: deps.Clock.Now(),
	}
}

func (s *Session) armIdleTimer() {
	if s.opts.IdleTimeout <= 0 {
		return
	}
	s.idleTimer = s.deps.Clock.AfterFunc(s.opts.IdleTimeout, s.onIdleTimeout)
}

// State returns the current lifecycle state
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Preview exposes the session's outbound frame slot
func (s *Session) Preview() *preview.Broadcaster { return s.preview }

// setState validates and performs a lifecycle transition
func (s *Session) setState(to models.SessionState) error {
	s.mu.Lock()
	from := s.state
	if !models.ValidTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	s.mu.Unlock()

	s.logger.Info("session state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if s.notifier != nil {
		s.notifier.NotifyState(to)
	}
	return nil
}

// Start confirms stream parameters, opens the recording and begins
// processing. Valid only while the session is idle.
func (s *Session) Start(params StartParams) error {
	if err := s.setState(models.StateNegotiating); err != nil {
		return err
	}
	if params.Width <= 0 || params.Height <= 0 ||
		params.Width > maxDimension || params.Height > maxDimension {
		err := fmt.Errorf("unacceptable stream dimensions %dx%d", params.Width, params.Height)
		s.fail("bad-params", err)
		return err
	}
	fps := params.FPS
	if fps <= 0 {
		fps = s.opts.FPS
	}

	rec, err := s.deps.Recorder.Open(s.ctx, s.ID, params.Width, params.Height, fps, string(s.deps.Redactor.Method()))
	if err != nil {
		s.fail("recorder-open", err)
		return fmt.Errorf("open recorder: %w", err)
	}

	if err := s.setState(models.StateRecording); err != nil {
		// The idle timer fired while the recorder was opening. The
		// empty file stays on disk marked incomplete.
		if res, ferr := rec.Finalize(context.Background(), false); ferr == nil {
			s.publish(res, models.OutcomeFailed)
		} else {
			s.logger.Error("finalize aborted recording", zap.Error(ferr))
		}
		return err
	}

	s.mu.Lock()
	s.rec = rec
	s.started = true
	s.mu.Unlock()

	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	go s.run()
	return nil
}

// HandleFrame ingests one binary frame payload. The buffer holds
// undecoded payloads; when it is full the oldest is dropped so the
// stream stays near-live, and the drop surfaces as a sequence gap in
// the recording. Frames outside the recording state are ignored.
func (s *Session) HandleFrame(payload []byte) {
	if s.State() != models.StateRecording {
		return
	}
	s.framesReceived.Add(1)
	in := inboundFrame{seq: s.seq.Add(1), payload: payload, received: s.deps.Clock.Now()}
	select {
	case s.ingest <- in:
		return
	default:
	}
	select {
	case <-s.ingest:
		s.droppedBuffer.Add(1)
	default:
	}
	select {
	case s.ingest <- in:
	default:
		s.droppedBuffer.Add(1)
	}
}

// Stop begins graceful teardown: intake ends, buffered frames drain
// bounded by the drain timeout, the recording finalizes and the
// session leaves the registry. It blocks until teardown completes and
// is safe to call repeatedly from any goroutine.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		state := s.state
		s.mu.Unlock()

		if !started {
			switch state {
			case models.StateIdle:
				_ = s.setState(models.StateClosed)
			case models.StateNegotiating:
				_ = s.setState(models.StateFinalizing)
				_ = s.setState(models.StateClosed)
			}
			s.teardown(nil, models.OutcomeCompleted)
			return
		}

		_ = s.setState(models.StateFinalizing)
		close(s.stopCh)
	})

	select {
	case <-s.procDone:
	case <-s.deps.Clock.After(s.opts.DrainTimeout):
		// Drain took too long: cancel in-flight work, which turns the
		// remaining frames into drops, and force the finalize through.
		s.cancel()
		<-s.procDone
	}
}

// fail moves the session to errored from any live state. For started
// sessions the run loop observes the state and finalizes; otherwise
// teardown happens here.
func (s *Session) fail(code string, err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = models.StateErrored
	started := s.started
	s.mu.Unlock()

	s.logger.Error("session errored", zap.String("code", code), zap.Error(err))
	if s.notifier != nil {
		s.notifier.NotifyState(models.StateErrored)
		s.notifier.NotifyError(code, err.Error())
	}
	if started {
		s.requestStop()
		return
	}
	s.teardown(nil, models.OutcomeFailed)
}

// requestStop ends intake without blocking, for use from the
// processing goroutine itself
func (s *Session) requestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Session) onIdleTimeout() {
	s.mu.Lock()
	started := s.started
	terminal := s.state.Terminal()
	s.mu.Unlock()
	if started || terminal {
		return
	}
	s.fail("idle-timeout", fmt.Errorf("no stream within %s", s.opts.IdleTimeout))
}

func (s *Session) run() {
	for {
		select {
		case in := <-s.ingest:
			s.process(in)
		case <-s.stopCh:
			s.drainTail()
			s.finish()
			return
		}
	}
}

// drainTail processes whatever the buffer still holds after stop. The
// stop caller bounds this with the drain timeout by cancelling the
// session context, which turns the remaining frames into drops.
func (s *Session) drainTail() {
	for {
		select {
		case in := <-s.ingest:
			s.process(in)
		default:
			return
		}
	}
}

func (s *Session) process(in inboundFrame) {
	if s.ctx.Err() != nil || s.State() == models.StateErrored {
		s.droppedBuffer.Add(1)
		return
	}

	frame, err := s.deps.Codec.Decode(in.payload)
	if err != nil {
		s.decodeFailures.Add(1)
		s.logger.Debug("dropping undecodable frame", zap.Uint64("seq", in.seq), zap.Error(err))
		return
	}
	frame.Seq = in.seq
	frame.ReceivedAt = in.received

	var regions []models.Region
	res, err := s.deps.Detector.Detect(s.ctx, frame)
	switch {
	case errors.Is(err, detect.ErrPoolSaturated):
		s.droppedPool.Add(1)
		return
	case errors.Is(err, context.Canceled), errors.Is(err, detect.ErrPoolClosed):
		s.droppedBuffer.Add(1)
		return
	case err != nil:
		// Fail closed: without trusted regions the whole frame is
		// treated as sensitive.
		s.detectionFailures.Add(1)
	default:
		regions = res.Regions
	}

	redacted := s.deps.Redactor.Redact(frame.Image, regions)
	payload, err := s.deps.Codec.Encode(redacted)
	if err != nil {
		s.decodeFailures.Add(1)
		s.logger.Warn("dropping unencodable frame", zap.Uint64("seq", frame.Seq), zap.Error(err))
		return
	}

	rf := &models.RedactedFrame{
		Seq:        frame.Seq,
		JPEG:       payload,
		Width:      frame.Width,
		Height:     frame.Height,
		Regions:    len(regions),
		FullFrame:  len(regions) == 0,
		CapturedAt: frame.ReceivedAt,
	}
	if err := s.rec.Append(rf); err != nil {
		if errors.Is(err, recorder.ErrClosed) {
			return
		}
		s.fail("recording-write", err)
		return
	}
	s.framesRecorded.Add(1)
	s.preview.Push(rf)
}

// finish finalizes the recording, publishes the completion event and
// tears the session down. Runs once, at the end of the run loop.
func (s *Session) finish() {
	errored := s.State() == models.StateErrored

	var result *models.RecordingResult
	outcome := models.OutcomeCompleted
	if errored {
		outcome = models.OutcomeFailed
	}

	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec != nil {
		res, err := rec.Finalize(context.Background(), !errored)
		if err != nil {
			s.logger.Error("finalize recording", zap.Error(err))
			outcome = models.OutcomeFailed
			if !errored {
				_ = s.setState(models.StateErrored)
				errored = true
			}
		}
		result = &res
	}
	if !errored {
		if err := s.setState(models.StateClosed); err != nil {
			s.logger.Warn("close transition rejected", zap.Error(err))
		}
	}
	if result != nil {
		s.publish(*result, outcome)
	}
	s.teardown(result, outcome)
}

func (s *Session) publish(result models.RecordingResult, outcome string) {
	if s.deps.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.deps.Events.PublishCompletion(ctx, result, outcome); err != nil {
		s.logger.Error("publish completion event", zap.Error(err))
	}
}

// teardown releases session resources exactly once and removes the
// session from the registry
func (s *Session) teardown(result *models.RecordingResult, outcome string) {
	s.teardownOnce.Do(func() {
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		s.cancel()
		s.preview.Close()
		if s.notifier != nil {
			s.notifier.NotifyEnded(result, outcome)
		}
		if s.onClose != nil {
			s.onClose(s.ID)
		}
		s.logger.Info("session closed",
			zap.String("state", string(s.State())),
			zap.String("outcome", outcome))
		close(s.procDone)
	})
}

// Snapshot reports the session's counters for the stats surface
func (s *Session) Snapshot() models.SessionSnapshot {
	sent, dropped := s.preview.Stats()
	return models.SessionSnapshot{
		ID:                s.ID,
		State:             s.State(),
		StartedAt:         s.createdAt,
		FramesReceived:    s.framesReceived.Load(),
		DecodeFailures:    s.decodeFailures.Load(),
		DroppedBuffer:     s.droppedBuffer.Load(),
		DroppedPool:       s.droppedPool.Load(),
		DetectionFailures: s.detectionFailures.Load(),
		FramesRecorded:    s.framesRecorded.Load(),
		PreviewSent:       sent,
		PreviewDropped:    dropped,
	}
}
