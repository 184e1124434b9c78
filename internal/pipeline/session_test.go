package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"video-anonymizer/internal/codec"
	"video-anonymizer/internal/detect"
	"video-anonymizer/internal/models"
	"video-anonymizer/internal/recorder"
	"video-anonymizer/internal/redact"
)

type stubDetector struct {
	mu      sync.Mutex
	calls   int
	regions []models.Region
	failOn  map[int]bool // 1-based call numbers that fail
	started chan struct{}
	gate    chan struct{}
}

func (d *stubDetector) Detect(ctx context.Context, frame *models.Frame) ([]models.Region, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	if d.started != nil {
		d.started <- struct{}{}
	}
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.failOn[n] {
		return nil, errors.New("model produced no output")
	}
	return d.regions, nil
}

type fakeMuxer struct {
	mu     sync.Mutex
	path   string
	frames int
	failAt int
	closed bool
}

func (m *fakeMuxer) AddFrame(jpegData []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAt > 0 && m.frames+1 == m.failAt {
		return errors.New("disk full")
	}
	m.frames++
	return nil
}

func (m *fakeMuxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMuxer) frameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// muxerBank hands out one fake muxer per recording, failing the Nth
// AddFrame of selected recordings
type muxerBank struct {
	mu     sync.Mutex
	muxers []*fakeMuxer
	failAt map[int]int // recording index -> AddFrame to fail
}

func (b *muxerBank) factory(path string, width, height, fps int) (recorder.Muxer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := &fakeMuxer{path: path, failAt: b.failAt[len(b.muxers)]}
	b.muxers = append(b.muxers, m)
	if err := os.WriteFile(path, []byte("avi"), 0o644); err != nil {
		return nil, err
	}
	return m, nil
}

type endedCall struct {
	result  *models.RecordingResult
	outcome string
}

type fakeNotifier struct {
	mu     sync.Mutex
	states []models.SessionState
	codes  []string
	ended  []endedCall
}

func (n *fakeNotifier) NotifyState(state models.SessionState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
}

func (n *fakeNotifier) NotifyError(code, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codes = append(n.codes, code)
}

func (n *fakeNotifier) NotifyEnded(result *models.RecordingResult, outcome string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended = append(n.ended, endedCall{result: result, outcome: outcome})
}

func (n *fakeNotifier) stateSeq() []models.SessionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.SessionState(nil), n.states...)
}

func (n *fakeNotifier) errorCodes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.codes...)
}

func (n *fakeNotifier) endedCalls() []endedCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]endedCall(nil), n.ended...)
}

type emitted struct {
	result  models.RecordingResult
	outcome string
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *fakeEmitter) PublishCompletion(_ context.Context, result models.RecordingResult, outcome string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{result: result, outcome: outcome})
	return nil
}

func (e *fakeEmitter) all() []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emitted(nil), e.events...)
}

type memCatalog struct {
	mu        sync.Mutex
	created   []*models.Recording
	completed []*models.Recording
}

func (c *memCatalog) Create(_ context.Context, rec *models.Recording) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, rec)
	return nil
}

func (c *memCatalog) Complete(_ context.Context, rec *models.Recording) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, rec)
	return nil
}

func (c *memCatalog) lastCompleted() *models.Recording {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.completed) == 0 {
		return nil
	}
	return c.completed[len(c.completed)-1]
}

type env struct {
	mgr     *Manager
	bank    *muxerBank
	catalog *memCatalog
	emitter *fakeEmitter
	pool    *detect.Pool
}

func newEnv(t *testing.T, detector detect.Detector, clk clock.Clock, opts Options, bank *muxerBank) *env {
	t.Helper()
	if bank == nil {
		bank = &muxerBank{failAt: map[int]int{}}
	}
	catalog := &memCatalog{}
	emitter := &fakeEmitter{}
	pool := detect.NewPool(detector, 2, 4, zap.NewNop())
	t.Cleanup(pool.Close)

	deps := Deps{
		Codec:    codec.NewAdapter(80, 4<<20),
		Detector: pool,
		Redactor: redact.NewEngine(redact.MethodGaussian),
		Recorder: recorder.NewService(t.TempDir(), bank.factory, catalog, zap.NewNop()),
		Events:   emitter,
		Clock:    clk,
		Logger:   zap.NewNop(),
	}
	return &env{
		mgr:     NewManager(deps, opts, zap.NewNop()),
		bank:    bank,
		catalog: catalog,
		emitter: emitter,
		pool:    pool,
	}
}

func defaultOpts() Options {
	return Options{
		BufferSize:   16,
		IdleTimeout:  time.Minute,
		DrainTimeout: 2 * time.Second,
		FPS:          15,
	}
}

func testPayload(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			c := color.NRGBA{A: 255}
			if (x+y)%2 == 0 {
				c.R, c.G, c.B = 255, 255, 255
			}
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestSessionRecordsStream(t *testing.T) {
	detector := &stubDetector{regions: []models.Region{{X: 0.25, Y: 0.25, W: 0.4, H: 0.4, Confidence: 0.9}}}
	e := newEnv(t, detector, clock.New(), defaultOpts(), nil)

	notifier := &fakeNotifier{}
	s, err := e.mgr.Create(notifier)
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, s.State())
	assert.Equal(t, 1, e.mgr.Registry().Len())

	require.NoError(t, s.Start(StartParams{Width: 64, Height: 48, FPS: 10}))
	assert.Equal(t, models.StateRecording, s.State())

	payload := testPayload(t)
	for i := 0; i < 10; i++ {
		s.HandleFrame(payload)
	}
	s.Stop()

	assert.Equal(t, models.StateClosed, s.State())
	assert.Equal(t, 0, e.mgr.Registry().Len())
	assert.Equal(t, []models.SessionState{
		models.StateNegotiating,
		models.StateRecording,
		models.StateFinalizing,
		models.StateClosed,
	}, notifier.stateSeq())

	require.Len(t, e.bank.muxers, 1)
	assert.Equal(t, 10, e.bank.muxers[0].frameCount())
	assert.True(t, e.bank.muxers[0].closed)

	events := e.emitter.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.OutcomeCompleted, events[0].outcome)
	assert.Equal(t, int64(10), events[0].result.FrameCount)
	assert.Empty(t, events[0].result.Gaps)
	assert.Equal(t, s.ID, events[0].result.SessionID)

	snap := s.Snapshot()
	assert.Equal(t, int64(10), snap.FramesReceived)
	assert.Equal(t, int64(10), snap.FramesRecorded)
	assert.Equal(t, int64(0), snap.DecodeFailures)
	assert.Equal(t, int64(0), snap.DroppedBuffer)

	ended := notifier.endedCalls()
	require.Len(t, ended, 1)
	require.NotNil(t, ended[0].result)
	assert.True(t, ended[0].result.Complete)
}

func TestDetectionFailureFailsClosed(t *testing.T) {
	detector := &stubDetector{
		regions: []models.Region{{X: 0.2, Y: 0.2, W: 0.3, H: 0.3, Confidence: 0.8}},
		failOn:  map[int]bool{3: true, 4: true, 5: true},
	}
	e := newEnv(t, detector, clock.New(), defaultOpts(), nil)

	s, err := e.mgr.Create(&fakeNotifier{})
	require.NoError(t, err)
	require.NoError(t, s.Start(StartParams{Width: 64, Height: 48}))

	payload := testPayload(t)
	for i := 0; i < 10; i++ {
		s.HandleFrame(payload)
	}
	s.Stop()

	// Failed detections never drop frames; they redact the whole frame
	// and keep recording.
	snap := s.Snapshot()
	assert.Equal(t, int64(3), snap.DetectionFailures)
	assert.Equal(t, int64(10), snap.FramesRecorded)
	assert.Equal(t, 10, e.bank.muxers[0].frameCount())
	assert.Equal(t, models.StateClosed, s.State())

	events := e.emitter.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.OutcomeCompleted, events[0].outcome)
}

func TestDiskFailureErrorsSessionOnly(t *testing.T) {
	detector := &stubDetector{regions: []models.Region{{X: 0.2, Y: 0.2, W: 0.3, H: 0.3, Confidence: 0.8}}}
	bank := &muxerBank{failAt: map[int]int{0: 7}} // first recording fails on frame 7
	e := newEnv(t, detector, clock.New(), defaultOpts(), bank)

	notifier := &fakeNotifier{}
	victim, err := e.mgr.Create(notifier)
	require.NoError(t, err)
	require.NoError(t, victim.Start(StartParams{Width: 64, Height: 48}))

	bystander, err := e.mgr.Create(&fakeNotifier{})
	require.NoError(t, err)
	require.NoError(t, bystander.Start(StartParams{Width: 64, Height: 48}))

	payload := testPayload(t)
	for i := 0; i < 10; i++ {
		victim.HandleFrame(payload)
	}

	require.Eventually(t, func() bool {
		return victim.State() == models.StateErrored
	}, 5*time.Second, 10*time.Millisecond)
	victim.Stop()

	// Frames 1-6 persisted; the partial file stays on disk.
	assert.Equal(t, 6, bank.muxers[0].frameCount())
	_, statErr := os.Stat(bank.muxers[0].path)
	assert.NoError(t, statErr)

	completed := e.catalog.lastCompleted()
	require.NotNil(t, completed)
	assert.Equal(t, models.RecordingStatusIncomplete, completed.Status)

	events := e.emitter.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.OutcomeFailed, events[0].outcome)
	assert.Equal(t, int64(6), events[0].result.FrameCount)
	assert.False(t, events[0].result.Complete)

	assert.Contains(t, notifier.errorCodes(), "recording-write")

	// The other session is untouched and still records.
	for i := 0; i < 5; i++ {
		bystander.HandleFrame(payload)
	}
	bystander.Stop()
	assert.Equal(t, models.StateClosed, bystander.State())
	assert.Equal(t, 5, bank.muxers[1].frameCount())
	assert.Equal(t, 0, e.mgr.Registry().Len())
}

func TestDisconnectFinalizesRecording(t *testing.T) {
	detector := &stubDetector{}
	e := newEnv(t, detector, clock.New(), defaultOpts(), nil)

	notifier := &fakeNotifier{}
	s, err := e.mgr.Create(notifier)
	require.NoError(t, err)
	require.NoError(t, s.Start(StartParams{Width: 64, Height: 48}))

	payload := testPayload(t)
	for i := 0; i < 4; i++ {
		s.HandleFrame(payload)
	}

	// Transport loss and a stop signal take the same path.
	s.Stop()

	assert.Equal(t, models.StateClosed, s.State())
	assert.True(t, e.bank.muxers[0].closed, "recording must be flushed and closed")
	assert.Equal(t, 0, e.mgr.Registry().Len())

	states := notifier.stateSeq()
	assert.Equal(t, models.StateFinalizing, states[len(states)-2])
	assert.Equal(t, models.StateClosed, states[len(states)-1])

	events := e.emitter.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.OutcomeCompleted, events[0].outcome)
}

func TestBufferDropsOldest(t *testing.T) {
	detector := &stubDetector{
		started: make(chan struct{}, 32),
		gate:    make(chan struct{}),
	}
	opts := defaultOpts()
	opts.BufferSize = 4
	e := newEnv(t, detector, clock.New(), opts, nil)

	s, err := e.mgr.Create(&fakeNotifier{})
	require.NoError(t, err)
	require.NoError(t, s.Start(StartParams{Width: 64, Height: 48}))

	payload := testPayload(t)
	s.HandleFrame(payload) // frame 1
	<-detector.started     // processing goroutine now blocked in detect

	for i := 2; i <= 10; i++ {
		s.HandleFrame(payload)
	}

	// Buffer held 2..5, then 6..10 each displaced the oldest.
	snap := s.Snapshot()
	assert.Equal(t, int64(10), snap.FramesReceived)
	assert.Equal(t, int64(5), snap.DroppedBuffer)

	close(detector.gate)
	s.Stop()

	// Recorded: 1, 7, 8, 9, 10. The displaced run 2..6 is one gap.
	assert.Equal(t, 5, e.bank.muxers[0].frameCount())
	events := e.emitter.all()
	require.Len(t, events, 1)
	assert.Equal(t, int64(5), events[0].result.FrameCount)
	assert.Equal(t, []models.Gap{{From: 2, To: 6}}, events[0].result.Gaps)
}

func TestDrainTimeoutForcesFinalize(t *testing.T) {
	mock := clock.NewMock()
	detector := &stubDetector{
		started: make(chan struct{}, 8),
		gate:    make(chan struct{}),
	}
	opts := defaultOpts()
	e := newEnv(t, detector, mock, opts, nil)

	notifier := &fakeNotifier{}
	s, err := e.mgr.Create(notifier)
	require.NoError(t, err)
	require.NoError(t, s.Start(StartParams{Width: 64, Height: 48}))

	payload := testPayload(t)
	s.HandleFrame(payload)
	<-detector.started // detection stuck, never completes
	for i := 2; i <= 4; i++ {
		s.HandleFrame(payload)
	}

	stopDone := make(chan struct{})
	go func() {
		s.Stop()
		close(stopDone)
	}()

	// Advance the mock clock until the drain timer fires and Stop
	// returns without the detector ever releasing the frame.
	require.Eventually(t, func() bool {
		mock.Add(opts.DrainTimeout)
		select {
		case <-stopDone:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.StateClosed, s.State())
	assert.Equal(t, 0, e.mgr.Registry().Len())
	assert.True(t, e.bank.muxers[0].closed, "force-finalize must still close the file")

	// Every stuck frame became a drop; none were recorded.
	snap := s.Snapshot()
	assert.Equal(t, int64(4), snap.FramesReceived)
	assert.Equal(t, int64(4), snap.DroppedBuffer)
	assert.Equal(t, int64(0), snap.FramesRecorded)

	events := e.emitter.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.OutcomeCompleted, events[0].outcome)
	assert.Equal(t, int64(0), events[0].result.FrameCount)
}

func TestPoolSaturationDropsFrame(t *testing.T) {
	detector := &stubDetector{
		started: make(chan struct{}, 8),
		gate:    make(chan struct{}),
	}
	catalog := &memCatalog{}
	bank := &muxerBank{failAt: map[int]int{}}
	// A one-worker, one-slot pool so a third session finds it saturated.
	pool := detect.NewPool(detector, 1, 1, zap.NewNop())
	t.Cleanup(pool.Close)
	deps := Deps{
		Codec:    codec.NewAdapter(80, 4<<20),
		Detector: pool,
		Redactor: redact.NewEngine(redact.MethodGaussian),
		Recorder: recorder.NewService(t.TempDir(), bank.factory, catalog, zap.NewNop()),
		Events:   &fakeEmitter{},
		Clock:    clock.New(),
		Logger:   zap.NewNop(),
	}
	mgr := NewManager(deps, defaultOpts(), zap.NewNop())

	payload := testPayload(t)
	sessions := make([]*Session, 3)
	for i := range sessions {
		s, err := mgr.Create(&fakeNotifier{})
		require.NoError(t, err)
		require.NoError(t, s.Start(StartParams{Width: 64, Height: 48}))
		sessions[i] = s
	}

	sessions[0].HandleFrame(payload)
	<-detector.started // worker busy
	sessions[1].HandleFrame(payload)
	require.Eventually(t, func() bool {
		return pool.Stats().QueueLen == 1
	}, 2*time.Second, time.Millisecond)

	sessions[2].HandleFrame(payload)
	require.Eventually(t, func() bool {
		return sessions[2].Snapshot().DroppedPool == 1
	}, 2*time.Second, time.Millisecond)

	close(detector.gate)
	for _, s := range sessions {
		s.Stop()
	}
	assert.Equal(t, int64(1), pool.Stats().Rejected)
}

func TestMalformedFramesDropped(t *testing.T) {
	detector := &stubDetector{}
	e := newEnv(t, detector, clock.New(), defaultOpts(), nil)

	s, err := e.mgr.Create(&fakeNotifier{})
	require.NoError(t, err)
	require.NoError(t, s.Start(StartParams{Width: 64, Height: 48}))

	payload := testPayload(t)
	s.HandleFrame(payload)
	s.HandleFrame([]byte("not a jpeg"))
	s.HandleFrame(nil)
	s.HandleFrame(payload)
	s.Stop()

	snap := s.Snapshot()
	assert.Equal(t, int64(2), snap.DecodeFailures)
	assert.Equal(t, int64(2), snap.FramesRecorded)
	assert.Equal(t, models.StateClosed, s.State(), "decode failures must not kill the session")

	// Bad frames consumed sequence numbers 2 and 3; the recording marks
	// that run as a gap instead of closing it silently.
	events := e.emitter.all()
	require.Len(t, events, 1)
	assert.Equal(t, []models.Gap{{From: 2, To: 3}}, events[0].result.Gaps)
}

func TestIdleTimeoutErrorsSession(t *testing.T) {
	mock := clock.NewMock()
	opts := defaultOpts()
	opts.IdleTimeout = 30 * time.Second
	e := newEnv(t, &stubDetector{}, mock, opts, nil)

	notifier := &fakeNotifier{}
	s, err := e.mgr.Create(notifier)
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, s.State())

	mock.Add(31 * time.Second)

	require.Eventually(t, func() bool {
		return s.State() == models.StateErrored
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, e.mgr.Registry().Len())
	assert.Contains(t, notifier.errorCodes(), "idle-timeout")

	// A stream cannot start on a dead session.
	err = s.Start(StartParams{Width: 64, Height: 48})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLifecycleRejectsInvalidSignals(t *testing.T) {
	e := newEnv(t, &stubDetector{}, clock.New(), defaultOpts(), nil)

	s, err := e.mgr.Create(&fakeNotifier{})
	require.NoError(t, err)

	// Frames before the stream starts are ignored.
	s.HandleFrame(testPayload(t))
	assert.Equal(t, int64(0), s.Snapshot().FramesReceived)

	require.NoError(t, s.Start(StartParams{Width: 64, Height: 48}))

	// A second start must not disturb the running session.
	err = s.Start(StartParams{Width: 32, Height: 32})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.StateRecording, s.State())

	s.Stop()
	s.Stop() // idempotent
	assert.Equal(t, models.StateClosed, s.State())
}

func TestStopWithoutStart(t *testing.T) {
	e := newEnv(t, &stubDetector{}, clock.New(), defaultOpts(), nil)

	notifier := &fakeNotifier{}
	s, err := e.mgr.Create(notifier)
	require.NoError(t, err)
	s.Stop()

	assert.Equal(t, models.StateClosed, s.State())
	assert.Equal(t, 0, e.mgr.Registry().Len())
	assert.Empty(t, e.emitter.all(), "no recording, no completion event")

	ended := notifier.endedCalls()
	require.Len(t, ended, 1)
	assert.Nil(t, ended[0].result)
}

func TestStartRejectsBadParams(t *testing.T) {
	e := newEnv(t, &stubDetector{}, clock.New(), defaultOpts(), nil)

	notifier := &fakeNotifier{}
	s, err := e.mgr.Create(notifier)
	require.NoError(t, err)

	err = s.Start(StartParams{Width: 0, Height: 48})
	require.Error(t, err)
	assert.Equal(t, models.StateErrored, s.State())
	assert.Contains(t, notifier.errorCodes(), "bad-params")
	assert.Equal(t, 0, e.mgr.Registry().Len())
}

func TestManagerShutdown(t *testing.T) {
	e := newEnv(t, &stubDetector{}, clock.New(), defaultOpts(), nil)

	s1, err := e.mgr.Create(&fakeNotifier{})
	require.NoError(t, err)
	require.NoError(t, s1.Start(StartParams{Width: 64, Height: 48}))
	s2, err := e.mgr.Create(&fakeNotifier{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.mgr.Shutdown(ctx)

	assert.Equal(t, 0, e.mgr.Registry().Len())
	assert.Equal(t, models.StateClosed, s1.State())
	assert.Equal(t, models.StateClosed, s2.State())

	_, err = e.mgr.Create(&fakeNotifier{})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestPreviewReceivesRedactedFrames(t *testing.T) {
	detector := &stubDetector{regions: []models.Region{{X: 0.2, Y: 0.2, W: 0.3, H: 0.3, Confidence: 0.9}}}
	e := newEnv(t, detector, clock.New(), defaultOpts(), nil)

	s, err := e.mgr.Create(&fakeNotifier{})
	require.NoError(t, err)
	require.NoError(t, s.Start(StartParams{Width: 64, Height: 48}))

	frames := make(chan *models.RedactedFrame, 16)
	go func() {
		for {
			f, ok := s.Preview().Next()
			if !ok {
				close(frames)
				return
			}
			frames <- f
		}
	}()

	payload := testPayload(t)
	for i := 0; i < 5; i++ {
		s.HandleFrame(payload)
	}
	s.Stop()

	var got []*models.RedactedFrame
	for f := range frames {
		got = append(got, f)
	}
	require.NotEmpty(t, got, "viewer must receive preview frames")
	for _, f := range got {
		assert.NotEmpty(t, f.JPEG)
		assert.Equal(t, 64, f.Width)
		assert.False(t, f.FullFrame)
		// Preview frames are post-redaction JPEG, never raw input.
		assert.True(t, bytes.HasPrefix(f.JPEG, []byte{0xFF, 0xD8}))
		assert.NotEqual(t, payload, f.JPEG)
	}
}
