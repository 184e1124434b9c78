package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"video-anonymizer/internal/codec"
	"video-anonymizer/internal/detect"
	"video-anonymizer/internal/models"
	"video-anonymizer/internal/recorder"
	"video-anonymizer/internal/redact"
)

// ErrShuttingDown is returned by Create once the manager is stopped
var ErrShuttingDown = errors.New("pipeline manager shutting down")

// Emitter publishes completion events at the metadata boundary once a
// recording finalizes
type Emitter interface {
	PublishCompletion(ctx context.Context, result models.RecordingResult, outcome string) error
}

// Notifier carries session lifecycle notices back toward the client.
// Implementations must tolerate calls from multiple goroutines.
type Notifier interface {
	NotifyState(state models.SessionState)
	NotifyError(code, message string)
	NotifyEnded(result *models.RecordingResult, outcome string)
}

// Deps are the shared services every session pipeline runs against
type Deps struct {
	Codec    *codec.Adapter
	Detector *detect.Pool
	Redactor *redact.Engine
	Recorder *recorder.Service
	Events   Emitter
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Options tune per-session behavior
type Options struct {
	BufferSize   int           // ingestion buffer capacity
	IdleTimeout  time.Duration // max time from registration to recording
	DrainTimeout time.Duration // max time to drain in-flight frames at stop
	FPS          int           // recording rate when the client sends none
}

// Manager creates sessions and owns the registry
type Manager struct {
	deps     Deps
	opts     Options
	registry *Registry
	logger   *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewManager wires session creation against shared dependencies
func NewManager(deps Deps, opts Options, logger *zap.Logger) *Manager {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if opts.BufferSize < 1 {
		opts.BufferSize = 1
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 3 * time.Second
	}
	return &Manager{
		deps:     deps,
		opts:     opts,
		registry: NewRegistry(),
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Create registers a new session in the idle state. The idle timer is
// armed immediately: a client that never starts streaming is errored
// out and removed.
func (m *Manager) Create(notifier Notifier) (*Session, error) {
	select {
	case <-m.done:
		return nil, ErrShuttingDown
	default:
	}

	s := newSession(uuid.New().String(), m.deps, m.opts, notifier, m.registry.remove)
	if err := m.registry.add(s); err != nil {
		s.teardown(nil, models.OutcomeFailed)
		return nil, err
	}
	s.armIdleTimer()
	m.logger.Info("session registered", zap.String("session_id", s.ID))
	return s, nil
}

// Registry exposes the live session index
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Shutdown refuses new sessions and stops the live ones, bounded by ctx
func (m *Manager) Shutdown(ctx context.Context) {
	m.closeOnce.Do(func() { close(m.done) })
	m.registry.StopAll(ctx)
}
