package detect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"video-anonymizer/internal/models"
)

// Pool submit failures
var (
	ErrPoolSaturated = errors.New("detector pool saturated")
	ErrPoolClosed    = errors.New("detector pool closed")
)

type job struct {
	ctx   context.Context
	frame *models.Frame
	reply chan jobResult
}

type jobResult struct {
	regions []models.Region
	err     error
}

// Pool runs detections for every session on a fixed set of workers
// sharing one read-only detector. Each session keeps at most one frame
// in flight, so the bounded FIFO queue serves sessions round-robin and
// a busy session cannot starve the others. A full queue rejects
// immediately instead of blocking the submitting session.
type Pool struct {
	detector Detector
	jobs     chan job
	done     chan struct{}
	logger   *zap.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	failures  atomic.Int64
}

// NewPool starts workers goroutines over a queue of queueSize slots
func NewPool(detector Detector, workers, queueSize int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < workers {
		queueSize = workers
	}
	p := &Pool{
		detector: detector,
		jobs:     make(chan job, queueSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	p.logger.Debug("detector worker started", zap.Int("worker_id", id))
	for {
		select {
		case j := <-p.jobs:
			regions, err := p.detector.Detect(j.ctx, j.frame)
			if err != nil {
				p.failures.Add(1)
			}
			p.completed.Add(1)
			j.reply <- jobResult{regions: regions, err: err}
		case <-p.done:
			p.logger.Debug("detector worker stopped", zap.Int("worker_id", id))
			return
		}
	}
}

// Detect submits a frame and waits for the result. A full queue fails
// fast with ErrPoolSaturated so the caller can drop the frame. A
// detector error comes back as DetectionResult.Failed plus the error;
// the caller must fail closed and redact the whole frame.
func (p *Pool) Detect(ctx context.Context, frame *models.Frame) (models.DetectionResult, error) {
	res := models.DetectionResult{Seq: frame.Seq}

	reply := make(chan jobResult, 1)
	select {
	case <-p.done:
		return res, ErrPoolClosed
	case p.jobs <- job{ctx: ctx, frame: frame, reply: reply}:
		p.submitted.Add(1)
	default:
		p.rejected.Add(1)
		return res, ErrPoolSaturated
	}

	select {
	case r := <-reply:
		if r.err != nil {
			res.Failed = true
			return res, fmt.Errorf("detect frame %d: %w", frame.Seq, r.err)
		}
		res.Regions = r.regions
		return res, nil
	case <-ctx.Done():
		return res, ctx.Err()
	case <-p.done:
		return res, ErrPoolClosed
	}
}

// Close stops the workers. In-flight detections finish; queued jobs
// are abandoned and their callers unblock with ErrPoolClosed.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

// Stats is a snapshot of pool activity
type Stats struct {
	QueueLen  int   `json:"queue_len"`
	QueueCap  int   `json:"queue_cap"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
	Failures  int64 `json:"failures"`
}

// Stats reports current pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		QueueLen:  len(p.jobs),
		QueueCap:  cap(p.jobs),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Failures:  p.failures.Load(),
	}
}
