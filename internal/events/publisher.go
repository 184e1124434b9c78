package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"video-anonymizer/internal/models"
	"video-anonymizer/internal/pipeline"
)

// EventRecordingCompleted names the single event type this service emits.
const EventRecordingCompleted = "recording.completed"

// Config holds broker settings for the completion publisher
type Config struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
}

// CompletionEvent is the payload published once per recording, whether the
// session finished cleanly or errored
type CompletionEvent struct {
	Event           string    `json:"event"`
	SessionID       string    `json:"session_id"`
	RecordingID     string    `json:"recording_id"`
	FilePath        string    `json:"file_path"`
	Outcome         string    `json:"outcome"`
	Complete        bool      `json:"complete"`
	FrameCount      int64     `json:"frame_count"`
	DroppedFrames   int64     `json:"dropped_frames"`
	GapCount        int       `json:"gap_count"`
	ReorderedFrames int64     `json:"reordered_frames"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	EmittedAt       time.Time `json:"emitted_at"`
}

func newCompletionEvent(result models.RecordingResult, outcome string, now time.Time) CompletionEvent {
	return CompletionEvent{
		Event:           EventRecordingCompleted,
		SessionID:       result.SessionID,
		RecordingID:     result.RecordingID,
		FilePath:        result.FilePath,
		Outcome:         outcome,
		Complete:        result.Complete,
		FrameCount:      result.FrameCount,
		DroppedFrames:   result.DroppedFrames(),
		GapCount:        len(result.Gaps),
		ReorderedFrames: result.Reordered,
		StartedAt:       result.StartedAt,
		FinishedAt:      result.FinishedAt,
		EmittedAt:       now,
	}
}

// Publisher emits completion events to a durable topic exchange
type Publisher struct {
	cfg    Config
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger
}

var _ pipeline.Emitter = (*Publisher)(nil)

// NewPublisher dials the broker and declares the exchange, queue and binding
func NewPublisher(cfg Config, logger *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	logger.Info("event publisher ready",
		zap.String("exchange", cfg.Exchange),
		zap.String("queue", cfg.Queue),
		zap.String("routing_key", cfg.RoutingKey))

	return &Publisher{cfg: cfg, conn: conn, ch: ch, logger: logger}, nil
}

// PublishCompletion sends one persistent message describing the recording
// outcome. Failures are returned to the caller; the recording itself is
// already finalized by the time this runs.
func (p *Publisher) PublishCompletion(ctx context.Context, result models.RecordingResult, outcome string) error {
	body, err := json.Marshal(newCompletionEvent(result, outcome, time.Now()))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = p.ch.PublishWithContext(ctx,
		p.cfg.Exchange,   // exchange
		p.cfg.RoutingKey, // routing key
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", p.cfg.RoutingKey, err)
	}
	return nil
}

// Close releases the channel and connection
func (p *Publisher) Close() {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// NopEmitter drops completion events. Used when the broker is disabled.
type NopEmitter struct{}

var _ pipeline.Emitter = NopEmitter{}

func (NopEmitter) PublishCompletion(context.Context, models.RecordingResult, string) error {
	return nil
}
