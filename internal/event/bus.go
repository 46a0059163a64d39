package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	eventStreamName    = "EVENTS"
	eventSubjectPrefix = "sched.event."
)

// Type identifies a scheduler event
type Type string

const (
	TypeWorkerOnline  Type = "worker_online"
	TypeWorkerOffline Type = "worker_offline"
	TypeWorkerRemoved Type = "worker_removed"
	TypeQueueBacklog  Type = "queue_backlog"
	TypeJobCompleted  Type = "job_completed"
	TypeJobFailed     Type = "job_failed"
)

// Event is a scheduler lifecycle notification
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	WorkerID  string    `json:"worker_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Bus publishes scheduler events to interested consumers
type Bus interface {
	Publish(ctx context.Context, evt Event) error
}

// LogBus is the fallback bus used when no message broker is configured;
// events only reach the log.
type LogBus struct {
	logger *zap.Logger
}

// NewLogBus creates a log-only event bus
func NewLogBus(logger *zap.Logger) *LogBus {
	return &LogBus{logger: logger.Named("events")}
}

// Publish logs the event
func (b *LogBus) Publish(ctx context.Context, evt Event) error {
	b.logger.Info("Scheduler event",
		zap.String("type", string(evt.Type)),
		zap.String("worker_id", evt.WorkerID),
		zap.String("job_id", evt.JobID),
		zap.String("message", evt.Message))
	return nil
}

// NATSBus publishes events to a JetStream stream
type NATSBus struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewNATSBus creates a JetStream-backed event bus, creating the stream
// if it does not exist yet
func NewNATSBus(js nats.JetStreamContext, logger *zap.Logger) (*NATSBus, error) {
	stream, err := js.StreamInfo(eventStreamName)
	if err != nil && err != nats.ErrStreamNotFound {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}

	if stream == nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     eventStreamName,
			Subjects: []string{eventSubjectPrefix + "*"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create event stream: %w", err)
		}
	}

	return &NATSBus{
		logger: logger.Named("events"),
		js:     js,
	}, nil
}

// Publish publishes the event to sched.event.<type>
func (b *NATSBus) Publish(ctx context.Context, evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := b.js.Publish(eventSubjectPrefix+string(evt.Type), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("Event published",
		zap.String("id", evt.ID),
		zap.String("type", string(evt.Type)))

	return nil
}

// Recorder is an in-memory bus for tests
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates a recording event bus
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish records the event
func (r *Recorder) Publish(ctx context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of everything published so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ByType returns recorded events of one type
func (r *Recorder) ByType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, evt := range r.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}
