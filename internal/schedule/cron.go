package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hivegrid/scheduler/internal/model"
)

// Submitter is the slice of the scheduler API recurring entries need
type Submitter interface {
	Submit(ctx context.Context, taskType string, payload json.RawMessage, opts model.SubmitOptions) (string, error)
}

// Entry describes one recurring job submission
type Entry struct {
	Name     string
	Spec     string // cron expression with seconds field
	TaskType string
	Payload  json.RawMessage
	Priority model.JobPriority
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// CronScheduler submits recurring jobs on cron schedules
type CronScheduler struct {
	logger    *zap.Logger
	cron      *cron.Cron
	submitter Submitter

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewCronScheduler creates a new recurring-job scheduler
func NewCronScheduler(submitter Submitter, logger *zap.Logger) *CronScheduler {
	named := logger.Named("cron")
	return &CronScheduler{
		logger: named,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(&cronLogger{logger: named})),
		),
		submitter: submitter,
		entries:   make(map[string]cron.EntryID),
	}
}

// Add registers a recurring entry. Adding an existing name replaces it.
func (s *CronScheduler) Add(entry Entry) error {
	if entry.Name == "" || entry.Spec == "" || entry.TaskType == "" {
		return fmt.Errorf("schedule entry needs name, spec, and task type")
	}

	id, err := s.cron.AddFunc(entry.Spec, func() { s.fire(entry) })
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", entry.Spec, err)
	}

	s.mu.Lock()
	if old, ok := s.entries[entry.Name]; ok {
		s.cron.Remove(old)
	}
	s.entries[entry.Name] = id
	s.mu.Unlock()

	s.logger.Info("Schedule added",
		zap.String("name", entry.Name),
		zap.String("spec", entry.Spec),
		zap.String("task_type", entry.TaskType))

	return nil
}

// Remove deletes a recurring entry
func (s *CronScheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("schedule %q not found", name)
	}
	s.cron.Remove(id)
	delete(s.entries, name)

	s.logger.Info("Schedule removed", zap.String("name", name))
	return nil
}

// Names lists the registered entries
func (s *CronScheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Start starts firing schedules
func (s *CronScheduler) Start() {
	s.logger.Info("Starting cron scheduler")
	s.cron.Start()
}

// Stop stops firing and waits for in-progress submissions
func (s *CronScheduler) Stop() {
	s.logger.Info("Stopping cron scheduler")
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("Timed out waiting for running schedule submissions")
	}
}

func (s *CronScheduler) fire(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jobID, err := s.submitter.Submit(ctx, entry.TaskType, entry.Payload, model.SubmitOptions{
		Priority: entry.Priority,
	})
	if err != nil {
		s.logger.Error("Scheduled submission failed",
			zap.String("name", entry.Name),
			zap.String("task_type", entry.TaskType),
			zap.Error(err))
		return
	}

	s.logger.Debug("Scheduled job submitted",
		zap.String("name", entry.Name),
		zap.String("job_id", jobID))
}
