package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivegrid/scheduler/internal/model"
)

// ErrNoHandler is returned when no handler is registered for a task type
var ErrNoHandler = errors.New("no handler registered for task type")

// TaskHandler executes one job type in-process
type TaskHandler interface {
	Execute(ctx context.Context, job *model.Job) (*model.JobResult, error)
}

// TaskHandlerFunc adapts a function to the TaskHandler interface
type TaskHandlerFunc func(ctx context.Context, job *model.Job) (*model.JobResult, error)

// Execute calls the function
func (f TaskHandlerFunc) Execute(ctx context.Context, job *model.Job) (*model.JobResult, error) {
	return f(ctx, job)
}

// LocalRunner executes jobs on the local node through registered
// handlers. It is the execution path behind the admission policy's
// run-local decision; it never appears in the router's scoring.
type LocalRunner struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]TaskHandler
	running  int
}

// NewLocalRunner creates a new local runner
func NewLocalRunner(logger *zap.Logger) *LocalRunner {
	return &LocalRunner{
		logger:   logger.Named("local-runner"),
		handlers: make(map[string]TaskHandler),
	}
}

// RegisterHandler registers a handler for a task type. Registering the
// wildcard type makes the local node accept anything.
func (r *LocalRunner) RegisterHandler(taskType string, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
	r.logger.Info("Handler registered", zap.String("task_type", taskType))
}

// CanHandle reports whether a handler exists for the task type, exactly
// or via the wildcard
func (r *LocalRunner) CanHandle(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.handlers[taskType]; ok {
		return true
	}
	_, ok := r.handlers[model.CapabilityGeneral]
	return ok
}

// Running returns the number of currently-executing local jobs
func (r *LocalRunner) Running() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Execute runs the job through its handler, bounded by the job's
// timeout. The worker argument is the local pseudo-worker.
func (r *LocalRunner) Execute(ctx context.Context, job *model.Job, worker *model.Worker) (*model.JobResult, error) {
	r.mu.Lock()
	handler, ok := r.handlers[job.Type]
	if !ok {
		handler, ok = r.handlers[model.CapabilityGeneral]
	}
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, job.Type)
	}
	r.running++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	r.logger.Debug("Executing job locally",
		zap.String("job_id", job.ID),
		zap.String("task_type", job.Type))

	start := time.Now()
	result, err := handler.Execute(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("local handler failed: %w", err)
	}
	if result == nil {
		result = &model.JobResult{}
	}

	result.JobID = job.ID
	result.WorkerID = model.LocalWorkerID
	if result.Status == "" {
		result.Status = model.JobStatusCompleted
	}
	result.Duration = time.Since(start)
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}

	return result, nil
}
