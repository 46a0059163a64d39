package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/hivegrid/scheduler/internal/admission"
	"github.com/hivegrid/scheduler/internal/config"
	"github.com/hivegrid/scheduler/internal/dispatch"
	"github.com/hivegrid/scheduler/internal/event"
	"github.com/hivegrid/scheduler/internal/executor"
	"github.com/hivegrid/scheduler/internal/model"
	"github.com/hivegrid/scheduler/internal/monitor"
	"github.com/hivegrid/scheduler/internal/registry"
	"github.com/hivegrid/scheduler/internal/router"
	"github.com/hivegrid/scheduler/internal/schedule"
	"github.com/hivegrid/scheduler/internal/storage"
	"github.com/hivegrid/scheduler/internal/transport"
)

// Scheduler is the explicitly constructed entry point to the adaptive
// job scheduler. It owns every component's lifecycle: nothing starts at
// package load, everything starts in Start and stops in Shutdown.
type Scheduler struct {
	logger *zap.Logger
	cfg    *config.Config

	monitor    *monitor.ResourceMonitor
	registry   *registry.Registry
	transport  *transport.HTTPTransport
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	policy     *admission.Policy
	local      *executor.LocalRunner
	cron       *schedule.CronScheduler
	bus        event.Bus
	history    storage.JobHistoryStore

	nc     *nats.Conn
	cancel context.CancelFunc
}

// New wires a scheduler from configuration
func New(cfg *config.Config, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		logger: logger.Named("scheduler"),
		cfg:    cfg,
	}

	if err := s.initBus(); err != nil {
		return nil, err
	}

	if cfg.HistoryPath != "" {
		history, err := storage.NewSQLiteJobHistory(logger, cfg.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open job history: %w", err)
		}
		s.history = history
	}

	s.monitor = monitor.NewResourceMonitor(cfg.MetricsFineInterval, cfg.MetricsCoarseInterval, logger)
	s.transport = transport.NewHTTPTransport(cfg.ProbeTimeout, logger)
	s.registry = registry.NewRegistry(s.transport, s.bus, registry.Config{
		ProbeInterval:    cfg.ProbeInterval,
		FailureThreshold: cfg.FailureThreshold,
	}, logger)
	s.router = router.NewRouter(logger)
	s.local = executor.NewLocalRunner(logger)

	s.dispatcher = dispatch.NewDispatcher(dispatch.Config{
		TickInterval: cfg.DispatchInterval,
		HighWater:    cfg.QueueHighWater,
		LocalMaxJobs: cfg.LocalMaxJobs,
	}, s.registry, s.router, s.transport, s.local, s.bus, s.history, logger)

	s.registry.SetDownHandler(func(workerID, reason string) {
		s.dispatcher.RequeueWorkerJobs(workerID, reason)
	})

	s.policy = admission.NewPolicy(admission.Config{
		Mode:           admission.Mode(cfg.Mode),
		HeavyTypes:     cfg.HeavyTypes,
		LocalThreshold: cfg.LocalMaxJobs,
	}, s.monitor, s.dispatcher, s.registry, logger)

	for _, w := range cfg.Workers {
		if err := s.registry.Register(model.WorkerSpec{
			ID:           w.ID,
			Address:      w.Address,
			TLS:          w.TLS,
			Token:        w.Token,
			Capabilities: w.Capabilities,
			MaxJobs:      w.MaxJobs,
			Region:       w.Region,
		}); err != nil {
			return nil, fmt.Errorf("failed to register worker %q: %w", w.ID, err)
		}
	}

	s.cron = schedule.NewCronScheduler(s, logger)
	for _, sc := range cfg.Schedules {
		entry := schedule.Entry{
			Name:     sc.Name,
			Spec:     sc.Cron,
			TaskType: sc.TaskType,
			Priority: model.ParsePriority(sc.Priority),
		}
		if sc.Payload != "" {
			entry.Payload = json.RawMessage(sc.Payload)
		}
		if err := s.cron.Add(entry); err != nil {
			return nil, fmt.Errorf("failed to add schedule %q: %w", sc.Name, err)
		}
	}

	return s, nil
}

func (s *Scheduler) initBus() error {
	if s.cfg.NATSURL == "" {
		s.bus = event.NewLogBus(s.logger)
		return nil
	}

	nc, err := nats.Connect(s.cfg.NATSURL,
		nats.Name("hivegrid-scheduler"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			s.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	bus, err := event.NewNATSBus(js, s.logger)
	if err != nil {
		nc.Close()
		return err
	}

	s.nc = nc
	s.bus = bus
	return nil
}

// Start starts every background loop and runs an immediate probe round
// so statically configured workers can come online before the first
// dispatch tick
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start resource monitor: %w", err)
	}
	if err := s.registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start registry: %w", err)
	}
	if err := s.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	s.cron.Start()

	go s.registry.ProbeAll(ctx)

	s.logger.Info("Scheduler started",
		zap.String("mode", s.cfg.Mode),
		zap.Int("workers", s.registry.Count()))

	return nil
}

// Shutdown stops every component and releases external resources
func (s *Scheduler) Shutdown() {
	s.logger.Info("Scheduler shutting down")

	s.cron.Stop()
	s.dispatcher.Stop()
	s.registry.Stop()
	s.monitor.Stop()

	if s.cancel != nil {
		s.cancel()
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.Error("Failed to close job history", zap.Error(err))
		}
	}
	if s.nc != nil {
		s.nc.Close()
	}
}

// Submit validates and admits a job, returning its id immediately. The
// payload is opaque; only the type tag is interpreted.
func (s *Scheduler) Submit(ctx context.Context, taskType string, payload json.RawMessage, opts model.SubmitOptions) (string, error) {
	if taskType == "" {
		return "", ErrInvalidTaskType
	}
	if opts.Timeout < 0 {
		return "", fmt.Errorf("%w: negative timeout", ErrInvalidOptions)
	}
	if opts.MaxRetries < 0 {
		return "", fmt.Errorf("%w: negative max retries", ErrInvalidOptions)
	}

	if opts.Timeout == 0 {
		opts.Timeout = s.cfg.DefaultTimeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = s.cfg.MaxRetries
	}
	if opts.Priority == 0 {
		opts.Priority = model.JobPriorityNormal
	}

	profile := model.ProfileForType(taskType)
	if opts.Profile != nil {
		profile = *opts.Profile
	}

	job := &model.Job{
		ID:                 uuid.New().String(),
		Type:               taskType,
		Payload:            payload,
		Priority:           opts.Priority,
		Timeout:            opts.Timeout,
		MaxRetries:         opts.MaxRetries,
		AllowLocalFallback: opts.AllowLocalFallback,
		CreatedAt:          time.Now(),
	}

	decision := s.policy.Decide(job, profile)
	job.RunLocal = decision.RunLocal

	if err := s.resolveCapability(job); err != nil {
		return "", err
	}

	s.dispatcher.Enqueue(job)
	return job.ID, nil
}

// resolveCapability checks that someone can ever execute this task
// type, flipping the placement when only the other side declares it
func (s *Scheduler) resolveCapability(job *model.Job) error {
	if job.RunLocal {
		if s.local.CanHandle(job.Type) {
			return nil
		}
		if s.registry.HasCapability(job.Type) {
			job.RunLocal = false
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNoCapableWorker, job.Type)
	}

	if s.registry.HasCapability(job.Type) {
		return nil
	}
	// Offload is impossible; fall back to local as a last resort when
	// the caller allows it and we are not a pure coordinator.
	if s.policy.Mode() != admission.ModeCoordinator &&
		(job.AllowLocalFallback || s.registry.Count() == 0) &&
		s.local.CanHandle(job.Type) {
		job.RunLocal = true
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNoCapableWorker, job.Type)
}

// WaitForJob blocks until the job completes or fails terminally
func (s *Scheduler) WaitForJob(ctx context.Context, jobID string) (*model.JobResult, error) {
	return s.dispatcher.WaitForJob(ctx, jobID)
}

// Stats returns current scheduler statistics
func (s *Scheduler) Stats() dispatch.Stats {
	return s.dispatcher.Stats()
}

// RegisterWorker adds a worker at runtime
func (s *Scheduler) RegisterWorker(spec model.WorkerSpec) error {
	return s.registry.Register(spec)
}

// RemoveWorker removes a worker; its in-flight jobs are requeued
func (s *Scheduler) RemoveWorker(id string) error {
	return s.registry.Remove(id)
}

// Workers returns snapshots of all registered workers
func (s *Scheduler) Workers() []*model.Worker {
	return s.registry.List()
}

// RegisterHandler registers a local task handler
func (s *Scheduler) RegisterHandler(taskType string, h executor.TaskHandler) {
	s.local.RegisterHandler(taskType, h)
}

// AddSchedule registers a recurring job submission
func (s *Scheduler) AddSchedule(entry schedule.Entry) error {
	return s.cron.Add(entry)
}

// RemoveSchedule removes a recurring job submission
func (s *Scheduler) RemoveSchedule(name string) error {
	return s.cron.Remove(name)
}

// LoadScore exposes the local node's derived load score
func (s *Scheduler) LoadScore() int {
	return s.monitor.LoadScore()
}
