package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivegrid/scheduler/internal/event"
	"github.com/hivegrid/scheduler/internal/model"
	"github.com/hivegrid/scheduler/internal/transport"
)

const (
	defaultProbeInterval    = 30 * time.Second
	defaultFailureThreshold = 3

	// rttSmoothing weights the previous smoothed value against a new
	// probe sample: new = old*0.8 + sample*0.2
	rttSmoothing = 0.8
)

// Prober issues liveness calls against workers
type Prober interface {
	Probe(ctx context.Context, w *model.Worker) (*transport.HealthReport, error)
}

// Config holds registry tunables
type Config struct {
	ProbeInterval    time.Duration
	FailureThreshold int
}

// Registry holds the set of known workers and supervises their health.
// It is the only owner of worker health state and capacity counters;
// capacity is mutated through Reserve and Release alone.
type Registry struct {
	logger *zap.Logger
	prober Prober
	bus    event.Bus
	cfg    Config

	mu      sync.RWMutex
	workers map[string]*model.Worker

	// downHandler is invoked, outside the registry lock, whenever a
	// worker goes offline or is removed, so in-flight jobs can be
	// requeued by their owner.
	downHandler func(workerID, reason string)

	stop chan struct{}
	once sync.Once
}

// NewRegistry creates a new worker registry
func NewRegistry(prober Prober, bus event.Bus, cfg Config, logger *zap.Logger) *Registry {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	return &Registry{
		logger:  logger.Named("registry"),
		prober:  prober,
		bus:     bus,
		cfg:     cfg,
		workers: make(map[string]*model.Worker),
		stop:    make(chan struct{}),
	}
}

// SetDownHandler installs the callback fired when a worker leaves the
// healthy set. Must be called before Start.
func (r *Registry) SetDownHandler(fn func(workerID, reason string)) {
	r.downHandler = fn
}

// Start starts the health probe loop
func (r *Registry) Start(ctx context.Context) error {
	r.logger.Info("Starting worker registry",
		zap.Duration("probe_interval", r.cfg.ProbeInterval),
		zap.Int("failure_threshold", r.cfg.FailureThreshold))

	go r.probeLoop(ctx)

	return nil
}

// Stop stops the probe loop
func (r *Registry) Stop() {
	r.once.Do(func() {
		r.logger.Info("Stopping worker registry")
		close(r.stop)
	})
}

// Register adds a worker. Registration is idempotent by id: a second
// call updates the declared fields but never resets health state or
// rolling statistics.
func (r *Registry) Register(spec model.WorkerSpec) error {
	if spec.ID == "" || spec.Address == "" {
		return ErrInvalidWorkerSpec
	}
	if spec.MaxJobs <= 0 {
		spec.MaxJobs = 1
	}
	if len(spec.Capabilities) == 0 {
		spec.Capabilities = []string{model.CapabilityGeneral}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.workers[spec.ID]; ok {
		existing.Address = spec.Address
		existing.TLS = spec.TLS
		existing.Token = spec.Token
		existing.Capabilities = append([]string(nil), spec.Capabilities...)
		existing.MaxJobs = spec.MaxJobs
		existing.Region = spec.Region
		r.logger.Info("Worker re-registered",
			zap.String("worker_id", spec.ID),
			zap.String("address", spec.Address))
		return nil
	}

	r.workers[spec.ID] = &model.Worker{
		ID:           spec.ID,
		Address:      spec.Address,
		TLS:          spec.TLS,
		Token:        spec.Token,
		Capabilities: append([]string(nil), spec.Capabilities...),
		MaxJobs:      spec.MaxJobs,
		Region:       spec.Region,
		// Offline until the first successful probe
		Online: false,
	}

	r.logger.Info("Worker registered",
		zap.String("worker_id", spec.ID),
		zap.String("address", spec.Address),
		zap.Strings("capabilities", spec.Capabilities),
		zap.Int("max_jobs", spec.MaxJobs))

	return nil
}

// Remove deletes a worker and notifies the down handler so its assigned
// jobs are requeued or failed
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return ErrWorkerNotFound
	}
	delete(r.workers, id)
	r.mu.Unlock()

	r.logger.Info("Worker removed",
		zap.String("worker_id", id),
		zap.Int("jobs_assigned", w.CurrentJobs))

	r.publish(event.Event{
		Type:     event.TypeWorkerRemoved,
		WorkerID: id,
		Message:  "worker removed from registry",
	})

	r.notifyDown(id, "worker removed")
	return nil
}

// Get returns a snapshot of one worker
func (r *Registry) Get(id string) (*model.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// List returns snapshots of all registered workers
func (r *Registry) List() []*model.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Clone())
	}
	return out
}

// HealthyCandidates returns snapshots of workers that are online, have
// spare capacity, and declare the task type or the wildcard
func (r *Registry) HealthyCandidates(taskType string) []*model.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Worker
	for _, w := range r.workers {
		if w.Online && w.HasSpareCapacity() && w.CanExecute(taskType) {
			out = append(out, w.Clone())
		}
	}
	return out
}

// HasCapability reports whether any registered worker, healthy or not,
// declares the task type or the wildcard. Used for submission-time
// validation: an unknown type is rejected, a temporarily unserved one
// stays queued.
func (r *Registry) HasCapability(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.workers {
		if w.CanExecute(taskType) {
			return true
		}
	}
	return false
}

// Count returns the number of registered workers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Counts returns total and healthy worker counts
func (r *Registry) Counts() (total, healthy int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.workers {
		if w.Online {
			healthy++
		}
	}
	return len(r.workers), healthy
}

// Utilization returns the per-worker capacity fraction in use
func (r *Registry) Utilization() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.workers))
	for id, w := range r.workers {
		out[id] = w.Utilization()
	}
	return out
}

// SpareCapacity returns the total number of free slots across healthy
// workers
func (r *Registry) SpareCapacity() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spare := 0
	for _, w := range r.workers {
		if w.Online && w.CurrentJobs < w.MaxJobs {
			spare += w.MaxJobs - w.CurrentJobs
		}
	}
	return spare
}

// Reserve claims one capacity slot on a worker. Only the dispatch
// engine calls this.
func (r *Registry) Reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}
	if !w.Online {
		return ErrWorkerOffline
	}
	if w.CurrentJobs >= w.MaxJobs {
		return ErrWorkerSaturated
	}
	w.CurrentJobs++
	return nil
}

// Release returns one capacity slot. Releasing a removed worker is a
// no-op; the counter can never go negative.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return
	}
	if w.CurrentJobs <= 0 {
		r.logger.Warn("Release without matching reserve",
			zap.String("worker_id", id))
		return
	}
	w.CurrentJobs--
}

// MarkExecutionFailure feeds an execute-call failure into the same
// consecutive-failure counter the probe loop uses
func (r *Registry) MarkExecutionFailure(id string) {
	r.noteFailure(id)
}

// ProbeAll probes every registered worker concurrently and applies the
// results. Probe results for different workers may land in any order.
func (r *Registry) ProbeAll(ctx context.Context) {
	workers := r.List()
	if len(workers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *model.Worker) {
			defer wg.Done()
			report, err := r.prober.Probe(ctx, w)
			if err != nil {
				r.logger.Debug("Probe failed",
					zap.String("worker_id", w.ID),
					zap.Error(err))
				r.noteFailure(w.ID)
				return
			}
			r.noteSuccess(w.ID, report)
		}(w)
	}
	wg.Wait()
}

// noteSuccess applies a successful probe: the failure counter resets,
// the worker comes online, and the smoothed response time is updated.
func (r *Registry) noteSuccess(id string, report *transport.HealthReport) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	wasOffline := !w.Online
	w.Online = true
	w.ConsecutiveFailures = 0
	w.LastSeen = time.Now()
	w.LastProbeRTT = report.RTT
	if w.AvgResponseTime == 0 {
		w.AvgResponseTime = report.RTT
	} else {
		w.AvgResponseTime = time.Duration(float64(w.AvgResponseTime)*rttSmoothing +
			float64(report.RTT)*(1-rttSmoothing))
	}
	if report.Load != nil {
		stats := *report.Load
		w.Stats = &stats
	}
	if len(report.Capabilities) > 0 {
		w.Capabilities = append([]string(nil), report.Capabilities...)
	}
	r.mu.Unlock()

	if wasOffline {
		r.logger.Info("Worker online",
			zap.String("worker_id", id),
			zap.Duration("rtt", report.RTT))
		r.publish(event.Event{
			Type:     event.TypeWorkerOnline,
			WorkerID: id,
			Message:  "worker answered health probe",
		})
	}
}

// noteFailure increments the consecutive-failure counter and flips the
// worker offline when the threshold is reached. The offline event fires
// only on the transition edge.
func (r *Registry) noteFailure(id string) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	w.ConsecutiveFailures++
	flipped := false
	if w.Online && w.ConsecutiveFailures >= r.cfg.FailureThreshold {
		w.Online = false
		flipped = true
	}
	failures := w.ConsecutiveFailures
	r.mu.Unlock()

	if !flipped {
		return
	}

	r.logger.Warn("Worker offline",
		zap.String("worker_id", id),
		zap.Int("consecutive_failures", failures))
	r.publish(event.Event{
		Type:     event.TypeWorkerOffline,
		WorkerID: id,
		Message:  "consecutive failure threshold reached",
	})
	r.notifyDown(id, "worker offline")
}

func (r *Registry) notifyDown(id, reason string) {
	if r.downHandler != nil {
		r.downHandler(id, reason)
	}
}

func (r *Registry) publish(evt event.Event) {
	if r.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.bus.Publish(ctx, evt); err != nil {
		r.logger.Error("Failed to publish event",
			zap.String("type", string(evt.Type)),
			zap.Error(err))
	}
}

func (r *Registry) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.ProbeAll(ctx)
		}
	}
}
