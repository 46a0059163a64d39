package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hivegrid/scheduler/internal/event"
	"github.com/hivegrid/scheduler/internal/model"
	"github.com/hivegrid/scheduler/internal/registry"
	"github.com/hivegrid/scheduler/internal/router"
	"github.com/hivegrid/scheduler/internal/storage"
	"github.com/hivegrid/scheduler/internal/transport"
)

const (
	defaultTickInterval    = 2 * time.Second
	defaultHighWater       = 10
	defaultLocalMaxJobs    = 1
	defaultResultRetention = 10 * time.Minute
	defaultWaitGrace       = 30 * time.Second

	backpressureWarnInterval = 30 * time.Second
	janitorInterval          = time.Minute
)

// Runner executes one job against one worker. The HTTP transport and
// the local runner both implement it.
type Runner interface {
	Execute(ctx context.Context, job *model.Job, worker *model.Worker) (*model.JobResult, error)
}

// Config holds dispatch engine tunables
type Config struct {
	TickInterval    time.Duration
	HighWater       int
	LocalMaxJobs    int
	ResultRetention time.Duration
	WaitGrace       time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.HighWater <= 0 {
		c.HighWater = defaultHighWater
	}
	if c.LocalMaxJobs <= 0 {
		c.LocalMaxJobs = defaultLocalMaxJobs
	}
	if c.ResultRetention <= 0 {
		c.ResultRetention = defaultResultRetention
	}
	if c.WaitGrace <= 0 {
		c.WaitGrace = defaultWaitGrace
	}
}

// Stats summarizes the engine's current state
type Stats struct {
	TotalWorkers         int                `json:"total_workers"`
	HealthyWorkers       int                `json:"healthy_workers"`
	QueuedJobs           int                `json:"queued_jobs"`
	ActiveJobs           int                `json:"active_jobs"`
	LocalActive          int                `json:"local_active"`
	PerWorkerUtilization map[string]float64 `json:"per_worker_utilization"`
}

// Dispatcher owns the job lifecycle: the pending queue, the in-flight
// map, retries, and completion notification. It is the only component
// that transitions job state or moves worker capacity counters (through
// the registry's Reserve and Release).
type Dispatcher struct {
	logger   *zap.Logger
	cfg      Config
	queue    *Queue
	registry *registry.Registry
	router   *router.Router
	remote   Runner
	local    Runner
	bus      event.Bus
	history  storage.JobHistoryStore // optional

	mu sync.Mutex
	// jobs holds every non-terminal job, queued or in flight
	jobs map[string]*model.Job
	// finished holds terminal results until the janitor prunes them
	finished    map[string]*finishedEntry
	waiters     map[string][]chan *model.JobResult
	localActive int

	lastBackpressure time.Time

	stop chan struct{}
	once sync.Once
}

type finishedEntry struct {
	result *model.JobResult
	at     time.Time
}

// NewDispatcher creates a new dispatch engine
func NewDispatcher(cfg Config, reg *registry.Registry, rt *router.Router, remote, local Runner, bus event.Bus, history storage.JobHistoryStore, logger *zap.Logger) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		logger:   logger.Named("dispatcher"),
		cfg:      cfg,
		queue:    NewQueue(),
		registry: reg,
		router:   rt,
		remote:   remote,
		local:    local,
		bus:      bus,
		history:  history,
		jobs:     make(map[string]*model.Job),
		finished: make(map[string]*finishedEntry),
		waiters:  make(map[string][]chan *model.JobResult),
		stop:     make(chan struct{}),
	}
}

// Start starts the dispatch tick and the result janitor
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("Starting dispatcher",
		zap.Duration("tick_interval", d.cfg.TickInterval),
		zap.Int("high_water", d.cfg.HighWater),
		zap.Int("local_max_jobs", d.cfg.LocalMaxJobs))

	go d.dispatchLoop(ctx)
	go d.janitorLoop(ctx)

	return nil
}

// Stop stops the loops
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		d.logger.Info("Stopping dispatcher")
		close(d.stop)
	})
}

// LocalActive returns the number of jobs currently executing on the
// local node. The admission policy reads this against its threshold.
func (d *Dispatcher) LocalActive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localActive
}

// Enqueue accepts a validated job into the pending queue. It returns
// immediately; execution happens on a later tick.
func (d *Dispatcher) Enqueue(job *model.Job) {
	job.Status = model.JobStatusQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.EnqueuedAt = time.Now()

	d.mu.Lock()
	d.jobs[job.ID] = job
	d.mu.Unlock()
	d.queue.Push(job)

	d.logger.Info("Job queued",
		zap.String("job_id", job.ID),
		zap.String("task_type", job.Type),
		zap.String("priority", job.Priority.String()),
		zap.Bool("run_local", job.RunLocal),
		zap.Int("queue_length", d.queue.Len()))
}

// WaitForJob blocks until the job reaches a terminal state or the
// context ends. If the context carries no deadline, a bound derived
// from the job's own budget plus a grace period is applied so the call
// can never hang forever. An abandoned wait deregisters its listener.
func (d *Dispatcher) WaitForJob(ctx context.Context, jobID string) (*model.JobResult, error) {
	d.mu.Lock()
	if entry, ok := d.finished[jobID]; ok {
		d.mu.Unlock()
		return d.resultOrError(entry.result)
	}
	job, ok := d.jobs[jobID]
	if !ok {
		d.mu.Unlock()
		return nil, ErrJobNotFound
	}

	ch := make(chan *model.JobResult, 1)
	d.waiters[jobID] = append(d.waiters[jobID], ch)
	d.mu.Unlock()

	if _, has := ctx.Deadline(); !has {
		bound := job.Timeout*time.Duration(job.MaxRetries+1) + d.cfg.WaitGrace
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bound)
		defer cancel()
	}

	select {
	case res := <-ch:
		return d.resultOrError(res)
	case <-ctx.Done():
		d.removeWaiter(jobID, ch)
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) resultOrError(res *model.JobResult) (*model.JobResult, error) {
	if res.Status == model.JobStatusFailed {
		return res, fmt.Errorf("%w: %s", ErrJobFailed, res.Error)
	}
	return res, nil
}

func (d *Dispatcher) removeWaiter(jobID string, ch chan *model.JobResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ws := d.waiters[jobID]
	for i, c := range ws {
		if c == ch {
			d.waiters[jobID] = append(ws[:i:i], ws[i+1:]...)
			break
		}
	}
	if len(d.waiters[jobID]) == 0 {
		delete(d.waiters, jobID)
	}
}

// Stats returns a snapshot of engine and worker state. The queue length
// is read before d.mu is taken: the dispatch pass holds the queue lock
// while checking local capacity under d.mu, so holding d.mu across a
// queue read would invert that order.
func (d *Dispatcher) Stats() Stats {
	total, healthy := d.registry.Counts()
	queued := d.queue.Len()

	d.mu.Lock()
	active := len(d.jobs) - queued
	if active < 0 {
		active = 0
	}
	localActive := d.localActive
	d.mu.Unlock()

	return Stats{
		TotalWorkers:         total,
		HealthyWorkers:       healthy,
		QueuedJobs:           queued,
		ActiveJobs:           active,
		LocalActive:          localActive,
		PerWorkerUtilization: d.registry.Utilization(),
	}
}

// RequeueWorkerJobs pulls every in-flight job assigned to a worker back
// into the queue (or fails it terminally when retries are exhausted).
// Called by the registry's down handler on worker removal or offline
// transition; in-flight calls to the dead worker are detached from, not
// awaited.
func (d *Dispatcher) RequeueWorkerJobs(workerID, reason string) {
	d.mu.Lock()
	var orphaned []*model.Job
	for _, job := range d.jobs {
		if job.AssignedWorker != workerID {
			continue
		}
		if job.Status == model.JobStatusAssigned || job.Status == model.JobStatusExecuting {
			job.Status = model.JobStatusRetrying
			orphaned = append(orphaned, job)
		}
	}
	d.mu.Unlock()

	if len(orphaned) == 0 {
		return
	}

	d.logger.Warn("Requeueing jobs from lost worker",
		zap.String("worker_id", workerID),
		zap.String("reason", reason),
		zap.Int("count", len(orphaned)))

	for _, job := range orphaned {
		d.registry.Release(workerID)
		d.retryOrFail(job, workerID, fmt.Errorf("%s", reason))
	}
}

func (d *Dispatcher) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.expireQueued()
			d.dispatchPending()
		}
	}
}

// expireQueued terminally fails jobs that have waited in the queue
// longer than their own timeout. A job whose type no worker can serve
// stays queued until a suitable worker appears; without this sweep it
// would wait forever and its waiters would never resolve.
func (d *Dispatcher) expireQueued() {
	now := time.Now()

	d.mu.Lock()
	var expired []*model.Job
	for _, job := range d.jobs {
		if job.Status != model.JobStatusQueued || job.Timeout <= 0 {
			continue
		}
		if now.Sub(job.EnqueuedAt) > job.Timeout {
			expired = append(expired, job)
		}
	}
	d.mu.Unlock()

	for _, job := range expired {
		if !d.queue.Remove(job.ID) {
			continue
		}

		msg := fmt.Sprintf("no eligible worker within the %s timeout", job.Timeout)
		d.logger.Warn("Expiring queued job",
			zap.String("job_id", job.ID),
			zap.String("task_type", job.Type),
			zap.Duration("timeout", job.Timeout),
			zap.Int("retry_count", job.RetryCount))

		d.finish(job, &model.JobResult{
			JobID:       job.ID,
			Status:      model.JobStatusFailed,
			Error:       msg,
			CompletedAt: time.Now(),
		}, model.JobStatusFailed)
		d.publish(event.Event{
			Type:    event.TypeJobFailed,
			JobID:   job.ID,
			Message: msg,
		})
	}
}

// dispatchPending drains as much of the queue as current capacity
// allows. It never blocks on job completion; executions run in their
// own goroutines.
func (d *Dispatcher) dispatchPending() {
	for {
		job := d.queue.PopMatch(func(j *model.Job) bool {
			if j.RunLocal {
				return d.localFree()
			}
			return len(d.registry.HealthyCandidates(j.Type)) > 0
		})
		if job == nil {
			break
		}

		if job.RunLocal {
			d.launchLocal(job)
			continue
		}
		if !d.launchRemote(job) {
			// Lost the capacity race since PopMatch; try again next tick
			d.queue.PushFront(job)
			break
		}
	}

	d.checkBackpressure()
}

func (d *Dispatcher) localFree() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localActive < d.cfg.LocalMaxJobs
}

func (d *Dispatcher) launchLocal(job *model.Job) {
	localWorker := &model.Worker{ID: model.LocalWorkerID, MaxJobs: d.cfg.LocalMaxJobs}

	d.mu.Lock()
	d.localActive++
	d.markExecutingLocked(job, model.LocalWorkerID)
	d.mu.Unlock()

	d.logger.Info("Job dispatched locally", zap.String("job_id", job.ID))
	go d.execute(job, localWorker)
}

func (d *Dispatcher) launchRemote(job *model.Job) bool {
	candidates := d.registry.HealthyCandidates(job.Type)
	profile := model.ProfileForType(job.Type)

	decision, err := d.router.Route(job, profile, candidates)
	if err != nil {
		return false
	}

	workerID := decision.WorkerID
	if err := d.registry.Reserve(workerID); err != nil {
		if decision.FallbackWorkerID == "" {
			return false
		}
		workerID = decision.FallbackWorkerID
		if err := d.registry.Reserve(workerID); err != nil {
			return false
		}
	}

	worker, ok := d.registry.Get(workerID)
	if !ok {
		// Removed between reserve and snapshot; the removal path
		// already reclaimed the slot with the worker itself.
		return false
	}

	d.mu.Lock()
	d.markExecutingLocked(job, workerID)
	d.mu.Unlock()

	d.logger.Info("Job dispatched",
		zap.String("job_id", job.ID),
		zap.String("worker_id", workerID),
		zap.Float64("confidence", decision.Confidence),
		zap.Duration("estimated_latency", decision.EstimatedLatency),
		zap.Strings("reasons", decision.Reasons))

	go d.execute(job, worker)
	return true
}

func (d *Dispatcher) markExecutingLocked(job *model.Job, workerID string) {
	job.Status = model.JobStatusAssigned
	job.AssignedWorker = workerID
	now := time.Now()
	job.StartedAt = &now
	job.Status = model.JobStatusExecuting
}

// execute runs one attempt to completion. Stale attempts (the job was
// already requeued because its worker was lost) are dropped without
// touching counters.
func (d *Dispatcher) execute(job *model.Job, worker *model.Worker) {
	runner := d.remote
	if job.RunLocal {
		runner = d.local
	}

	attempt := d.recordAttempt(job, worker.ID)

	ctx, cancel := context.WithTimeout(context.Background(), job.Timeout)
	defer cancel()

	res, err := runner.Execute(ctx, job, worker)

	if !d.claimSettle(job, worker.ID) {
		d.logger.Debug("Dropping stale attempt result",
			zap.String("job_id", job.ID),
			zap.String("worker_id", worker.ID))
		return
	}

	d.releaseSlot(job, worker.ID)

	if err != nil {
		if !job.RunLocal {
			d.registry.MarkExecutionFailure(worker.ID)
		}
		d.finishAttempt(attempt, model.JobStatusFailed, nil, err.Error())
		d.logger.Warn("Job attempt failed",
			zap.String("job_id", job.ID),
			zap.String("worker_id", worker.ID),
			zap.String("failure_kind", string(transport.KindOf(err))),
			zap.Int("retry_count", job.RetryCount),
			zap.Error(err))
		d.retryOrFail(job, worker.ID, err)
		return
	}

	d.finishAttempt(attempt, model.JobStatusCompleted, res, "")
	d.complete(job, res)
}

// claimSettle atomically verifies this attempt still owns the job and
// takes it out of the executing state. Exactly one settle wins per
// attempt; the requeue path claims through the job status instead.
func (d *Dispatcher) claimSettle(job *model.Job, workerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.jobs[job.ID]
	if !ok || cur != job {
		return false
	}
	if cur.Status != model.JobStatusExecuting || cur.AssignedWorker != workerID {
		return false
	}
	cur.Status = model.JobStatusRetrying // out of executing; settled next
	return true
}

func (d *Dispatcher) releaseSlot(job *model.Job, workerID string) {
	if job.RunLocal {
		d.mu.Lock()
		if d.localActive > 0 {
			d.localActive--
		}
		d.mu.Unlock()
		return
	}
	d.registry.Release(workerID)
}

// retryOrFail requeues a failed job with an incremented retry count, or
// marks it terminally failed once the budget is spent. A normal-priority
// job is promoted to high for its next attempt, but only once per job.
func (d *Dispatcher) retryOrFail(job *model.Job, workerID string, cause error) {
	if job.RetryCount < job.MaxRetries {
		d.mu.Lock()
		job.RetryCount++
		job.AssignedWorker = ""
		job.StartedAt = nil
		if job.Priority == model.JobPriorityNormal && !job.Promoted {
			job.Priority = model.JobPriorityHigh
			job.Promoted = true
		}
		job.Status = model.JobStatusQueued
		job.EnqueuedAt = time.Now()
		d.mu.Unlock()

		d.queue.PushFront(job)
		d.logger.Info("Job requeued for retry",
			zap.String("job_id", job.ID),
			zap.String("worker_id", workerID),
			zap.Int("retry_count", job.RetryCount),
			zap.Int("max_retries", job.MaxRetries),
			zap.String("priority", job.Priority.String()))
		return
	}

	now := time.Now()
	res := &model.JobResult{
		JobID:       job.ID,
		WorkerID:    workerID,
		Status:      model.JobStatusFailed,
		Error:       cause.Error(),
		CompletedAt: now,
	}

	d.logger.Error("Job failed permanently",
		zap.String("job_id", job.ID),
		zap.String("worker_id", workerID),
		zap.Int("retry_count", job.RetryCount),
		zap.Error(cause))

	d.finish(job, res, model.JobStatusFailed)
	d.publish(event.Event{
		Type:    event.TypeJobFailed,
		JobID:   job.ID,
		Message: cause.Error(),
	})
}

func (d *Dispatcher) complete(job *model.Job, res *model.JobResult) {
	d.logger.Info("Job completed",
		zap.String("job_id", job.ID),
		zap.String("worker_id", res.WorkerID),
		zap.Duration("duration", res.Duration))

	d.finish(job, res, model.JobStatusCompleted)
	d.publish(event.Event{
		Type:     event.TypeJobCompleted,
		JobID:    job.ID,
		WorkerID: res.WorkerID,
		Message:  "job completed",
	})
}

// finish transitions a job into a terminal state exactly once and
// resolves every waiter
func (d *Dispatcher) finish(job *model.Job, res *model.JobResult, status model.JobStatus) {
	d.mu.Lock()
	job.Status = status
	now := time.Now()
	job.CompletedAt = &now
	delete(d.jobs, job.ID)
	d.finished[job.ID] = &finishedEntry{result: res, at: now}
	ws := d.waiters[job.ID]
	delete(d.waiters, job.ID)
	d.mu.Unlock()

	for _, ch := range ws {
		ch <- res // buffered, single writer
	}
}

func (d *Dispatcher) checkBackpressure() {
	queued := d.queue.Len()
	if queued < d.cfg.HighWater {
		return
	}
	if d.registry.SpareCapacity() > 0 || d.localFree() {
		return
	}

	d.mu.Lock()
	if time.Since(d.lastBackpressure) < backpressureWarnInterval {
		d.mu.Unlock()
		return
	}
	d.lastBackpressure = time.Now()
	d.mu.Unlock()

	d.logger.Warn("Queue backing up",
		zap.Int("queued_jobs", queued),
		zap.Int("high_water", d.cfg.HighWater))
	d.publish(event.Event{
		Type:    event.TypeQueueBacklog,
		Message: fmt.Sprintf("%d jobs queued with no spare capacity", queued),
	})
}

func (d *Dispatcher) recordAttempt(job *model.Job, workerID string) *storage.JobAttempt {
	if d.history == nil {
		return nil
	}
	attempt := &storage.JobAttempt{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		Type:       job.Type,
		WorkerID:   workerID,
		Status:     model.JobStatusExecuting,
		Payload:    job.Payload,
		RetryCount: job.RetryCount,
		StartedAt:  time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.history.Record(ctx, attempt); err != nil {
		d.logger.Error("Failed to record job attempt", zap.Error(err))
	}
	return attempt
}

func (d *Dispatcher) finishAttempt(attempt *storage.JobAttempt, status model.JobStatus, res *model.JobResult, errMsg string) {
	if d.history == nil || attempt == nil {
		return
	}
	now := time.Now()
	attempt.Status = status
	attempt.CompletedAt = &now
	attempt.Duration = now.Sub(attempt.StartedAt)
	attempt.Error = errMsg
	if res != nil {
		attempt.Result = res.Result
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.history.Finish(ctx, attempt); err != nil {
		d.logger.Error("Failed to update job attempt", zap.Error(err))
	}
}

func (d *Dispatcher) publish(evt event.Event) {
	if d.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.bus.Publish(ctx, evt); err != nil {
		d.logger.Error("Failed to publish event",
			zap.String("type", string(evt.Type)),
			zap.Error(err))
	}
}

func (d *Dispatcher) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.pruneFinished()
		}
	}
}

func (d *Dispatcher) pruneFinished() {
	cutoff := time.Now().Add(-d.cfg.ResultRetention)

	d.mu.Lock()
	defer d.mu.Unlock()
	for id, entry := range d.finished {
		if entry.at.Before(cutoff) {
			delete(d.finished, id)
		}
	}
}
