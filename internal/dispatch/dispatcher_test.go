package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hivegrid/scheduler/internal/event"
	"github.com/hivegrid/scheduler/internal/model"
	"github.com/hivegrid/scheduler/internal/registry"
	"github.com/hivegrid/scheduler/internal/router"
	"github.com/hivegrid/scheduler/internal/transport"
)

// okProber answers every probe immediately
type okProber struct{}

func (okProber) Probe(ctx context.Context, w *model.Worker) (*transport.HealthReport, error) {
	return &transport.HealthReport{Status: "ok", RTT: 5 * time.Millisecond}, nil
}

// fakeRunner records execution order and returns scripted results
type fakeRunner struct {
	mu    sync.Mutex
	order []string
	fail  int // fail the first n calls
	block chan struct{}
}

func (r *fakeRunner) Execute(ctx context.Context, job *model.Job, worker *model.Worker) (*model.JobResult, error) {
	r.mu.Lock()
	r.order = append(r.order, job.ID)
	shouldFail := r.fail > 0
	if shouldFail {
		r.fail--
	}
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	if shouldFail {
		return nil, &transport.Error{Kind: transport.KindConnection, WorkerID: worker.ID, Err: errors.New("refused")}
	}
	return &model.JobResult{
		JobID:       job.ID,
		WorkerID:    worker.ID,
		Status:      model.JobStatusCompleted,
		Result:      []byte(`"ok"`),
		CompletedAt: time.Now(),
	}, nil
}

func (r *fakeRunner) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type testRig struct {
	dispatcher *Dispatcher
	registry   *registry.Registry
	remote     *fakeRunner
	local      *fakeRunner
	bus        *event.Recorder
}

func newRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus := event.NewRecorder()
	reg := registry.NewRegistry(okProber{}, bus, registry.Config{
		ProbeInterval:    time.Hour,
		FailureThreshold: 3,
	}, logger)

	remote := &fakeRunner{}
	local := &fakeRunner{}
	d := NewDispatcher(cfg, reg, router.NewRouter(logger), remote, local, bus, nil, logger)
	reg.SetDownHandler(d.RequeueWorkerJobs)

	return &testRig{dispatcher: d, registry: reg, remote: remote, local: local, bus: bus}
}

func (r *testRig) addWorker(t *testing.T, id string, maxJobs int) {
	t.Helper()
	require.NoError(t, r.registry.Register(model.WorkerSpec{ID: id, Address: "h:1", MaxJobs: maxJobs}))
	r.registry.ProbeAll(context.Background())
}

func submitJob(id string, p model.JobPriority) *model.Job {
	return &model.Job{
		ID:         id,
		Type:       "test",
		Priority:   p,
		Timeout:    5 * time.Second,
		MaxRetries: 0,
	}
}

func waitDone(t *testing.T, d *Dispatcher, jobID string) (*model.JobResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.WaitForJob(ctx, jobID)
}

func TestUrgentDispatchedBeforeLow(t *testing.T) {
	rig := newRig(t, Config{})
	rig.addWorker(t, "w1", 1)

	low := submitJob("low", model.JobPriorityLow)
	urgent := submitJob("urgent", model.JobPriorityUrgent)
	rig.dispatcher.Enqueue(low)
	rig.dispatcher.Enqueue(urgent)

	// One slot: the first pass dispatches only the urgent job
	rig.dispatcher.dispatchPending()
	_, err := waitDone(t, rig.dispatcher, "urgent")
	require.NoError(t, err)

	rig.dispatcher.dispatchPending()
	_, err = waitDone(t, rig.dispatcher, "low")
	require.NoError(t, err)

	assert.Equal(t, []string{"urgent", "low"}, rig.remote.executed())
}

func TestRetryExhaustionFailsTerminally(t *testing.T) {
	rig := newRig(t, Config{TickInterval: 10 * time.Millisecond})
	rig.addWorker(t, "w1", 1)
	rig.remote.fail = 100 // every attempt fails

	job := submitJob("doomed", model.JobPriorityNormal)
	job.MaxRetries = 2
	rig.dispatcher.Enqueue(job)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rig.dispatcher.Start(ctx))
	defer rig.dispatcher.Stop()

	res, err := waitDone(t, rig.dispatcher, "doomed")
	require.ErrorIs(t, err, ErrJobFailed)
	assert.Equal(t, model.JobStatusFailed, res.Status)

	// Exactly MaxRetries+1 attempts were made
	assert.Len(t, rig.remote.executed(), 3)
	assert.Len(t, rig.bus.ByType(event.TypeJobFailed), 1)

	// A second wait sees the cached terminal result, same error
	_, err = waitDone(t, rig.dispatcher, "doomed")
	assert.ErrorIs(t, err, ErrJobFailed)
}

func TestNormalJobPromotedOnceOnRetry(t *testing.T) {
	rig := newRig(t, Config{})
	rig.addWorker(t, "w1", 1)
	rig.remote.fail = 2

	job := submitJob("bumpy", model.JobPriorityNormal)
	job.MaxRetries = 3
	rig.dispatcher.Enqueue(job)

	rig.dispatcher.dispatchPending()
	require.Eventually(t, func() bool {
		return len(rig.remote.executed()) == 1 && rig.dispatcher.Stats().QueuedJobs == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.JobPriorityHigh, job.Priority)
	assert.True(t, job.Promoted)

	rig.dispatcher.dispatchPending()
	require.Eventually(t, func() bool {
		return len(rig.remote.executed()) == 2 && rig.dispatcher.Stats().QueuedJobs == 1
	}, 2*time.Second, 10*time.Millisecond)
	// Still high; the bump applies at most once
	assert.Equal(t, model.JobPriorityHigh, job.Priority)

	rig.dispatcher.dispatchPending()
	_, err := waitDone(t, rig.dispatcher, "bumpy")
	require.NoError(t, err)
}

func TestCapacityBound(t *testing.T) {
	rig := newRig(t, Config{})
	rig.addWorker(t, "w1", 2)
	rig.remote.block = make(chan struct{})

	for _, id := range []string{"a", "b", "c"} {
		rig.dispatcher.Enqueue(submitJob(id, model.JobPriorityNormal))
	}
	rig.dispatcher.dispatchPending()

	// Only two in flight, the third stays queued
	require.Eventually(t, func() bool {
		return len(rig.remote.executed()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rig.dispatcher.Stats().QueuedJobs)

	close(rig.remote.block)
	_, err := waitDone(t, rig.dispatcher, "a")
	require.NoError(t, err)
	_, err = waitDone(t, rig.dispatcher, "b")
	require.NoError(t, err)

	rig.remote.block = nil
	rig.dispatcher.dispatchPending()
	_, err = waitDone(t, rig.dispatcher, "c")
	require.NoError(t, err)
}

func TestLocalJobsBoundedByLocalMax(t *testing.T) {
	rig := newRig(t, Config{LocalMaxJobs: 1})
	rig.local.block = make(chan struct{})

	first := submitJob("first", model.JobPriorityNormal)
	first.RunLocal = true
	second := submitJob("second", model.JobPriorityNormal)
	second.RunLocal = true
	rig.dispatcher.Enqueue(first)
	rig.dispatcher.Enqueue(second)

	rig.dispatcher.dispatchPending()
	require.Eventually(t, func() bool {
		return len(rig.local.executed()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rig.dispatcher.LocalActive())
	assert.Equal(t, 1, rig.dispatcher.Stats().QueuedJobs)

	close(rig.local.block)
	_, err := waitDone(t, rig.dispatcher, "first")
	require.NoError(t, err)
	assert.Equal(t, 0, rig.dispatcher.LocalActive())

	rig.local.block = nil
	rig.dispatcher.dispatchPending()
	res, err := waitDone(t, rig.dispatcher, "second")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, res.Status)
	assert.Empty(t, rig.remote.executed())
}

func TestWorkerRemovalRequeuesInFlight(t *testing.T) {
	rig := newRig(t, Config{})
	rig.addWorker(t, "w1", 1)
	rig.remote.block = make(chan struct{})

	job := submitJob("orphan", model.JobPriorityNormal)
	job.MaxRetries = 2
	rig.dispatcher.Enqueue(job)
	rig.dispatcher.dispatchPending()

	require.Eventually(t, func() bool {
		return len(rig.remote.executed()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Removing the worker requeues the in-flight job
	require.NoError(t, rig.registry.Remove("w1"))
	assert.Equal(t, 1, rig.dispatcher.Stats().QueuedJobs)
	assert.Equal(t, 1, job.RetryCount)
	assert.Empty(t, job.AssignedWorker)

	// The stale attempt settles without touching the requeued job
	close(rig.remote.block)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, 1, rig.dispatcher.Stats().QueuedJobs)

	// A replacement worker picks it up
	rig.remote.block = nil
	rig.addWorker(t, "w2", 1)
	rig.dispatcher.dispatchPending()
	res, err := waitDone(t, rig.dispatcher, "orphan")
	require.NoError(t, err)
	assert.Equal(t, "w2", res.WorkerID)
}

func TestStatsConcurrentWithDispatchPass(t *testing.T) {
	rig := newRig(t, Config{LocalMaxJobs: 1})
	rig.local.block = make(chan struct{})
	defer close(rig.local.block)

	// Occupy the only local slot, then leave a second local job
	// pending so every dispatch pass scans it under the queue lock
	// while checking local capacity.
	blocker := submitJob("blocker", model.JobPriorityNormal)
	blocker.RunLocal = true
	rig.dispatcher.Enqueue(blocker)
	rig.dispatcher.dispatchPending()
	require.Eventually(t, func() bool {
		return rig.dispatcher.LocalActive() == 1
	}, 2*time.Second, 10*time.Millisecond)

	pending := submitJob("pending", model.JobPriorityNormal)
	pending.RunLocal = true
	rig.dispatcher.Enqueue(pending)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			rig.dispatcher.Stats()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			rig.dispatcher.dispatchPending()
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("stats and dispatch passes deadlocked against each other")
	}

	assert.Equal(t, 1, rig.dispatcher.Stats().QueuedJobs)
}

func TestQueuedJobExpiresAfterItsTimeout(t *testing.T) {
	rig := newRig(t, Config{})

	// No worker declares this type, so the job can never dispatch
	job := submitJob("stranded", model.JobPriorityNormal)
	job.Timeout = 20 * time.Millisecond
	rig.dispatcher.Enqueue(job)

	// Still within budget: the sweep leaves it queued
	rig.dispatcher.expireQueued()
	assert.Equal(t, 1, rig.dispatcher.Stats().QueuedJobs)

	time.Sleep(30 * time.Millisecond)
	rig.dispatcher.expireQueued()

	res, err := waitDone(t, rig.dispatcher, "stranded")
	require.ErrorIs(t, err, ErrJobFailed)
	assert.Equal(t, model.JobStatusFailed, res.Status)
	assert.Contains(t, res.Error, "timeout")
	assert.Equal(t, 0, rig.dispatcher.Stats().QueuedJobs)
	assert.Len(t, rig.bus.ByType(event.TypeJobFailed), 1)
}

func TestRequeueResetsQueueWaitBudget(t *testing.T) {
	rig := newRig(t, Config{})
	rig.addWorker(t, "w1", 1)
	rig.remote.fail = 1

	job := submitJob("retried", model.JobPriorityNormal)
	job.Timeout = time.Second
	job.MaxRetries = 1
	job.CreatedAt = time.Now().Add(-time.Minute)
	rig.dispatcher.Enqueue(job)

	rig.dispatcher.dispatchPending()
	require.Eventually(t, func() bool {
		return rig.dispatcher.Stats().QueuedJobs == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The wait clock restarted on requeue; age since creation is not
	// what expires a job.
	rig.dispatcher.expireQueued()
	assert.Equal(t, 1, rig.dispatcher.Stats().QueuedJobs)

	rig.dispatcher.dispatchPending()
	_, err := waitDone(t, rig.dispatcher, "retried")
	require.NoError(t, err)
}

func TestWaitForJobUnknown(t *testing.T) {
	rig := newRig(t, Config{})
	_, err := waitDone(t, rig.dispatcher, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestWaitForJobAbandonedWaiterDeregisters(t *testing.T) {
	rig := newRig(t, Config{})
	// No workers: the job can never dispatch
	rig.dispatcher.Enqueue(submitJob("stuck", model.JobPriorityNormal))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := rig.dispatcher.WaitForJob(ctx, "stuck")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rig.dispatcher.mu.Lock()
	defer rig.dispatcher.mu.Unlock()
	assert.Empty(t, rig.dispatcher.waiters)
}

func TestMultipleWaitersAllResolve(t *testing.T) {
	rig := newRig(t, Config{})
	rig.addWorker(t, "w1", 1)
	rig.dispatcher.Enqueue(submitJob("shared", model.JobPriorityNormal))

	var wg sync.WaitGroup
	results := make([]*model.JobResult, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := waitDone(t, rig.dispatcher, "shared")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	// Give the waiters a moment to register before dispatching
	time.Sleep(20 * time.Millisecond)
	rig.dispatcher.dispatchPending()
	wg.Wait()

	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, model.JobStatusCompleted, res.Status)
	}
}

func TestBackpressureEventFires(t *testing.T) {
	rig := newRig(t, Config{HighWater: 2, LocalMaxJobs: 1})
	rig.local.block = make(chan struct{})
	defer close(rig.local.block)

	// Saturate the only execution slot, then pile up the queue
	blocker := submitJob("blocker", model.JobPriorityNormal)
	blocker.RunLocal = true
	rig.dispatcher.Enqueue(blocker)
	rig.dispatcher.dispatchPending()

	require.Eventually(t, func() bool {
		return rig.dispatcher.LocalActive() == 1
	}, 2*time.Second, 10*time.Millisecond)

	for _, id := range []string{"q1", "q2"} {
		j := submitJob(id, model.JobPriorityNormal)
		j.RunLocal = true
		rig.dispatcher.Enqueue(j)
	}
	rig.dispatcher.dispatchPending()

	assert.Len(t, rig.bus.ByType(event.TypeQueueBacklog), 1)

	// The warning is rate limited
	rig.dispatcher.dispatchPending()
	assert.Len(t, rig.bus.ByType(event.TypeQueueBacklog), 1)
}

func TestPruneFinished(t *testing.T) {
	rig := newRig(t, Config{ResultRetention: time.Nanosecond})
	rig.addWorker(t, "w1", 1)
	rig.dispatcher.Enqueue(submitJob("gone", model.JobPriorityNormal))
	rig.dispatcher.dispatchPending()

	_, err := waitDone(t, rig.dispatcher, "gone")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	rig.dispatcher.pruneFinished()

	_, err = waitDone(t, rig.dispatcher, "gone")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
