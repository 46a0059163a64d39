package registry

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
	"github.com/hivegrid/scheduler/internal/transport"
)

// fakeProber returns canned results per worker id
type fakeProber struct {
	mu      sync.Mutex
	fail    map[string]bool
	rtt     map[string]time.Duration
	reports map[string]*transport.HealthReport
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		fail:    make(map[string]bool),
		rtt:     make(map[string]time.Duration),
		reports: make(map[string]*transport.HealthReport),
	}
}

func (p *fakeProber) setFail(id string, fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[id] = fail
}

func (p *fakeProber) setRTT(id string, rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtt[id] = rtt
}

func (p *fakeProber) Probe(ctx context.Context, w *model.Worker) (*transport.HealthReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[w.ID] {
		return nil, errors.New("probe refused")
	}
	if report, ok := p.reports[w.ID]; ok {
		return report, nil
	}
	rtt := p.rtt[w.ID]
	if rtt == 0 {
		rtt = 10 * time.Millisecond
	}
	return &transport.HealthReport{Status: "ok", RTT: rtt}, nil
}

func newTestRegistry(t *testing.T, prober Prober, bus event.Bus) *Registry {
	t.Helper()
	return NewRegistry(prober, bus, Config{
		ProbeInterval:    time.Hour, // probes are driven manually
		FailureThreshold: 3,
	}, zaptest.NewLogger(t))
}

func TestRegisterDefaultsAndValidation(t *testing.T) {
	r := newTestRegistry(t, newFakeProber(), nil)

	assert.ErrorIs(t, r.Register(model.WorkerSpec{ID: "w1"}), ErrInvalidWorkerSpec)
	assert.ErrorIs(t, r.Register(model.WorkerSpec{Address: "h:1"}), ErrInvalidWorkerSpec)

	require.NoError(t, r.Register(model.WorkerSpec{ID: "w1", Address: "h:1"}))
	w, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, 1, w.MaxJobs)
	assert.Equal(t, []string{model.CapabilityGeneral}, w.Capabilities)
	assert.False(t, w.Online, "a fresh worker is offline until its first probe")
}

func TestRegisterIdempotent(t *testing.T) {
	prober := newFakeProber()
	r := newTestRegistry(t, prober, nil)

	require.NoError(t, r.Register(model.WorkerSpec{ID: "w1", Address: "h:1", MaxJobs: 2}))
	r.ProbeAll(context.Background())

	require.NoError(t, r.Reserve("w1"))

	// Re-registering updates declared fields but keeps health and capacity
	require.NoError(t, r.Register(model.WorkerSpec{
		ID: "w1", Address: "h:2", MaxJobs: 4, Capabilities: []string{"gpu"},
	}))

	w, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, "h:2", w.Address)
	assert.Equal(t, 4, w.MaxJobs)
	assert.Equal(t, []string{"gpu"}, w.Capabilities)
	assert.True(t, w.Online)
	assert.Equal(t, 1, w.CurrentJobs)
	assert.Equal(t, 1, r.Count())
}

func TestOfflineAtThresholdEdgeOnly(t *testing.T) {
	prober := newFakeProber()
	bus := event.NewRecorder()
	r := newTestRegistry(t, prober, bus)

	var downCalls []string
	r.SetDownHandler(func(id, reason string) { downCalls = append(downCalls, id) })

	require.NoError(t, r.Register(model.WorkerSpec{ID: "w1", Address: "h:1"}))

	ctx := context.Background()
	r.ProbeAll(ctx)
	require.Len(t, bus.ByType(event.TypeWorkerOnline), 1)

	prober.setFail("w1", true)

	// Two failures: still online, no event
	r.ProbeAll(ctx)
	r.ProbeAll(ctx)
	w, _ := r.Get("w1")
	assert.True(t, w.Online)
	assert.Equal(t, 2, w.ConsecutiveFailures)
	assert.Empty(t, bus.ByType(event.TypeWorkerOffline))

	// Third failure flips the worker offline, exactly one event
	r.ProbeAll(ctx)
	w, _ = r.Get("w1")
	assert.False(t, w.Online)
	assert.Len(t, bus.ByType(event.TypeWorkerOffline), 1)
	assert.Equal(t, []string{"w1"}, downCalls)

	// Further failures stay silent
	r.ProbeAll(ctx)
	assert.Len(t, bus.ByType(event.TypeWorkerOffline), 1)
	assert.Len(t, downCalls, 1)

	// The next successful probe brings it back with a fresh counter
	prober.setFail("w1", false)
	r.ProbeAll(ctx)
	w, _ = r.Get("w1")
	assert.True(t, w.Online)
	assert.Equal(t, 0, w.ConsecutiveFailures)
	assert.Len(t, bus.ByType(event.TypeWorkerOnline), 2)
}

func TestResponseTimeSmoothing(t *testing.T) {
	prober := newFakeProber()
	r := newTestRegistry(t, prober, nil)
	require.NoError(t, r.Register(model.WorkerSpec{ID: "w1", Address: "h:1"}))

	ctx := context.Background()

	prober.setRTT("w1", 100*time.Millisecond)
	r.ProbeAll(ctx)
	w, _ := r.Get("w1")
	assert.Equal(t, 100*time.Millisecond, w.AvgResponseTime)

	prober.setRTT("w1", 200*time.Millisecond)
	r.ProbeAll(ctx)
	w, _ = r.Get("w1")
	// 100ms*0.8 + 200ms*0.2 = 120ms
	assert.Equal(t, 120*time.Millisecond, w.AvgResponseTime)
}

func TestProbeAdoptsReportedCapabilitiesAndLoad(t *testing.T) {
	prober := newFakeProber()
	r := newTestRegistry(t, prober, nil)
	require.NoError(t, r.Register(model.WorkerSpec{ID: "w1", Address: "h:1"}))

	prober.reports["w1"] = &transport.HealthReport{
		Status:       "ok",
		Capabilities: []string{"llm_completion", "embedding_batch"},
		Load:         &model.WorkerStats{CPUPercent: 42},
		RTT:          5 * time.Millisecond,
	}
	r.ProbeAll(context.Background())

	w, _ := r.Get("w1")
	assert.Equal(t, []string{"llm_completion", "embedding_batch"}, w.Capabilities)
	require.NotNil(t, w.Stats)
	assert.Equal(t, 42.0, w.Stats.CPUPercent)
}

func TestReserveReleaseBounds(t *testing.T) {
	prober := newFakeProber()
	r := newTestRegistry(t, prober, nil)
	require.NoError(t, r.Register(model.WorkerSpec{ID: "w1", Address: "h:1", MaxJobs: 2}))

	assert.ErrorIs(t, r.Reserve("missing"), ErrWorkerNotFound)
	assert.ErrorIs(t, r.Reserve("w1"), ErrWorkerOffline)

	r.ProbeAll(context.Background())

	require.NoError(t, r.Reserve("w1"))
	require.NoError(t, r.Reserve("w1"))
	assert.ErrorIs(t, r.Reserve("w1"), ErrWorkerSaturated)

	r.Release("w1")
	r.Release("w1")
	// Unmatched releases never push the counter negative
	r.Release("w1")
	w, _ := r.Get("w1")
	assert.Equal(t, 0, w.CurrentJobs)
}

func TestHealthyCandidatesFilters(t *testing.T) {
	prober := newFakeProber()
	r := newTestRegistry(t, prober, nil)

	require.NoError(t, r.Register(model.WorkerSpec{ID: "online", Address: "h:1", Capabilities: []string{"encode"}}))
	require.NoError(t, r.Register(model.WorkerSpec{ID: "offline", Address: "h:2", Capabilities: []string{"encode"}}))
	require.NoError(t, r.Register(model.WorkerSpec{ID: "wrong-cap", Address: "h:3", Capabilities: []string{"decode"}}))
	require.NoError(t, r.Register(model.WorkerSpec{ID: "full", Address: "h:4", Capabilities: []string{"encode"}, MaxJobs: 1}))

	prober.setFail("offline", true)
	r.ProbeAll(context.Background())
	require.NoError(t, r.Reserve("full"))

	got := r.HealthyCandidates("encode")
	require.Len(t, got, 1)
	assert.Equal(t, "online", got[0].ID)

	// Capability knowledge ignores health
	assert.True(t, r.HasCapability("decode"))
	assert.False(t, r.HasCapability("transcribe"))
}

func TestRemoveNotifiesDownHandler(t *testing.T) {
	prober := newFakeProber()
	bus := event.NewRecorder()
	r := newTestRegistry(t, prober, bus)

	var gotID, gotReason string
	r.SetDownHandler(func(id, reason string) { gotID, gotReason = id, reason })

	require.NoError(t, r.Register(model.WorkerSpec{ID: "w1", Address: "h:1"}))
	require.NoError(t, r.Remove("w1"))
	assert.ErrorIs(t, r.Remove("w1"), ErrWorkerNotFound)

	assert.Equal(t, "w1", gotID)
	assert.Equal(t, "worker removed", gotReason)
	assert.Len(t, bus.ByType(event.TypeWorkerRemoved), 1)
	assert.Equal(t, 0, r.Count())
}

func TestMarkExecutionFailureFeedsCounter(t *testing.T) {
	prober := newFakeProber()
	r := newTestRegistry(t, prober, nil)
	require.NoError(t, r.Register(model.WorkerSpec{ID: "w1", Address: "h:1"}))
	r.ProbeAll(context.Background())

	r.MarkExecutionFailure("w1")
	r.MarkExecutionFailure("w1")
	w, _ := r.Get("w1")
	assert.True(t, w.Online)

	r.MarkExecutionFailure("w1")
	w, _ = r.Get("w1")
	assert.False(t, w.Online)
}

func TestCountsAndSpareCapacity(t *testing.T) {
	prober := newFakeProber()
	r := newTestRegistry(t, prober, nil)

	require.NoError(t, r.Register(model.WorkerSpec{ID: "a", Address: "h:1", MaxJobs: 3}))
	require.NoError(t, r.Register(model.WorkerSpec{ID: "b", Address: "h:2", MaxJobs: 2}))
	prober.setFail("b", true)
	r.ProbeAll(context.Background())

	total, healthy := r.Counts()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, healthy)

	require.NoError(t, r.Reserve("a"))
	assert.Equal(t, 2, r.SpareCapacity())

	util := r.Utilization()
	assert.InDelta(t, 1.0/3.0, util["a"], 1e-9)
	assert.Equal(t, 0.0, util["b"])
}
