package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const (
	pressureCPUPercent    = 80.0
	pressureMemoryPercent = 80.0
	pressureLoadFactor    = 0.8
)

// Snapshot is a point-in-time view of local host metrics
type Snapshot struct {
	LoadAvg1          float64   `json:"load_avg_1"`
	LoadAvg5          float64   `json:"load_avg_5"`
	LoadAvg15         float64   `json:"load_avg_15"`
	CPUBusyPercent    float64   `json:"cpu_busy_percent"`
	MemoryUsedPercent float64   `json:"memory_used_percent"`
	IOWaitPercent     float64   `json:"io_wait_percent"`
	RunnableProcs     int       `json:"runnable_procs"`
	CPUCores          int       `json:"cpu_cores"`
	SampledAt         time.Time `json:"sampled_at"`
}

// ResourceMonitor samples local host metrics on two cadences: a fine
// interval for CPU and run-queue depth, a coarse interval for memory and
// load averages. Reads never fail; when a platform source is unavailable
// the monitor falls back to Go runtime counters.
type ResourceMonitor struct {
	logger         *zap.Logger
	fineInterval   time.Duration
	coarseInterval time.Duration

	mu        sync.RWMutex
	snapshot  Snapshot
	prevTimes *cpu.TimesStat

	stop chan struct{}
	once sync.Once
}

// NewResourceMonitor creates a new resource monitor
func NewResourceMonitor(fineInterval, coarseInterval time.Duration, logger *zap.Logger) *ResourceMonitor {
	if fineInterval <= 0 {
		fineInterval = 5 * time.Second
	}
	if coarseInterval <= 0 {
		coarseInterval = 30 * time.Second
	}
	return &ResourceMonitor{
		logger:         logger.Named("resource-monitor"),
		fineInterval:   fineInterval,
		coarseInterval: coarseInterval,
		stop:           make(chan struct{}),
	}
}

// Start primes an initial sample and starts the sampling loops
func (m *ResourceMonitor) Start(ctx context.Context) error {
	m.logger.Info("Starting resource monitor",
		zap.Duration("fine_interval", m.fineInterval),
		zap.Duration("coarse_interval", m.coarseInterval))

	m.sampleFine()
	m.sampleCoarse()

	go m.sampleLoop(ctx)

	return nil
}

// Stop stops the sampling loops
func (m *ResourceMonitor) Stop() {
	m.once.Do(func() {
		m.logger.Info("Stopping resource monitor")
		close(m.stop)
	})
}

// CurrentSnapshot returns the most recent sample
func (m *ResourceMonitor) CurrentSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// IsUnderPressure reports whether the local node is resource constrained:
// load average at or above 0.8x core count, CPU at or above 80%, or
// memory at or above 80%.
func (m *ResourceMonitor) IsUnderPressure() bool {
	s := m.CurrentSnapshot()
	cores := s.CPUCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	if s.LoadAvg1 >= pressureLoadFactor*float64(cores) {
		return true
	}
	if s.CPUBusyPercent >= pressureCPUPercent {
		return true
	}
	return s.MemoryUsedPercent >= pressureMemoryPercent
}

// LoadScore derives a 0-100 score blending run-queue depth, CPU busy
// time, and I/O wait. Higher means more loaded.
func (m *ResourceMonitor) LoadScore() int {
	s := m.CurrentSnapshot()
	cores := s.CPUCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}

	// Run queue saturates the score once it reaches twice the core count
	runnable := float64(s.RunnableProcs) * 100.0 / float64(2*cores)
	if runnable > 100 {
		runnable = 100
	}

	score := 0.5*s.CPUBusyPercent + 0.3*runnable + 0.2*s.IOWaitPercent
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return int(score)
}

func (m *ResourceMonitor) sampleLoop(ctx context.Context) {
	fine := time.NewTicker(m.fineInterval)
	coarse := time.NewTicker(m.coarseInterval)
	defer fine.Stop()
	defer coarse.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-fine.C:
			m.sampleFine()
		case <-coarse.C:
			m.sampleCoarse()
		}
	}
}

// sampleFine refreshes CPU busy time, I/O wait, and run-queue depth
func (m *ResourceMonitor) sampleFine() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshot.CPUCores = runtime.NumCPU()
	m.snapshot.SampledAt = time.Now()

	cpuPercent, err := cpu.Percent(0, false)
	if err != nil || len(cpuPercent) == 0 {
		m.logger.Debug("CPU sample unavailable, using load approximation", zap.Error(err))
		m.snapshot.CPUBusyPercent = m.approximateCPULocked()
	} else {
		m.snapshot.CPUBusyPercent = cpuPercent[0]
	}

	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		m.snapshot.IOWaitPercent = 0
	} else {
		m.snapshot.IOWaitPercent = m.ioWaitDeltaLocked(&times[0])
	}

	misc, err := load.Misc()
	if err != nil {
		// No run-queue source on this platform; approximate with the
		// runnable goroutine count, capped at core count.
		procs := runtime.NumGoroutine()
		if procs > m.snapshot.CPUCores {
			procs = m.snapshot.CPUCores
		}
		m.snapshot.RunnableProcs = procs
	} else {
		m.snapshot.RunnableProcs = misc.ProcsRunning
	}
}

// sampleCoarse refreshes memory usage and load averages
func (m *ResourceMonitor) sampleCoarse() {
	m.mu.Lock()
	defer m.mu.Unlock()

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		m.logger.Debug("Memory sample unavailable, using runtime counters", zap.Error(err))
		m.snapshot.MemoryUsedPercent = runtimeMemoryPercent()
	} else {
		m.snapshot.MemoryUsedPercent = memInfo.UsedPercent
	}

	avg, err := load.Avg()
	if err != nil {
		m.logger.Debug("Load average unavailable", zap.Error(err))
	} else {
		m.snapshot.LoadAvg1 = avg.Load1
		m.snapshot.LoadAvg5 = avg.Load5
		m.snapshot.LoadAvg15 = avg.Load15
	}

	m.snapshot.SampledAt = time.Now()
}

// ioWaitDeltaLocked computes the iowait share of CPU time since the
// previous sample
func (m *ResourceMonitor) ioWaitDeltaLocked(cur *cpu.TimesStat) float64 {
	prev := m.prevTimes
	m.prevTimes = cur
	if prev == nil {
		return 0
	}

	totalDelta := (cur.User + cur.System + cur.Idle + cur.Iowait + cur.Nice + cur.Irq + cur.Softirq + cur.Steal) -
		(prev.User + prev.System + prev.Idle + prev.Iowait + prev.Nice + prev.Irq + prev.Softirq + prev.Steal)
	if totalDelta <= 0 {
		return 0
	}

	waitDelta := cur.Iowait - prev.Iowait
	if waitDelta < 0 {
		return 0
	}
	return waitDelta / totalDelta * 100.0
}

// approximateCPULocked estimates CPU busy time from the load average
// when the platform counter is unavailable
func (m *ResourceMonitor) approximateCPULocked() float64 {
	cores := m.snapshot.CPUCores
	if cores <= 0 {
		cores = 1
	}
	pct := m.snapshot.LoadAvg1 / float64(cores) * 100.0
	if pct > 100 {
		return 100
	}
	return pct
}

// runtimeMemoryPercent approximates memory pressure from the Go heap
// when the platform counter is unavailable
func runtimeMemoryPercent() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys == 0 {
		return 0
	}
	return float64(ms.HeapAlloc) / float64(ms.Sys) * 100.0
}
