package admission

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hivegrid/scheduler/internal/model"
	"github.com/hivegrid/scheduler/internal/monitor"
)

// Mode selects how the local node participates in execution
type Mode string

const (
	// ModeCoordinator never executes jobs on the local node
	ModeCoordinator Mode = "coordinator"
	// ModeHybrid executes light work locally when the node has headroom
	ModeHybrid Mode = "hybrid"
)

// memoryPressureLimitMB is the estimated-footprint threshold above which
// a job is pushed off a memory-pressured node
const memoryPressureLimitMB = 500

// Pressure exposes the resource monitor reads the policy needs
type Pressure interface {
	IsUnderPressure() bool
	CurrentSnapshot() monitor.Snapshot
}

// LocalLoad reports how many jobs the local node is executing right now
type LocalLoad interface {
	LocalActive() int
}

// WorkerView reports remote worker availability
type WorkerView interface {
	Count() int
	Counts() (total, healthy int)
}

// Decision is the policy's verdict for one job, made before the job
// ever reaches the queue
type Decision struct {
	RunLocal bool
	Reasons  []string
}

// Config holds policy tunables
type Config struct {
	Mode Mode
	// HeavyTypes always offload in hybrid mode
	HeavyTypes []string
	// LocalThreshold is the local concurrency ceiling
	LocalThreshold int
}

// Policy classifies a job as local or offloaded using static rules plus
// live local resource pressure. It is the only place the local node is
// treated as a worker; the router never scores it.
type Policy struct {
	logger     *zap.Logger
	mode       Mode
	heavyTypes map[string]struct{}
	threshold  int
	pressure   Pressure
	localLoad  LocalLoad
	workers    WorkerView
}

// NewPolicy creates a new admission policy
func NewPolicy(cfg Config, pressure Pressure, localLoad LocalLoad, workers WorkerView, logger *zap.Logger) *Policy {
	if cfg.Mode == "" {
		cfg.Mode = ModeHybrid
	}
	if cfg.LocalThreshold <= 0 {
		cfg.LocalThreshold = 1
	}
	heavy := make(map[string]struct{}, len(cfg.HeavyTypes))
	for _, t := range cfg.HeavyTypes {
		heavy[t] = struct{}{}
	}
	return &Policy{
		logger:     logger.Named("admission"),
		mode:       cfg.Mode,
		heavyTypes: heavy,
		threshold:  cfg.LocalThreshold,
		pressure:   pressure,
		localLoad:  localLoad,
		workers:    workers,
	}
}

// Mode returns the configured mode
func (p *Policy) Mode() Mode {
	return p.mode
}

// LocalThreshold returns the local concurrency ceiling
func (p *Policy) LocalThreshold() int {
	return p.threshold
}

// Decide classifies one job. Static rules run in order and the first
// match wins; generic scoring among remote workers happens later in the
// router and is never consulted here.
func (p *Policy) Decide(job *model.Job, profile model.TaskProfile) Decision {
	d := p.decide(job, profile)

	p.logger.Debug("Admission decision",
		zap.String("job_id", job.ID),
		zap.String("task_type", job.Type),
		zap.Bool("run_local", d.RunLocal),
		zap.Strings("reasons", d.Reasons))

	return d
}

func (p *Policy) decide(job *model.Job, profile model.TaskProfile) Decision {
	if p.mode == ModeCoordinator {
		return offload("coordinator mode never executes locally")
	}

	// With no remote workers registered the local node is the sole
	// executor, bounded by the local concurrency threshold.
	if p.workers.Count() == 0 {
		return local("no remote workers registered; local node is the sole executor")
	}

	if _, heavy := p.heavyTypes[job.Type]; heavy {
		return offload(fmt.Sprintf("task type %q is on the heavy list", job.Type))
	}

	snapshot := p.pressure.CurrentSnapshot()
	underPressure := p.pressure.IsUnderPressure()

	if profile.EstimatedMemoryMB > memoryPressureLimitMB && snapshot.MemoryUsedPercent >= 80 {
		return offload(fmt.Sprintf("estimated %dMB footprint under %.0f%% memory pressure",
			profile.EstimatedMemoryMB, snapshot.MemoryUsedPercent))
	}

	if profile.Parallelizable && profile.EstimatedCPU >= 70 && underPressure {
		return offload("heavy parallelizable work while local node is under pressure")
	}

	if profile.LatencySensitive {
		if underPressure {
			return offload("latency-sensitive but local node is over threshold")
		}
		return local("latency-sensitive work stays local")
	}

	if p.localLoad.LocalActive() >= p.threshold {
		return offload(fmt.Sprintf("local concurrency threshold %d reached", p.threshold))
	}

	if underPressure {
		return offload("local node is under resource pressure")
	}

	return local("light work with local headroom")
}

func local(reason string) Decision {
	return Decision{RunLocal: true, Reasons: []string{reason}}
}

func offload(reason string) Decision {
	return Decision{RunLocal: false, Reasons: []string{reason}}
}
