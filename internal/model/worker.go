package model

import "time"

// CapabilityGeneral is the wildcard capability; a worker declaring it
// accepts any task type.
const CapabilityGeneral = "general"

// LocalWorkerID is the reserved id of the pseudo-worker representing the
// scheduler's own process. It never appears in the registry.
const LocalWorkerID = "local"

// WorkerSpec describes a worker at registration time, from static config
// or a dynamic add-worker call.
type WorkerSpec struct {
	ID           string   `json:"id"`
	Address      string   `json:"address"` // host:port
	TLS          bool     `json:"tls"`
	Token        string   `json:"-"` // pre-shared credential
	Capabilities []string `json:"capabilities"`
	MaxJobs      int      `json:"max_jobs"`
	Region       string   `json:"region,omitempty"`
}

// WorkerStats holds load telemetry a worker self-reports in its health
// responses. All fields are optional.
type WorkerStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	LoadAvg1      float64 `json:"load_avg_1"`
}

// Worker represents a unit of execution capacity known to the registry
type Worker struct {
	ID           string   `json:"id"`
	Address      string   `json:"address"`
	TLS          bool     `json:"tls"`
	Token        string   `json:"-"`
	Capabilities []string `json:"capabilities"`
	Region       string   `json:"region,omitempty"`

	MaxJobs     int `json:"max_jobs"`
	CurrentJobs int `json:"current_jobs"`

	Online              bool          `json:"online"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSeen            time.Time     `json:"last_seen"`
	LastProbeRTT        time.Duration `json:"last_probe_rtt"`
	// AvgResponseTime is an exponentially smoothed probe round-trip time
	AvgResponseTime time.Duration `json:"avg_response_time"`

	Stats *WorkerStats `json:"stats,omitempty"`
}

// CanExecute reports whether the worker declares the task type or the
// wildcard capability
func (w *Worker) CanExecute(taskType string) bool {
	for _, c := range w.Capabilities {
		if c == taskType || c == CapabilityGeneral {
			return true
		}
	}
	return false
}

// HasSpareCapacity reports whether the worker can take another job
func (w *Worker) HasSpareCapacity() bool {
	return w.CurrentJobs < w.MaxJobs
}

// Utilization returns the fraction of capacity in use, in [0, 1]
func (w *Worker) Utilization() float64 {
	if w.MaxJobs <= 0 {
		return 1.0
	}
	return float64(w.CurrentJobs) / float64(w.MaxJobs)
}

// Clone returns a deep copy safe to hand out as a snapshot
func (w *Worker) Clone() *Worker {
	cp := *w
	cp.Capabilities = append([]string(nil), w.Capabilities...)
	if w.Stats != nil {
		stats := *w.Stats
		cp.Stats = &stats
	}
	return &cp
}
