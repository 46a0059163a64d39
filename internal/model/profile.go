package model

import "time"

// TaskProfile describes a job's expected cost and shape. Callers may
// supply one explicitly; otherwise a static default keyed by task type
// is used.
type TaskProfile struct {
	EstimatedCPU      int  `json:"estimated_cpu"` // 0-100 scale
	EstimatedMemoryMB int  `json:"estimated_memory_mb"`
	LatencySensitive  bool `json:"latency_sensitive"`
	Batchable         bool `json:"batchable"`
	Parallelizable    bool `json:"parallelizable"`
}

// defaultProfiles covers the task types the surrounding platform submits.
// Anything unknown falls back to a small general-purpose profile.
var defaultProfiles = map[string]TaskProfile{
	"llm_completion":   {EstimatedCPU: 30, EstimatedMemoryMB: 256, LatencySensitive: true},
	"embedding_batch":  {EstimatedCPU: 70, EstimatedMemoryMB: 768, Batchable: true, Parallelizable: true},
	"document_index":   {EstimatedCPU: 60, EstimatedMemoryMB: 512, Parallelizable: true},
	"terminal_session": {EstimatedCPU: 10, EstimatedMemoryMB: 64, LatencySensitive: true},
	"media_transcode":  {EstimatedCPU: 90, EstimatedMemoryMB: 1024, Parallelizable: true},
	"http_request":     {EstimatedCPU: 10, EstimatedMemoryMB: 64},
}

// ProfileForType returns the static profile for a task type
func ProfileForType(taskType string) TaskProfile {
	if p, ok := defaultProfiles[taskType]; ok {
		return p
	}
	return TaskProfile{EstimatedCPU: 20, EstimatedMemoryMB: 128}
}

// RoutingDecision is the router's output for one job
type RoutingDecision struct {
	WorkerID         string        `json:"worker_id"`
	Confidence       float64       `json:"confidence"` // 0-100
	Reasons          []string      `json:"reasons"`
	EstimatedLatency time.Duration `json:"estimated_latency"`
	FallbackWorkerID string        `json:"fallback_worker_id,omitempty"`
}
