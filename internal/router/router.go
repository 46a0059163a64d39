package router

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hivegrid/scheduler/internal/model"
)

// Scoring weights, in order of importance. A perfect candidate scores
// close to 100.
const (
	capabilityExactScore    = 40.0
	capabilityWildcardScore = 25.0
	loadWeight              = 30.0
	perfWeight              = 20.0
	healthWeight            = 10.0

	// perfReferenceRTT is the smoothed response time that earns full
	// performance credit; slower workers earn proportionally less.
	perfReferenceRTT = 250 * time.Millisecond

	// defaultEstimatedLatency is used for workers that have never
	// answered a probe fast enough to have a smoothed RTT yet
	defaultEstimatedLatency = 500 * time.Millisecond
)

// Router ranks healthy candidate workers for a job. It is stateless: it
// reads worker snapshots and returns a decision without mutating
// anything.
type Router struct {
	logger *zap.Logger
}

// NewRouter creates a new router
func NewRouter(logger *zap.Logger) *Router {
	return &Router{logger: logger.Named("router")}
}

// Score computes a placement score for one worker. The second return
// value lists human-readable reasons; the third is false when the worker
// is excluded outright.
func (r *Router) Score(w *model.Worker, job *model.Job, profile model.TaskProfile) (float64, []string, bool) {
	var reasons []string

	// 1. Capability match. No match excludes the worker entirely.
	var capScore float64
	exact := false
	for _, c := range w.Capabilities {
		if c == job.Type {
			exact = true
			break
		}
	}
	switch {
	case exact:
		capScore = capabilityExactScore
		reasons = append(reasons, fmt.Sprintf("exact capability match for %q (+%.0f)", job.Type, capScore))
	case w.CanExecute(job.Type):
		capScore = capabilityWildcardScore
		reasons = append(reasons, fmt.Sprintf("wildcard capability covers %q (+%.0f)", job.Type, capScore))
	default:
		return 0, nil, false
	}

	// 2. Load factor: idle workers score higher
	loadScore := (1 - w.Utilization()) * loadWeight
	reasons = append(reasons, fmt.Sprintf("load %d/%d (+%.1f)", w.CurrentJobs, w.MaxJobs, loadScore))

	// 3. Historical performance: inverse of smoothed response time, capped
	perfScore := perfWeight / 2 // unknown history earns half credit
	if w.AvgResponseTime > 0 {
		perfScore = perfWeight * float64(perfReferenceRTT) / float64(w.AvgResponseTime)
		if perfScore > perfWeight {
			perfScore = perfWeight
		}
		reasons = append(reasons, fmt.Sprintf("avg response %s (+%.1f)", w.AvgResponseTime, perfScore))
	} else {
		reasons = append(reasons, fmt.Sprintf("no response history (+%.1f)", perfScore))
	}

	// 4. Declared system health, when self-reported: inverse, capped
	healthScore := healthWeight / 2
	if w.Stats != nil {
		busy := w.Stats.CPUPercent
		if w.Stats.MemoryPercent > busy {
			busy = w.Stats.MemoryPercent
		}
		if busy > 100 {
			busy = 100
		}
		healthScore = healthWeight * (1 - busy/100)
		reasons = append(reasons, fmt.Sprintf("reported load %.0f%% (+%.1f)", busy, healthScore))
	} else {
		reasons = append(reasons, fmt.Sprintf("no self-reported load (+%.1f)", healthScore))
	}

	return capScore + loadScore + perfScore + healthScore, reasons, true
}

// Route scores every candidate and returns the best with the runner-up
// as fallback. Candidates lacking the capability or spare capacity are
// never selected.
func (r *Router) Route(job *model.Job, profile model.TaskProfile, candidates []*model.Worker) (*model.RoutingDecision, error) {
	type scored struct {
		worker  *model.Worker
		score   float64
		reasons []string
	}

	var ranked []scored
	for _, w := range candidates {
		if !w.Online || !w.HasSpareCapacity() {
			continue
		}
		score, reasons, ok := r.Score(w, job, profile)
		if !ok {
			continue
		}
		ranked = append(ranked, scored{worker: w, score: score, reasons: reasons})
	}

	if len(ranked) == 0 {
		return nil, ErrNoCandidates
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].worker.ID < ranked[j].worker.ID
	})

	best := ranked[0]
	confidence := best.score
	if confidence > 100 {
		confidence = 100
	}

	latency := best.worker.AvgResponseTime
	if latency == 0 {
		latency = defaultEstimatedLatency
	}

	decision := &model.RoutingDecision{
		WorkerID:         best.worker.ID,
		Confidence:       confidence,
		Reasons:          best.reasons,
		EstimatedLatency: latency,
	}
	if len(ranked) > 1 {
		decision.FallbackWorkerID = ranked[1].worker.ID
	}

	r.logger.Debug("Routing decision",
		zap.String("job_id", job.ID),
		zap.String("worker_id", decision.WorkerID),
		zap.Float64("confidence", decision.Confidence),
		zap.String("fallback", decision.FallbackWorkerID),
		zap.Int("candidates", len(ranked)))

	return decision, nil
}
