package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hivegrid/scheduler/internal/model"
)

const (
	defaultProbeTimeout = 5 * time.Second
	// executeSafetyMargin is subtracted from the job's timeout budget so
	// the caller's deadline always elapses after the transport's.
	executeSafetyMargin = 2 * time.Second

	healthPath  = "/health"
	executePath = "/execute"
)

// FailureKind distinguishes the three transport failure shapes. The retry
// policy treats them identically; they are logged distinctly.
type FailureKind string

const (
	KindConnection FailureKind = "connection"
	KindStatus     FailureKind = "status"
	KindResponse   FailureKind = "response"
)

// Error is a transport failure with its kind attached
type Error struct {
	Kind     FailureKind
	WorkerID string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("worker %s: %s failure: %v", e.WorkerID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the failure kind of a transport error, or empty for
// other errors
func KindOf(err error) FailureKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// HealthReport is a worker's response to a liveness probe
type HealthReport struct {
	Status       string             `json:"status"`
	Capabilities []string           `json:"capabilities,omitempty"`
	Load         *model.WorkerStats `json:"load,omitempty"`

	// RTT is measured by the prober, not reported by the worker
	RTT time.Duration `json:"-"`
}

type executeRequest struct {
	JobID     string          `json:"job_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMS int64           `json:"timeout_ms"`
}

type executeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// HTTPTransport talks to remote workers over their HTTP contract:
// GET /health for probes and POST /execute for job execution.
type HTTPTransport struct {
	logger       *zap.Logger
	client       *http.Client
	probeTimeout time.Duration
}

// NewHTTPTransport creates a new HTTP transport
func NewHTTPTransport(probeTimeout time.Duration, logger *zap.Logger) *HTTPTransport {
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	return &HTTPTransport{
		logger:       logger.Named("transport"),
		client:       &http.Client{},
		probeTimeout: probeTimeout,
	}
}

func baseURL(w *model.Worker) string {
	scheme := "http"
	if w.TLS {
		scheme = "https"
	}
	return scheme + "://" + w.Address
}

// Probe issues a bounded-timeout liveness call and measures its
// round-trip time
func (t *HTTPTransport) Probe(ctx context.Context, w *model.Worker) (*HealthReport, error) {
	ctx, cancel := context.WithTimeout(ctx, t.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(w)+healthPath, nil)
	if err != nil {
		return nil, &Error{Kind: KindConnection, WorkerID: w.ID, Err: err}
	}
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindConnection, WorkerID: w.ID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: KindStatus, WorkerID: w.ID,
			Err: fmt.Errorf("health endpoint returned %d", resp.StatusCode)}
	}

	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, &Error{Kind: KindResponse, WorkerID: w.ID,
			Err: fmt.Errorf("undecodable health response: %w", err)}
	}

	report.RTT = time.Since(start)
	return &report, nil
}

// Execute performs the outbound execution call. The request timeout is
// the job's own budget minus a safety margin.
func (t *HTTPTransport) Execute(ctx context.Context, job *model.Job, w *model.Worker) (*model.JobResult, error) {
	budget := job.Timeout - executeSafetyMargin
	if budget <= 0 {
		budget = job.Timeout * 9 / 10
	}
	if budget <= 0 {
		budget = time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	body, err := json.Marshal(executeRequest{
		JobID:     job.ID,
		Type:      job.Type,
		Payload:   job.Payload,
		TimeoutMS: budget.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(w)+executePath, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindConnection, WorkerID: w.ID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn("Execute call failed to reach worker",
			zap.String("job_id", job.ID),
			zap.String("worker_id", w.ID),
			zap.Error(err))
		return nil, &Error{Kind: KindConnection, WorkerID: w.ID, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindResponse, WorkerID: w.ID, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var eresp executeResponse
		msg := fmt.Sprintf("execute endpoint returned %d", resp.StatusCode)
		if json.Unmarshal(raw, &eresp) == nil && eresp.Error != "" {
			msg = fmt.Sprintf("%s: %s", msg, eresp.Error)
		}
		t.logger.Warn("Worker rejected job",
			zap.String("job_id", job.ID),
			zap.String("worker_id", w.ID),
			zap.Int("status", resp.StatusCode))
		return nil, &Error{Kind: KindStatus, WorkerID: w.ID, Err: fmt.Errorf("%s", msg)}
	}

	var eresp executeResponse
	if err := json.Unmarshal(raw, &eresp); err != nil {
		t.logger.Warn("Worker returned malformed response",
			zap.String("job_id", job.ID),
			zap.String("worker_id", w.ID),
			zap.Error(err))
		return nil, &Error{Kind: KindResponse, WorkerID: w.ID,
			Err: fmt.Errorf("undecodable execute response: %w", err)}
	}

	return &model.JobResult{
		JobID:       job.ID,
		WorkerID:    w.ID,
		Status:      model.JobStatusCompleted,
		Result:      eresp.Result,
		Duration:    time.Since(start),
		CompletedAt: time.Now(),
	}, nil
}
