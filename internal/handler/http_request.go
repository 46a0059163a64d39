package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hivegrid/scheduler/internal/model"
)

// HTTPRequestPayload is the payload for http_request jobs
type HTTPRequestPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// HTTPRequestHandler executes http_request jobs on the local node. It
// is the stock handler registered by the server binary; job timeouts
// are enforced by the runner through the context.
type HTTPRequestHandler struct {
	logger *zap.Logger
	client *http.Client
}

// NewHTTPRequestHandler creates a new HTTP request handler
func NewHTTPRequestHandler(logger *zap.Logger) *HTTPRequestHandler {
	return &HTTPRequestHandler{
		logger: logger.Named("http-handler"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Execute performs the HTTP request described by the job payload
func (h *HTTPRequestHandler) Execute(ctx context.Context, job *model.Job) (*model.JobResult, error) {
	var payload HTTPRequestPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.URL == "" {
		return nil, fmt.Errorf("payload is missing url")
	}
	if payload.Method == "" {
		payload.Method = http.MethodGet
	}

	var body io.Reader
	if payload.Body != "" {
		body = strings.NewReader(payload.Body)
	}

	req, err := http.NewRequestWithContext(ctx, payload.Method, payload.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range payload.Headers {
		req.Header.Set(key, value)
	}

	h.logger.Debug("Executing HTTP request",
		zap.String("job_id", job.ID),
		zap.String("method", payload.Method),
		zap.String("url", payload.URL))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := &model.JobResult{
		Status: model.JobStatusCompleted,
		Result: respBody,
	}
	if resp.StatusCode >= 400 {
		result.Status = model.JobStatusFailed
		result.Error = fmt.Sprintf("HTTP request returned status %d", resp.StatusCode)
	}

	return result, nil
}
