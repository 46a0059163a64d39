package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hivegrid/scheduler/internal/model"
)

func echoHandler() TaskHandler {
	return TaskHandlerFunc(func(ctx context.Context, job *model.Job) (*model.JobResult, error) {
		return &model.JobResult{Result: job.Payload}, nil
	})
}

func TestCanHandle(t *testing.T) {
	r := NewLocalRunner(zaptest.NewLogger(t))
	assert.False(t, r.CanHandle("echo"))

	r.RegisterHandler("echo", echoHandler())
	assert.True(t, r.CanHandle("echo"))
	assert.False(t, r.CanHandle("other"))

	// The wildcard handler accepts anything
	r.RegisterHandler(model.CapabilityGeneral, echoHandler())
	assert.True(t, r.CanHandle("other"))
}

func TestExecuteFillsResult(t *testing.T) {
	r := NewLocalRunner(zaptest.NewLogger(t))
	r.RegisterHandler("echo", echoHandler())

	job := &model.Job{
		ID:      "j1",
		Type:    "echo",
		Payload: json.RawMessage(`{"msg":"hi"}`),
		Timeout: time.Second,
	}
	res, err := r.Execute(context.Background(), job, &model.Worker{ID: model.LocalWorkerID})
	require.NoError(t, err)

	assert.Equal(t, "j1", res.JobID)
	assert.Equal(t, model.LocalWorkerID, res.WorkerID)
	assert.Equal(t, model.JobStatusCompleted, res.Status)
	assert.JSONEq(t, `{"msg":"hi"}`, string(res.Result))
	assert.False(t, res.CompletedAt.IsZero())
	assert.Equal(t, 0, r.Running())
}

func TestExecuteNoHandler(t *testing.T) {
	r := NewLocalRunner(zaptest.NewLogger(t))

	_, err := r.Execute(context.Background(), &model.Job{ID: "j1", Type: "mystery"}, nil)
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestExecutePropagatesHandlerError(t *testing.T) {
	r := NewLocalRunner(zaptest.NewLogger(t))
	boom := errors.New("boom")
	r.RegisterHandler("bad", TaskHandlerFunc(func(ctx context.Context, job *model.Job) (*model.JobResult, error) {
		return nil, boom
	}))

	_, err := r.Execute(context.Background(), &model.Job{ID: "j1", Type: "bad"}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestExecuteHonorsTimeout(t *testing.T) {
	r := NewLocalRunner(zaptest.NewLogger(t))
	r.RegisterHandler("slow", TaskHandlerFunc(func(ctx context.Context, job *model.Job) (*model.JobResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &model.JobResult{}, nil
		}
	}))

	job := &model.Job{ID: "j1", Type: "slow", Timeout: 50 * time.Millisecond}
	start := time.Now()
	_, err := r.Execute(context.Background(), job, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunningCounter(t *testing.T) {
	r := NewLocalRunner(zaptest.NewLogger(t))
	release := make(chan struct{})
	started := make(chan struct{})
	r.RegisterHandler("hold", TaskHandlerFunc(func(ctx context.Context, job *model.Job) (*model.JobResult, error) {
		close(started)
		<-release
		return &model.JobResult{}, nil
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Execute(context.Background(), &model.Job{ID: "j1", Type: "hold", Timeout: time.Minute}, nil)
	}()

	<-started
	assert.Equal(t, 1, r.Running())
	close(release)
	<-done
	assert.Equal(t, 0, r.Running())
}
