package schedule

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hivegrid/scheduler/internal/model"
)

type recordingSubmitter struct {
	mu    sync.Mutex
	calls []struct {
		taskType string
		priority model.JobPriority
	}
}

func (r *recordingSubmitter) Submit(ctx context.Context, taskType string, payload json.RawMessage, opts model.SubmitOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		taskType string
		priority model.JobPriority
	}{taskType, opts.Priority})
	return "job-1", nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestAddValidation(t *testing.T) {
	s := NewCronScheduler(&recordingSubmitter{}, zaptest.NewLogger(t))

	assert.Error(t, s.Add(Entry{Spec: "* * * * * *", TaskType: "x"}))
	assert.Error(t, s.Add(Entry{Name: "n", TaskType: "x"}))
	assert.Error(t, s.Add(Entry{Name: "n", Spec: "* * * * * *"}))
	assert.Error(t, s.Add(Entry{Name: "n", Spec: "not a cron", TaskType: "x"}))

	require.NoError(t, s.Add(Entry{Name: "n", Spec: "0 0 3 * * *", TaskType: "x"}))
	assert.Equal(t, []string{"n"}, s.Names())
}

func TestAddReplacesByName(t *testing.T) {
	s := NewCronScheduler(&recordingSubmitter{}, zaptest.NewLogger(t))

	require.NoError(t, s.Add(Entry{Name: "n", Spec: "0 0 3 * * *", TaskType: "x"}))
	require.NoError(t, s.Add(Entry{Name: "n", Spec: "0 0 4 * * *", TaskType: "y"}))
	assert.Len(t, s.Names(), 1)
}

func TestRemove(t *testing.T) {
	s := NewCronScheduler(&recordingSubmitter{}, zaptest.NewLogger(t))

	assert.Error(t, s.Remove("missing"))

	require.NoError(t, s.Add(Entry{Name: "n", Spec: "0 0 3 * * *", TaskType: "x"}))
	require.NoError(t, s.Remove("n"))
	assert.Empty(t, s.Names())
}

func TestFiresEverySecond(t *testing.T) {
	sub := &recordingSubmitter{}
	s := NewCronScheduler(sub, zaptest.NewLogger(t))

	require.NoError(t, s.Add(Entry{
		Name:     "tick",
		Spec:     "* * * * * *",
		TaskType: "heartbeat",
		Priority: model.JobPriorityLow,
	}))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return sub.count() >= 1
	}, 3*time.Second, 50*time.Millisecond)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Equal(t, "heartbeat", sub.calls[0].taskType)
	assert.Equal(t, model.JobPriorityLow, sub.calls[0].priority)
}
