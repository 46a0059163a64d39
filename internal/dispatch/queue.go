package dispatch

import (
	"sync"

	"github.com/hivegrid/scheduler/internal/model"
)

// priorityOrder lists the tiers from most to least urgent
var priorityOrder = []model.JobPriority{
	model.JobPriorityUrgent,
	model.JobPriorityHigh,
	model.JobPriorityNormal,
	model.JobPriorityLow,
}

// Queue is a priority-ordered pending queue: strict priority between
// tiers, FIFO within a tier. Requeued jobs go to the front of their
// tier so a retry is attempted before fresh submissions of the same
// priority.
type Queue struct {
	mu    sync.Mutex
	tiers map[model.JobPriority][]*model.Job
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	tiers := make(map[model.JobPriority][]*model.Job, len(priorityOrder))
	for _, p := range priorityOrder {
		tiers[p] = nil
	}
	return &Queue{tiers: tiers}
}

func (q *Queue) tierFor(p model.JobPriority) model.JobPriority {
	if _, ok := q.tiers[p]; ok {
		return p
	}
	return model.JobPriorityNormal
}

// Push appends a job to its priority tier
func (q *Queue) Push(job *model.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tier := q.tierFor(job.Priority)
	q.tiers[tier] = append(q.tiers[tier], job)
}

// PushFront inserts a job at the front of its priority tier. Used for
// requeues so the retry runs before peers of the same priority.
func (q *Queue) PushFront(job *model.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tier := q.tierFor(job.Priority)
	q.tiers[tier] = append([]*model.Job{job}, q.tiers[tier]...)
}

// Pop removes and returns the highest-priority job, or nil when empty
func (q *Queue) Pop() *model.Job {
	return q.PopMatch(func(*model.Job) bool { return true })
}

// PopMatch removes and returns the highest-priority job accepted by the
// predicate, scanning tiers in strict priority order and each tier in
// FIFO order. Jobs the predicate rejects stay queued in place.
func (q *Queue) PopMatch(accept func(*model.Job) bool) *model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range priorityOrder {
		tier := q.tiers[p]
		for i, job := range tier {
			if !accept(job) {
				continue
			}
			q.tiers[p] = append(tier[:i:i], tier[i+1:]...)
			return job
		}
	}
	return nil
}

// Remove deletes a job by id, returning whether it was queued
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range priorityOrder {
		tier := q.tiers[p]
		for i, job := range tier {
			if job.ID == jobID {
				q.tiers[p] = append(tier[:i:i], tier[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Len returns the number of pending jobs
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, tier := range q.tiers {
		n += len(tier)
	}
	return n
}
