package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"BrowserAgent/backend/go/internal/models"
)

// ErrUnavailable 由 MemoryQueue 在被标记为不可用时返回。
var ErrUnavailable = errors.New("queue unavailable")

type memJob struct {
	job     Job
	status  models.JobStatus
	aborted bool
}

// MemoryQueue 是进程内的 Queue 与 Source 实现，供单进程部署和测试使用。
type MemoryQueue struct {
	mu          sync.Mutex
	jobs        map[string]*memJob
	ready       []string
	notify      chan struct{}
	unavailable bool
	pollEvery   time.Duration
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:      make(map[string]*memJob),
		notify:    make(chan struct{}, 1),
		pollEvery: 10 * time.Millisecond,
	}
}

// SetUnavailable 让后续所有调用返回 ErrUnavailable。
func (q *MemoryQueue) SetUnavailable(v bool) {
	q.mu.Lock()
	q.unavailable = v
	q.mu.Unlock()
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobName, jobID string, args interface{}) error {
	raw, err := marshalArgs(args)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unavailable {
		return ErrUnavailable
	}
	if j, ok := q.jobs[jobID]; ok && j.status.InFlight() {
		return ErrJobExists
	}
	q.jobs[jobID] = &memJob{
		job:    Job{ID: jobID, Name: jobName, Args: raw, EnqueuedAt: time.Now().UTC()},
		status: models.JobStatusQueued,
	}
	q.ready = append(q.ready, jobID)
	q.signal()
	return nil
}

func (q *MemoryQueue) JobStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unavailable {
		return "", ErrUnavailable
	}
	j, ok := q.jobs[jobID]
	if !ok {
		return models.JobStatusMissing, nil
	}
	return j.status, nil
}

func (q *MemoryQueue) RequestAbort(ctx context.Context, jobID string, timeout time.Duration) (bool, error) {
	q.mu.Lock()
	if q.unavailable {
		q.mu.Unlock()
		return false, ErrUnavailable
	}
	j, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return false, nil
	}
	j.aborted = true
	switch j.status {
	case models.JobStatusQueued:
		q.removeReady(jobID)
		j.status = models.JobStatusFinished
		q.mu.Unlock()
		return true, nil
	case models.JobStatusFinished:
		q.mu.Unlock()
		return true, nil
	}
	q.mu.Unlock()
	return waitFinished(ctx, q, jobID, timeout, q.pollEvery)
}

func (q *MemoryQueue) removeReady(jobID string) {
	for i, id := range q.ready {
		if id == jobID {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			return
		}
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, workerID string, timeout time.Duration) (*Job, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if q.unavailable {
			q.mu.Unlock()
			return nil, ErrUnavailable
		}
		if len(q.ready) > 0 {
			id := q.ready[0]
			q.ready = q.ready[1:]
			j := q.jobs[id]
			j.job.Tries++
			j.status = models.JobStatusRunning
			job := j.job
			if len(q.ready) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return &job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Finish(ctx context.Context, job *Job, retry bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[job.ID]
	if !ok {
		return nil
	}
	if retry && !j.aborted {
		j.status = models.JobStatusQueued
		q.ready = append(q.ready, job.ID)
		q.signal()
		return nil
	}
	j.status = models.JobStatusFinished
	return nil
}

func (q *MemoryQueue) AbortRequested(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unavailable {
		return false, ErrUnavailable
	}
	j, ok := q.jobs[jobID]
	return ok && j.aborted, nil
}

func (q *MemoryQueue) HealthCheck(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unavailable {
		return ErrUnavailable
	}
	return nil
}

// Len 返回排队中的 job 数量。
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}
