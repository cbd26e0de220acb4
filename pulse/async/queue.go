package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/roster/errors"
)

const (
	// MaxJobsLimit is the maximum number of jobs returned by a listing
	MaxJobsLimit = 10000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Job // Channels to notify of job updates
	now         func() time.Time
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(db),
		subscribers: make([]chan *Job, 0),
		now:         time.Now,
	}
}

func withJobDetails(err error, job *Job) error {
	err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
	return errors.WithDetail(err, fmt.Sprintf("Source: %s", job.Source))
}

// Enqueue adds a new job to the queue
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.CreateJob(job); err != nil {
		return withJobDetails(errors.Wrap(err, "failed to enqueue job"), job)
	}

	q.notifySubscribers(job)
	return nil
}

// EnqueueUnique adds job unless a job for the same source and handler is still
// waiting to run. merge, when non-nil, may fold the new job into the waiting
// one and reports whether it changed it. The job that will run is returned
// together with whether it was newly created.
func (q *Queue) EnqueueUnique(job *Job, merge func(waiting, incoming *Job) bool) (*Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	waiting, err := q.store.FindQueuedJobBySourceAndHandler(job.Source, job.HandlerName)
	if err != nil {
		return nil, false, withJobDetails(errors.Wrap(err, "failed to check for duplicate job"), job)
	}
	if waiting != nil {
		if merge != nil && merge(waiting, job) {
			waiting.UpdatedAt = q.now()
			if err := q.store.UpdateJob(waiting); err != nil {
				return nil, false, withJobDetails(errors.Wrap(err, "failed to merge duplicate job"), waiting)
			}
			q.notifySubscribers(waiting)
		}
		return waiting, false, nil
	}

	if err := q.store.CreateJob(job); err != nil {
		return nil, false, withJobDetails(errors.Wrap(err, "failed to enqueue job"), job)
	}
	q.notifySubscribers(job)
	return job, true, nil
}

// Dequeue gets the oldest ready job and marks it as running
func (q *Queue) Dequeue() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.NextReady(q.now())
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queued jobs")
	}
	if job == nil {
		return nil, nil // No jobs available
	}

	job.Start()

	if err := q.store.UpdateJob(job); err != nil {
		return nil, withJobDetails(errors.Wrap(err, "failed to mark job as running"), job)
	}

	q.notifySubscribers(job)
	return job, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.GetJob(id)
}

// UpdateJob updates a job's state
func (q *Queue) UpdateJob(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.UpdateJob(job); err != nil {
		err = withJobDetails(errors.Wrap(err, "failed to update job"), job)
		return errors.WithDetail(err, fmt.Sprintf("Status: %s", job.Status))
	}

	q.notifySubscribers(job)
	return nil
}

// CompleteJob marks a job as completed
func (q *Queue) CompleteJob(id string) error {
	return q.transition(id, "complete", func(job *Job) error {
		job.Complete()
		return nil
	})
}

// FailJob marks a job as failed with an error
func (q *Queue) FailJob(id string, jobErr error) error {
	return q.transition(id, "fail", func(job *Job) error {
		job.Fail(jobErr)
		return nil
	})
}

// CancelJob cancels a job that has not finished yet
func (q *Queue) CancelJob(id string, reason string) error {
	return q.transition(id, "cancel", func(job *Job) error {
		if job.Status.IsTerminal() {
			return errors.Newf("job %s already finished (status: %s)", id, job.Status)
		}
		job.Cancel(reason)
		return nil
	})
}

// RetryJob re-queues a job after delay, counting the attempt and recording err.
func (q *Queue) RetryJob(job *Job, delay time.Duration, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.RetryCount++
	job.Error = jobErr.Error()
	job.Requeue(q.now().Add(delay))

	if err := q.store.UpdateJob(job); err != nil {
		return withJobDetails(errors.Wrap(err, "failed to schedule retry"), job)
	}
	q.notifySubscribers(job)
	return nil
}

func (q *Queue) transition(id string, what string, fn func(*Job) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.GetJob(id)
	if err != nil {
		err = errors.Wrapf(err, "failed to %s job %s", what, id)
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}

	if err := fn(job); err != nil {
		return withJobDetails(err, job)
	}

	if err := q.store.UpdateJob(job); err != nil {
		return withJobDetails(errors.Wrapf(err, "failed to %s job", what), job)
	}

	q.notifySubscribers(job)
	return nil
}

// RecoverOrphaned re-queues jobs left running by a process that did not shut
// down cleanly and returns how many were recovered.
func (q *Queue) RecoverOrphaned(limit int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	running := JobStatusRunning
	orphans, err := q.store.ListJobs(&running, limit)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list running jobs")
	}

	recovered := 0
	for _, job := range orphans {
		job.Requeue(q.now())
		if err := q.store.UpdateJob(job); err != nil {
			return recovered, withJobDetails(errors.Wrap(err, "failed to recover orphaned job"), job)
		}
		q.notifySubscribers(job)
		recovered++
	}
	return recovered, nil
}

// ListJobs returns jobs, optionally filtered by status
func (q *Queue) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListJobs(status, limit)
}

// ListActiveJobs returns all active (queued, running) jobs
func (q *Queue) ListActiveJobs(limit int) ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListActiveJobs(limit)
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method; callers close it themselves if needed.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends job updates to all subscribers without blocking.
// REQUIRES: q.mu must be held by caller (either Lock or RLock).
func (q *Queue) notifySubscribers(job *Job) {
	snapshot := *job
	for _, ch := range q.subscribers {
		select {
		case ch <- &snapshot:
		default:
			// Channel full, skip
		}
	}
}

// Cleanup removes old finished jobs
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.CleanupOldJobs(olderThan)
}

// QueueStats returns statistics about the queue
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats() (*QueueStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	counts, err := q.store.CountByStatus()
	if err != nil {
		return nil, errors.Wrap(err, "failed to collect queue stats")
	}

	stats := &QueueStats{
		Queued:    counts[JobStatusQueued],
		Running:   counts[JobStatusRunning],
		Completed: counts[JobStatusCompleted],
		Failed:    counts[JobStatusFailed],
		Cancelled: counts[JobStatusCancelled],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}
