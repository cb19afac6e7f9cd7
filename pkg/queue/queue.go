package queue

import (
	"sync"
	"time"

	"github.com/hodei/pipelines/pkg/metrics"
	"github.com/hodei/pipelines/pkg/types"
)

// item is one queued job with its admission order and eviction deadline
type item struct {
	job        *types.Job
	seq        uint64
	enqueuedAt time.Time
	deadline   time.Time // Zero when the job waits forever
}

// Queue is the ordered collection of submitted jobs awaiting placement.
// Ordering is priority-first (higher before lower), FIFO within a priority.
// All operations are safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []*item
	seq   uint64
}

// New creates an empty queue
func New() *Queue {
	return &Queue{}
}

// Enqueue adds a job in priority order. Jobs with an eviction deadline carry
// it from enqueue time.
func (q *Queue) Enqueue(job *types.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	it := &item{
		job:        job,
		seq:        q.seq,
		enqueuedAt: time.Now(),
	}
	if req := requirements(job); req != nil && req.MaxWaitTime > 0 {
		it.deadline = it.enqueuedAt.Add(req.MaxWaitTime)
	}

	// Insert before the first item with lower priority; ties keep FIFO order.
	pos := len(q.items)
	for i, existing := range q.items {
		if existing.job.Priority < job.Priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = it

	metrics.QueueDepth.Set(float64(len(q.items)))
}

// PeekEligible returns the queued jobs in placement order without removing
// them. The scheduler iterates this snapshot on each tick.
func (q *Queue) PeekEligible() []*types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]*types.Job, len(q.items))
	for i, it := range q.items {
		jobs[i] = it.job
	}
	return jobs
}

// Remove deletes a job from the queue. It reports whether the job was
// present, which the scheduler uses to detect cancellation races at hand-off.
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range q.items {
		if it.job.ID == jobID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			metrics.QueueDepth.Set(float64(len(q.items)))
			return true
		}
	}
	return false
}

// Size returns the number of queued jobs
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Evict removes and returns every job whose maxWaitTime deadline has passed.
// The caller transitions them to FAILED with a SchedulingTimeout reason.
func (q *Queue) Evict(now time.Time) []*types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted []*types.Job
	kept := q.items[:0]
	for _, it := range q.items {
		if !it.deadline.IsZero() && now.After(it.deadline) {
			evicted = append(evicted, it.job)
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	metrics.QueueDepth.Set(float64(len(q.items)))
	return evicted
}

// WaitingSince returns the enqueue time of a job, or zero if absent.
func (q *Queue) WaitingSince(jobID string) time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.job.ID == jobID {
			return it.enqueuedAt
		}
	}
	return time.Time{}
}

func requirements(job *types.Job) *types.WorkerRequirements {
	if job.Definition == nil {
		return nil
	}
	return job.Definition.Requirements
}
