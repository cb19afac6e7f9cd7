package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/hodei/pipelines/pkg/types"
)

// MemoryStore is the in-memory reference implementation of Store. It backs
// tests and ephemeral deployments where durability across restarts is not
// required.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*types.Job
	events    map[string][]*types.ExecutionEvent
	pools     map[string]*types.ResourcePool
	templates map[string]*types.WorkerTemplate
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*types.Job),
		events:    make(map[string][]*types.ExecutionEvent),
		pools:     make(map[string]*types.ResourcePool),
		templates: make(map[string]*types.WorkerTemplate),
	}
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) CreateJob(job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job already exists: %s", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(id string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) ListJobs() ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*types.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	return jobs, nil
}

func (s *MemoryStore) ListJobsByStatus(status types.JobStatus) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*types.Job
	for _, job := range s.jobs {
		if job.Status == status {
			jobs = append(jobs, cloneJob(job))
		}
	}
	return jobs, nil
}

func (s *MemoryStore) UpdateJobStatus(id string, from, to types.JobStatus, mutate func(*types.Job)) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != from || !types.LegalTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s (stored: %s)", ErrIllegalTransition, from, to, job.Status)
	}
	updated := cloneJob(job)
	updated.Status = to
	applyStatusTimestamps(updated, to)
	if mutate != nil {
		mutate(updated)
	}
	s.jobs[id] = updated
	return cloneJob(updated), nil
}

func (s *MemoryStore) AppendEvent(event *types.ExecutionEvent) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := uint64(len(s.events[event.JobID]) + 1)
	event.Seq = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	stored := *event
	s.events[event.JobID] = append(s.events[event.JobID], &stored)
	return seq, nil
}

func (s *MemoryStore) ListEvents(jobID string, afterSeq uint64, limit int) ([]*types.ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var evs []*types.ExecutionEvent
	for _, ev := range s.events[jobID] {
		if ev.Seq <= afterSeq {
			continue
		}
		copied := *ev
		evs = append(evs, &copied)
		if limit > 0 && len(evs) >= limit {
			break
		}
	}
	return evs, nil
}

func (s *MemoryStore) CreatePool(pool *types.ResourcePool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *pool
	s.pools[pool.ID] = &copied
	return nil
}

func (s *MemoryStore) GetPool(id string) (*types.ResourcePool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pool, ok := s.pools[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *pool
	return &copied, nil
}

func (s *MemoryStore) ListPools() ([]*types.ResourcePool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pools := make([]*types.ResourcePool, 0, len(s.pools))
	for _, pool := range s.pools {
		copied := *pool
		pools = append(pools, &copied)
	}
	return pools, nil
}

func (s *MemoryStore) DeletePool(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pools, id)
	return nil
}

func (s *MemoryStore) CreateTemplate(tpl *types.WorkerTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *tpl
	s.templates[tpl.ID] = &copied
	return nil
}

func (s *MemoryStore) GetTemplate(id string) (*types.WorkerTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *tpl
	return &copied, nil
}

func (s *MemoryStore) ListTemplates() ([]*types.WorkerTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpls := make([]*types.WorkerTemplate, 0, len(s.templates))
	for _, tpl := range s.templates {
		copied := *tpl
		tpls = append(tpls, &copied)
	}
	return tpls, nil
}

func (s *MemoryStore) ListTemplatesByPool(poolID string) ([]*types.WorkerTemplate, error) {
	tpls, err := s.ListTemplates()
	if err != nil {
		return nil, err
	}
	var filtered []*types.WorkerTemplate
	for _, tpl := range tpls {
		if tpl.PoolID == poolID {
			filtered = append(filtered, tpl)
		}
	}
	return filtered, nil
}

func cloneJob(job *types.Job) *types.Job {
	copied := *job
	if job.FailureReason != nil {
		fr := *job.FailureReason
		copied.FailureReason = &fr
	}
	return &copied
}
