package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/hodei/pipelines/pkg/log"
	"github.com/hodei/pipelines/pkg/metrics"
	"github.com/hodei/pipelines/pkg/types"
)

const (
	// DefaultHeartbeatInterval is the cadence negotiated with workers
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultMissedBeats is how many intervals may elapse before a worker
	// is considered offline
	DefaultMissedBeats = 3
)

// WorkerRegistry keeps authoritative state for connected workers. All
// methods are safe for concurrent use and binding is atomic, so a worker
// can never hold more than one job.
type WorkerRegistry struct {
	mu      sync.RWMutex
	workers map[string]*types.Worker

	heartbeatInterval time.Duration
	missedBeats       int

	onWorkerLost func(worker *types.Worker) // Fired once when a busy worker goes offline
	onChange     func()                     // Fired on registration/release to trigger a scheduling tick

	stopCh chan struct{}
}

// WorkerRegistryConfig tunes liveness detection
type WorkerRegistryConfig struct {
	HeartbeatInterval time.Duration
	MissedBeats       int
}

// NewWorkerRegistry creates a worker registry
func NewWorkerRegistry(cfg WorkerRegistryConfig) *WorkerRegistry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MissedBeats <= 0 {
		cfg.MissedBeats = DefaultMissedBeats
	}
	return &WorkerRegistry{
		workers:           make(map[string]*types.Worker),
		heartbeatInterval: cfg.HeartbeatInterval,
		missedBeats:       cfg.MissedBeats,
		stopCh:            make(chan struct{}),
	}
}

// OnWorkerLost registers the callback fired when a busy worker goes offline
func (r *WorkerRegistry) OnWorkerLost(fn func(worker *types.Worker)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onWorkerLost = fn
}

// OnChange registers the callback fired when worker availability changes
func (r *WorkerRegistry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// HeartbeatInterval returns the negotiated heartbeat cadence
func (r *WorkerRegistry) HeartbeatInterval() time.Duration {
	return r.heartbeatInterval
}

// Register adds a worker or, for a known id, refreshes its metadata and
// heartbeat (idempotent reconnect).
func (r *WorkerRegistry) Register(worker *types.Worker) *types.Worker {
	r.mu.Lock()

	now := time.Now()
	existing, ok := r.workers[worker.ID]
	if ok {
		existing.Capabilities = worker.Capabilities
		existing.PoolID = worker.PoolID
		existing.SessionToken = worker.SessionToken
		existing.LastHeartbeatAt = now
		if existing.Status == types.WorkerStatusOffline {
			existing.Status = types.WorkerStatusIdle
		}
		worker = existing
	} else {
		worker.Status = types.WorkerStatusIdle
		worker.ConnectedAt = now
		worker.LastHeartbeatAt = now
		r.workers[worker.ID] = worker
	}
	onChange := r.onChange
	r.mu.Unlock()

	r.updateMetrics()
	if onChange != nil {
		onChange()
	}
	return worker
}

// Heartbeat refreshes a worker's liveness. Any protocol message counts.
func (r *WorkerRegistry) Heartbeat(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("unknown worker: %s", workerID)
	}
	worker.LastHeartbeatAt = time.Now()
	if worker.Status == types.WorkerStatusOffline {
		worker.Status = types.WorkerStatusIdle
	}
	metrics.HeartbeatsReceived.Inc()
	return nil
}

// Get returns a snapshot of a worker
func (r *WorkerRegistry) Get(workerID string) (*types.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	worker, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	copied := *worker
	return &copied, true
}

// List returns snapshots of all workers
func (r *WorkerRegistry) List() []*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		copied := *w
		out = append(out, &copied)
	}
	return out
}

// CountActiveByPool counts non-offline workers in a pool. The pool registry
// uses it for the maxWorkers admission check.
func (r *WorkerRegistry) CountActiveByPool(poolID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, w := range r.workers {
		if w.PoolID == poolID && w.Status != types.WorkerStatusOffline {
			n++
		}
	}
	return n
}

// Acquire atomically binds an idle worker in the pool matching the labels to
// a job, marking it busy. Returns false when no worker qualifies.
func (r *WorkerRegistry) Acquire(poolID string, labels []string, jobID string) (*types.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.workers {
		if w.PoolID != poolID || w.Status != types.WorkerStatusIdle {
			continue
		}
		if !w.Capabilities.HasLabels(labels) {
			continue
		}
		w.Status = types.WorkerStatusBusy
		w.CurrentJobID = jobID
		copied := *w
		return &copied, true
	}
	return nil, false
}

// Release returns a worker to idle after its job finishes
func (r *WorkerRegistry) Release(workerID string) {
	r.mu.Lock()
	worker, ok := r.workers[workerID]
	if ok && worker.Status == types.WorkerStatusBusy {
		worker.Status = types.WorkerStatusIdle
		worker.CurrentJobID = ""
	}
	onChange := r.onChange
	r.mu.Unlock()

	r.updateMetrics()
	if ok && onChange != nil {
		onChange()
	}
}

// Remove deletes a worker on disconnect or explicit deletion
func (r *WorkerRegistry) Remove(workerID string) {
	r.mu.Lock()
	delete(r.workers, workerID)
	r.mu.Unlock()
	r.updateMetrics()
}

// Start begins the offline sweep loop
func (r *WorkerRegistry) Start() {
	go r.sweepLoop()
}

// Stop stops the sweep loop
func (r *WorkerRegistry) Stop() {
	close(r.stopCh)
}

func (r *WorkerRegistry) sweepLoop() {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

// Sweep marks workers offline once they have missed enough heartbeats and
// surfaces their running job through the worker-lost callback. Exposed for
// tests to drive the clock.
func (r *WorkerRegistry) Sweep(now time.Time) {
	logger := log.WithComponent("worker-registry")
	cutoff := time.Duration(r.missedBeats) * r.heartbeatInterval

	r.mu.Lock()
	var lost []*types.Worker
	for _, w := range r.workers {
		if w.Status == types.WorkerStatusOffline {
			continue
		}
		if now.Sub(w.LastHeartbeatAt) >= cutoff {
			logger.Warn().
				Str("worker_id", w.ID).
				Dur("since_heartbeat", now.Sub(w.LastHeartbeatAt)).
				Msg("worker missed heartbeats, marking offline")
			w.Status = types.WorkerStatusOffline
			if w.CurrentJobID != "" {
				copied := *w
				lost = append(lost, &copied)
				w.CurrentJobID = ""
			}
		}
	}
	onWorkerLost := r.onWorkerLost
	r.mu.Unlock()

	r.updateMetrics()
	if onWorkerLost != nil {
		for _, w := range lost {
			onWorkerLost(w)
		}
	}
}

func (r *WorkerRegistry) updateMetrics() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[[2]string]int)
	for _, w := range r.workers {
		counts[[2]string{w.PoolID, string(w.Status)}]++
	}
	metrics.WorkersTotal.Reset()
	for key, n := range counts {
		metrics.WorkersTotal.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}
