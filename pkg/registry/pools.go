package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/hodei/pipelines/pkg/log"
	"github.com/hodei/pipelines/pkg/metrics"
	"github.com/hodei/pipelines/pkg/provider"
	"github.com/hodei/pipelines/pkg/types"
)

const (
	// DefaultPollInterval bounds how often providers are sampled
	DefaultPollInterval = 5 * time.Second

	// DefaultStaleAfter is the grace window after which a snapshot is
	// treated as max-loaded by the scheduler
	DefaultStaleAfter = 30 * time.Second
)

// PoolRegistry holds the configured resource pools, their providers and the
// cached utilization snapshots the scheduler ranks on.
type PoolRegistry struct {
	mu        sync.RWMutex
	pools     map[string]*types.ResourcePool
	providers map[string]provider.Port
	snapshots map[string]*types.PoolUtilization

	workers *WorkerRegistry

	pollInterval time.Duration
	staleAfter   time.Duration
	queuedFn     func(poolID string) int // Jobs currently queued for a pool

	stopCh chan struct{}
}

// PoolRegistryConfig tunes polling and staleness
type PoolRegistryConfig struct {
	PollInterval time.Duration
	StaleAfter   time.Duration
}

// NewPoolRegistry creates a pool registry backed by the worker registry for
// active-worker accounting.
func NewPoolRegistry(workers *WorkerRegistry, cfg PoolRegistryConfig) *PoolRegistry {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &PoolRegistry{
		pools:        make(map[string]*types.ResourcePool),
		providers:    make(map[string]provider.Port),
		snapshots:    make(map[string]*types.PoolUtilization),
		workers:      workers,
		pollInterval: cfg.PollInterval,
		staleAfter:   cfg.StaleAfter,
		stopCh:       make(chan struct{}),
	}
}

// SetQueuedFunc wires the queue depth per pool into snapshots
func (r *PoolRegistry) SetQueuedFunc(fn func(poolID string) int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queuedFn = fn
}

// AddPool registers a pool with its provider
func (r *PoolRegistry) AddPool(pool *types.ResourcePool, port provider.Port) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pools[pool.ID]; ok {
		return fmt.Errorf("pool already registered: %s", pool.ID)
	}
	r.pools[pool.ID] = pool
	r.providers[pool.ID] = port
	return nil
}

// RemovePool deletes a pool. It is forbidden while workers reference it.
func (r *PoolRegistry) RemovePool(poolID string) error {
	if n := r.workers.CountActiveByPool(poolID); n > 0 {
		return fmt.Errorf("pool %s still has %d active workers", poolID, n)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pools, poolID)
	delete(r.providers, poolID)
	delete(r.snapshots, poolID)
	return nil
}

// Get returns a pool by id
func (r *PoolRegistry) Get(poolID string) (*types.ResourcePool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool, ok := r.pools[poolID]
	if !ok {
		return nil, false
	}
	copied := *pool
	return &copied, true
}

// List returns all pools
func (r *PoolRegistry) List() []*types.ResourcePool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.ResourcePool, 0, len(r.pools))
	for _, pool := range r.pools {
		copied := *pool
		out = append(out, &copied)
	}
	return out
}

// Provider returns the provider serving a pool
func (r *PoolRegistry) Provider(poolID string) (provider.Port, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[poolID]
	return p, ok
}

// Healthy reports whether the pool's provider can currently accept
// provisioning requests. Pools without a provider are unhealthy; providers
// that do not report health count as healthy.
func (r *PoolRegistry) Healthy(poolID string) bool {
	port, ok := r.Provider(poolID)
	if !ok || port == nil {
		return false
	}
	return provider.IsHealthy(context.Background(), port)
}

// Snapshot returns the cached utilization for a pool
func (r *PoolRegistry) Snapshot(poolID string) (*types.PoolUtilization, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.snapshots[poolID]
	if !ok {
		return nil, false
	}
	copied := *u
	return &copied, true
}

// Stale reports whether a pool's snapshot is missing or older than the
// grace window. The scheduler treats stale pools as max-loaded.
func (r *PoolRegistry) Stale(poolID string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.snapshots[poolID]
	if !ok {
		return true
	}
	return now.Sub(u.SampledAt) > r.staleAfter
}

// CanProvision checks the maxWorkers admission at the moment of provisioning
func (r *PoolRegistry) CanProvision(poolID string) bool {
	r.mu.RLock()
	pool, ok := r.pools[poolID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.workers.CountActiveByPool(poolID) < pool.MaxWorkers
}

// PushUtilization accepts asynchronous utilization updates from providers
func (r *PoolRegistry) PushUtilization(u *types.PoolUtilization) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.SampledAt.IsZero() {
		u.SampledAt = time.Now()
	}
	r.snapshots[u.PoolID] = u
}

// Start begins the bounded utilization poll loop
func (r *PoolRegistry) Start() {
	go r.pollLoop()
}

// Stop stops the poll loop
func (r *PoolRegistry) Stop() {
	close(r.stopCh)
}

func (r *PoolRegistry) pollLoop() {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Poll(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// Poll samples every provider once, with short retries on transient errors.
// Exposed for tests to drive sampling deterministically.
func (r *PoolRegistry) Poll(ctx context.Context) {
	logger := log.WithComponent("pool-registry")

	r.mu.RLock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, poolID := range ids {
		port, ok := r.Provider(poolID)
		if !ok {
			continue
		}

		sampleCtx, cancel := context.WithTimeout(ctx, r.pollInterval)
		var sample *types.PoolUtilization
		err := retry.Do(
			func() error {
				var err error
				sample, err = port.SampleUtilization(sampleCtx, poolID)
				return err
			},
			retry.Attempts(3),
			retry.Delay(100*time.Millisecond),
			retry.LastErrorOnly(true),
		)
		cancel()
		if err != nil {
			metrics.UtilizationSampleErrors.WithLabelValues(poolID).Inc()
			logger.Warn().Str("pool_id", poolID).Err(err).Msg("utilization sample failed")
			continue
		}

		sample.PoolID = poolID
		sample.ActiveWorkers = r.workers.CountActiveByPool(poolID)
		r.mu.RLock()
		queuedFn := r.queuedFn
		r.mu.RUnlock()
		if queuedFn != nil {
			sample.QueuedJobs = queuedFn(poolID)
		}
		r.PushUtilization(sample)
	}
}
