package provider

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hodei/pipelines/pkg/types"
)

// StaticProvider is an in-memory Port for pools whose workers are managed
// out of band: instances exist only as records and utilization is whatever
// was last pushed. Tests and externally-joined worker pools use it.
type StaticProvider struct {
	kind string

	mu          sync.Mutex
	utilization map[string]*types.PoolUtilization
	instances   map[string]*types.InstanceHandle
	healthy     bool
	provisionFn func(poolID string) error // Optional failure injection
}

// NewStaticProvider creates a static provider of the given kind
func NewStaticProvider(kind string) *StaticProvider {
	return &StaticProvider{
		kind:        kind,
		utilization: make(map[string]*types.PoolUtilization),
		instances:   make(map[string]*types.InstanceHandle),
		healthy:     true,
	}
}

// Kind identifies the driver
func (p *StaticProvider) Kind() string {
	return p.kind
}

// SetUtilization pushes a utilization snapshot for a pool
func (p *StaticProvider) SetUtilization(u *types.PoolUtilization) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u.SampledAt.IsZero() {
		u.SampledAt = time.Now()
	}
	p.utilization[u.PoolID] = u
}

// SetHealthy toggles the provider's health report
func (p *StaticProvider) SetHealthy(h bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = h
}

// FailProvisioning injects a provisioning error for testing
func (p *StaticProvider) FailProvisioning(fn func(poolID string) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.provisionFn = fn
}

// Healthy implements the optional health extension
func (p *StaticProvider) Healthy(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// Provision records a new instance
func (p *StaticProvider) Provision(ctx context.Context, tpl *types.WorkerTemplate, poolID string) (*types.InstanceHandle, error) {
	p.mu.Lock()
	fn := p.provisionFn
	p.mu.Unlock()
	if fn != nil {
		if err := fn(poolID); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	handle := &types.InstanceHandle{
		ID:        "inst-" + uuid.New().String(),
		PoolID:    poolID,
		CreatedAt: time.Now(),
	}
	if tpl != nil {
		handle.Template = tpl.ID
	}

	p.mu.Lock()
	p.instances[handle.ID] = handle
	p.mu.Unlock()
	return handle, nil
}

// Delete removes an instance record
func (p *StaticProvider) Delete(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.instances[instanceID]; !ok {
		return ErrInstanceNotFound
	}
	delete(p.instances, instanceID)
	return nil
}

// SampleUtilization returns the last pushed snapshot
func (p *StaticProvider) SampleUtilization(ctx context.Context, poolID string) (*types.PoolUtilization, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.utilization[poolID]; ok {
		copied := *u
		return &copied, nil
	}
	active := 0
	for _, h := range p.instances {
		if h.PoolID == poolID {
			active++
		}
	}
	return &types.PoolUtilization{PoolID: poolID, ActiveWorkers: active, SampledAt: time.Now()}, nil
}

// ListInstances returns recorded instances for a pool
func (p *StaticProvider) ListInstances(ctx context.Context, poolID string) ([]*types.InstanceHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var handles []*types.InstanceHandle
	for _, h := range p.instances {
		if h.PoolID == poolID {
			handles = append(handles, h)
		}
	}
	return handles, nil
}
