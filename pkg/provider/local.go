package provider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hodei/pipelines/pkg/log"
	"github.com/hodei/pipelines/pkg/types"
)

// LocalProcessProvider is the reference Port implementation. It launches
// worker processes on the orchestrator host with os/exec, which exercises
// the full provisioning path without a container or VM driver.
type LocalProcessProvider struct {
	serverAddr string
	binary     string

	mu        sync.Mutex
	instances map[string]*localInstance
}

type localInstance struct {
	handle *types.InstanceHandle
	cmd    *exec.Cmd
}

// LocalConfig configures the local process provider
type LocalConfig struct {
	ServerAddr string // gRPC address workers connect back to
	Binary     string // Worker binary; defaults to the current executable
}

// NewLocalProcessProvider creates the provider
func NewLocalProcessProvider(cfg LocalConfig) *LocalProcessProvider {
	binary := cfg.Binary
	if binary == "" {
		if exe, err := os.Executable(); err == nil {
			binary = exe
		}
	}
	return &LocalProcessProvider{
		serverAddr: cfg.ServerAddr,
		binary:     binary,
		instances:  make(map[string]*localInstance),
	}
}

// Kind identifies the driver
func (p *LocalProcessProvider) Kind() string {
	return "local-process"
}

// Provision starts a worker subprocess connected back to the orchestrator
func (p *LocalProcessProvider) Provision(ctx context.Context, tpl *types.WorkerTemplate, poolID string) (*types.InstanceHandle, error) {
	logger := log.WithComponent("local-provider")

	instanceID := "inst-" + uuid.New().String()
	args := []string{
		"worker",
		"--server", p.serverAddr,
		"--pool", poolID,
		"--worker-id", instanceID,
	}
	if tpl != nil {
		for _, label := range tpl.Labels {
			args = append(args, "--label", label)
		}
	}

	cmd := exec.Command(p.binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	handle := &types.InstanceHandle{
		ID:        instanceID,
		PoolID:    poolID,
		Address:   "localhost",
		CreatedAt: time.Now(),
	}
	if tpl != nil {
		handle.Template = tpl.ID
	}

	p.mu.Lock()
	p.instances[instanceID] = &localInstance{handle: handle, cmd: cmd}
	p.mu.Unlock()

	// Reap the process so a crashed worker does not linger as a zombie.
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		delete(p.instances, instanceID)
		p.mu.Unlock()
		if err != nil {
			logger.Warn().Str("instance_id", instanceID).Err(err).Msg("worker process exited")
		}
	}()

	logger.Info().Str("instance_id", instanceID).Str("pool_id", poolID).Msg("worker process started")
	return handle, nil
}

// Delete stops a worker process
func (p *LocalProcessProvider) Delete(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	inst, ok := p.instances[instanceID]
	delete(p.instances, instanceID)
	p.mu.Unlock()

	if !ok {
		return ErrInstanceNotFound
	}
	if inst.cmd.Process != nil {
		return inst.cmd.Process.Kill()
	}
	return nil
}

// SampleUtilization reports active instances; the local driver has no
// per-instance cpu/memory accounting, so percentages stay zero and the
// scheduler ranks on worker counts.
func (p *LocalProcessProvider) SampleUtilization(ctx context.Context, poolID string) (*types.PoolUtilization, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := 0
	for _, inst := range p.instances {
		if inst.handle.PoolID == poolID {
			active++
		}
	}
	return &types.PoolUtilization{
		PoolID:        poolID,
		ActiveWorkers: active,
		SampledAt:     time.Now(),
	}, nil
}

// ListInstances returns the tracked instances for a pool
func (p *LocalProcessProvider) ListInstances(ctx context.Context, poolID string) ([]*types.InstanceHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var handles []*types.InstanceHandle
	for _, inst := range p.instances {
		if inst.handle.PoolID == poolID {
			handles = append(handles, inst.handle)
		}
	}
	return handles, nil
}
