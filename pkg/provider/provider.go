package provider

import (
	"context"
	"errors"

	"github.com/hodei/pipelines/pkg/types"
)

// ErrInstanceNotFound is returned when an instance id is unknown to the provider
var ErrInstanceNotFound = errors.New("instance not found")

// Port is the capability contract every infrastructure driver implements.
// One provider serves one resource pool kind; concrete drivers (containers,
// VMs, pods) live outside this repository and plug in through this interface.
type Port interface {
	// Kind identifies the driver, e.g. "local-process"
	Kind() string

	// Provision materializes a new instance from a template. It blocks until
	// the instance exists or ctx expires; the caller bounds it with a timeout.
	Provision(ctx context.Context, tpl *types.WorkerTemplate, poolID string) (*types.InstanceHandle, error)

	// Delete tears an instance down
	Delete(ctx context.Context, instanceID string) error

	// SampleUtilization reports a live capacity snapshot for a pool
	SampleUtilization(ctx context.Context, poolID string) (*types.PoolUtilization, error)

	// ListInstances returns the instances the provider currently tracks for a pool
	ListInstances(ctx context.Context, poolID string) ([]*types.InstanceHandle, error)
}

// Healthy is an optional extension a provider may implement to report
// whether it can currently serve provisioning requests.
type Healthy interface {
	Healthy(ctx context.Context) bool
}

// IsHealthy reports a provider's health, defaulting to healthy for
// providers that do not implement the extension.
func IsHealthy(ctx context.Context, p Port) bool {
	if h, ok := p.(Healthy); ok {
		return h.Healthy(ctx)
	}
	return true
}
