package storage

import (
	"errors"

	"github.com/hodei/pipelines/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// ErrIllegalTransition is returned when a job status update violates the
// state machine or the compare-and-set precondition
var ErrIllegalTransition = errors.New("illegal status transition")

// Store defines the repository semantics for orchestrator state. Job status
// changes go through UpdateJobStatus exclusively so every observed transition
// is a legal edge; the event log is append-only with a monotonic sequence
// per job.
type Store interface {
	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	ListJobsByStatus(status types.JobStatus) ([]*types.Job, error)

	// UpdateJobStatus moves a job from one status to another with
	// compare-and-set semantics: it fails with ErrIllegalTransition when the
	// stored status differs from `from` or the edge is not legal. The mutate
	// callback, when non-nil, adjusts the remaining fields atomically with
	// the transition.
	UpdateJobStatus(id string, from, to types.JobStatus, mutate func(*types.Job)) (*types.Job, error)

	// Events
	AppendEvent(event *types.ExecutionEvent) (uint64, error)
	ListEvents(jobID string, afterSeq uint64, limit int) ([]*types.ExecutionEvent, error)

	// Pools
	CreatePool(pool *types.ResourcePool) error
	GetPool(id string) (*types.ResourcePool, error)
	ListPools() ([]*types.ResourcePool, error)
	DeletePool(id string) error

	// Templates
	CreateTemplate(tpl *types.WorkerTemplate) error
	GetTemplate(id string) (*types.WorkerTemplate, error)
	ListTemplates() ([]*types.WorkerTemplate, error)
	ListTemplatesByPool(poolID string) ([]*types.WorkerTemplate, error)

	// Utility
	Close() error
}
