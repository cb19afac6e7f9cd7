package types

import (
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

// Job represents a single submitted pipeline execution
type Job struct {
	ID               string
	Name             string
	Definition       *JobDefinition
	Priority         int // Higher priority jobs are placed first
	Status           JobStatus
	AssignedWorkerID string
	AssignedPoolID   string
	CreatedAt        time.Time
	StartedAt        time.Time // Set when the job first reaches RUNNING
	CompletedAt      time.Time // Set when the job reaches a terminal state
	ExitCode         int
	FailureReason    *Failure
	CancelReason     string
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs are immutable.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// LegalTransition reports whether a job may move from one status to another.
// Cancellation is reachable from any non-terminal state.
func LegalTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == JobStatusCancelled {
		return true
	}
	switch from {
	case JobStatusQueued:
		return to == JobStatusScheduled || to == JobStatusFailed
	case JobStatusScheduled:
		return to == JobStatusRunning || to == JobStatusFailed
	case JobStatusRunning:
		return to == JobStatusCompleted || to == JobStatusFailed
	}
	return false
}

// JobDefinition is the executable payload of a job: the pipeline model plus
// placement requirements, parameters and job-level environment.
type JobDefinition struct {
	Pipeline         *PipelineModel
	Requirements     *WorkerRequirements
	Parameters       map[string]string
	Env              map[string]string
	Artifacts        []*ArtifactRef // Inputs pushed to the worker before execution
	ExecutionTimeout time.Duration  // Optional overall job timeout (0 = none)
}

// WorkerRequirements declares placement constraints for a job
type WorkerRequirements struct {
	Labels              []string // All must be satisfied by the pool/worker capability set
	MinCPU              resource.Quantity
	MinMemory           resource.Quantity
	PreferredTemplateID string        // Soft hint for provisioning
	MaxWaitTime         time.Duration // Queue eviction deadline (0 = wait forever)
}

// Worker represents a connected execution agent
type Worker struct {
	ID              string
	PoolID          string
	Capabilities    *WorkerCapabilities
	Status          WorkerStatus
	CurrentJobID    string
	LastHeartbeatAt time.Time
	SessionToken    string
	ConnectedAt     time.Time
	InstanceID      string // Provider instance backing this worker, if provisioned
	Ephemeral       bool   // Destroy the instance after its job completes
}

// WorkerCapabilities describes what a worker can run
type WorkerCapabilities struct {
	Labels     []string
	Attributes map[string]string
}

// HasLabels reports whether every requested label is present.
func (c *WorkerCapabilities) HasLabels(labels []string) bool {
	if c == nil {
		return len(labels) == 0
	}
	for _, want := range labels {
		found := false
		for _, have := range c.Labels {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// WorkerStatus represents the current state of a worker
type WorkerStatus string

const (
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusBusy     WorkerStatus = "busy"
	WorkerStatusDraining WorkerStatus = "draining"
	WorkerStatusOffline  WorkerStatus = "offline"
)

// ResourcePool is a named capacity bucket served by one provider
type ResourcePool struct {
	ID           string
	Name         string
	ProviderKind string
	MaxWorkers   int
	Labels       []string
	TemplateID   string // Default template used when provisioning on demand
	Ephemeral    bool   // Workers provisioned for a job are destroyed after it
	CreatedAt    time.Time
}

// PoolUtilization is a live capacity snapshot for a pool
type PoolUtilization struct {
	PoolID        string
	CPUPct        float64
	MemoryPct     float64
	ActiveWorkers int
	QueuedJobs    int
	SampledAt     time.Time
}

// WorkerTemplate describes how to materialize a worker instance
type WorkerTemplate struct {
	ID       string
	Name     string
	PoolID   string
	Labels   []string
	CPU      resource.Quantity
	Memory   resource.Quantity
	Settings map[string]string // Provider-specific settings
}

// Satisfies reports whether the template covers the job's minimum resources.
func (t *WorkerTemplate) Satisfies(req *WorkerRequirements) bool {
	if req == nil {
		return true
	}
	if t.CPU.Cmp(req.MinCPU) < 0 {
		return false
	}
	if t.Memory.Cmp(req.MinMemory) < 0 {
		return false
	}
	return true
}

// InstanceHandle identifies a provisioned compute instance
type InstanceHandle struct {
	ID        string
	PoolID    string
	Template  string
	Address   string
	CreatedAt time.Time
}

// Artifact is a content-addressed blob transferred between orchestrator and workers
type Artifact struct {
	ID        string
	Checksum  string // SHA-256 over the decompressed content, hex encoded
	SizeBytes int64
	Encoding  ArtifactEncoding
}

// ArtifactEncoding identifies the on-wire encoding of artifact chunks
type ArtifactEncoding string

const (
	ArtifactEncodingRaw  ArtifactEncoding = "raw"
	ArtifactEncodingGzip ArtifactEncoding = "gzip"
)

// ArtifactRef binds a required artifact to its destination on the worker
type ArtifactRef struct {
	ID              string
	DestinationPath string
}

// ExecutionEvent is an immutable record appended to a job's event log
type ExecutionEvent struct {
	JobID     string
	Seq       uint64 // Monotonic per job, assigned by the event log
	Timestamp time.Time
	Kind      EventKind
	Stage     string
	Step      string
	Stream    string // "stdout" or "stderr" for StepOutput events
	Message   string
	Output    []byte // Raw chunk payload for StepOutput events
	Data      map[string]string
}

// EventKind identifies the type of an execution event
type EventKind string

const (
	EventJobQueued              EventKind = "JobQueued"
	EventJobScheduled           EventKind = "JobScheduled"
	EventJobStarted             EventKind = "JobStarted"
	EventStageStarted           EventKind = "StageStarted"
	EventStageCompleted         EventKind = "StageCompleted"
	EventStageFailed            EventKind = "StageFailed"
	EventParallelGroupStarted   EventKind = "ParallelGroupStarted"
	EventParallelGroupCompleted EventKind = "ParallelGroupCompleted"
	EventStepOutput             EventKind = "StepOutput"
	EventRetryAttempt           EventKind = "RetryAttempt"
	EventJobCompleted           EventKind = "JobCompleted"
	EventJobFailed              EventKind = "JobFailed"
	EventJobCancelled           EventKind = "JobCancelled"
	EventWorkerAssigned         EventKind = "WorkerAssigned"
	EventWorkerLost             EventKind = "WorkerLost"
)
