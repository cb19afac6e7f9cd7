package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hodei/pipelines/api/wire"
	"github.com/hodei/pipelines/pkg/events"
	"github.com/hodei/pipelines/pkg/log"
	"github.com/hodei/pipelines/pkg/metrics"
	"github.com/hodei/pipelines/pkg/registry"
	"github.com/hodei/pipelines/pkg/storage"
	"github.com/hodei/pipelines/pkg/types"
)

const (
	// DefaultProvisionTimeout bounds the wait for a worker after placement
	DefaultProvisionTimeout = 2 * time.Minute

	// DefaultAcquireInterval is the retry cadence while waiting for an idle
	// worker to appear
	DefaultAcquireInterval = 500 * time.Millisecond

	// DefaultCancelGrace is how long a worker may wind down before the kill
	DefaultCancelGrace = 30 * time.Second

	// gzipThreshold is the artifact size above which chunks are compressed
	gzipThreshold = 4 * 1024
)

// Sender delivers a message to a connected worker's session
type Sender interface {
	Send(workerID string, msg *wire.OrchestratorMessage) error
}

// ArtifactSource resolves artifact content for transfer to workers
type ArtifactSource interface {
	Get(id string) (*types.Artifact, []byte, error)
}

// execution is the engine's in-memory record of one placed job
type execution struct {
	job    *types.Job
	poolID string

	mu              sync.Mutex
	workerID        string
	cancelRequested bool
	cancelReason    string
	stopWait        chan struct{} // Closed to abort the acquire wait
	stopOnce        sync.Once
}

func (x *execution) abortWait() {
	x.stopOnce.Do(func() { close(x.stopWait) })
}

func (x *execution) requestCancel(reason string) {
	x.mu.Lock()
	x.cancelRequested = true
	x.cancelReason = reason
	x.mu.Unlock()
	x.abortWait()
}

func (x *execution) cancelled() (bool, string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cancelRequested, x.cancelReason
}

// Config tunes the engine
type Config struct {
	ProvisionTimeout time.Duration
	AcquireInterval  time.Duration
	CancelGrace      time.Duration
}

// Engine drives placed jobs through execution: it acquires or provisions a
// worker, dispatches the assignment with its artifacts, relays status into
// the event log and finalizes the terminal state. One goroutine supervises
// each job from placement to dispatch.
type Engine struct {
	store     storage.Store
	workers   *registry.WorkerRegistry
	pools     *registry.PoolRegistry
	broker    *events.Broker
	artifacts ArtifactSource
	sender    Sender
	tick      func()

	cfg Config

	mu    sync.Mutex
	execs map[string]*execution

	logger zerolog.Logger
}

// New creates an engine over the shared orchestrator state
func New(store storage.Store, workers *registry.WorkerRegistry, pools *registry.PoolRegistry,
	broker *events.Broker, cfg Config) *Engine {
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = DefaultProvisionTimeout
	}
	if cfg.AcquireInterval <= 0 {
		cfg.AcquireInterval = DefaultAcquireInterval
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	return &Engine{
		store:   store,
		workers: workers,
		pools:   pools,
		broker:  broker,
		cfg:     cfg,
		execs:   make(map[string]*execution),
		logger:  log.WithComponent("engine"),
	}
}

// SetSender wires the worker session endpoint
func (e *Engine) SetSender(s Sender) { e.sender = s }

// SetArtifactSource wires artifact content resolution
func (e *Engine) SetArtifactSource(src ArtifactSource) { e.artifacts = src }

// SetTickFunc wires the scheduler trigger fired when capacity frees up
func (e *Engine) SetTickFunc(fn func()) { e.tick = fn }

// Place takes over a job the scheduler matched to a pool. It transitions the
// job to SCHEDULED and supervises it asynchronously. A cancellation that won
// the race leaves the job untouched.
func (e *Engine) Place(job *types.Job, pool *types.ResourcePool) error {
	updated, err := e.store.UpdateJobStatus(job.ID, types.JobStatusQueued, types.JobStatusScheduled,
		func(j *types.Job) { j.AssignedPoolID = pool.ID })
	if errors.Is(err, storage.ErrIllegalTransition) {
		e.logger.Debug().Str("job_id", job.ID).Msg("job left the queue state before placement, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	e.appendEvent(&types.ExecutionEvent{
		JobID:   job.ID,
		Kind:    types.EventJobScheduled,
		Message: "placed on pool " + pool.ID,
		Data:    map[string]string{"pool_id": pool.ID},
	})

	exec := &execution{
		job:      updated,
		poolID:   pool.ID,
		stopWait: make(chan struct{}),
	}
	e.mu.Lock()
	e.execs[job.ID] = exec
	e.mu.Unlock()

	go e.acquireAndDispatch(exec, pool)
	return nil
}

// Cancel interrupts a job under engine control. Reports false when the
// engine holds no record of the job.
func (e *Engine) Cancel(job *types.Job, reason string) bool {
	e.mu.Lock()
	exec, ok := e.execs[job.ID]
	e.mu.Unlock()
	if !ok {
		return false
	}

	exec.requestCancel(reason)

	exec.mu.Lock()
	workerID := exec.workerID
	exec.mu.Unlock()
	if workerID != "" && e.sender != nil {
		err := e.sender.Send(workerID, &wire.OrchestratorMessage{
			Cancel: &wire.CancelRequest{
				JobID:  job.ID,
				Reason: reason,
				Grace:  e.cfg.CancelGrace,
			},
		})
		if err != nil {
			e.logger.Warn().Str("job_id", job.ID).Err(err).Msg("cancel delivery failed")
		}
	}
	return true
}

// acquireAndDispatch finds a worker for the job, provisioning one when the
// pool has no idle capacity and admission allows it.
func (e *Engine) acquireAndDispatch(exec *execution, pool *types.ResourcePool) {
	job := exec.job
	labels := requirementLabels(job)
	deadline := time.Now().Add(e.cfg.ProvisionTimeout)
	provisioned := false

	for {
		if cancelled, reason := exec.cancelled(); cancelled {
			e.finalize(job.ID, types.JobStatusCancelled, func(j *types.Job) {
				j.CancelReason = reason
				j.ExitCode = types.FailureCancelled.ExitCode()
			})
			return
		}

		if worker, ok := e.workers.Acquire(pool.ID, labels, job.ID); ok {
			e.bindAndDispatch(exec, worker)
			return
		}

		if !provisioned && e.pools.CanProvision(pool.ID) {
			provisioned = true
			if failure := e.provision(pool, job); failure != nil {
				e.failJob(job.ID, failure)
				return
			}
		}

		if time.Now().After(deadline) {
			e.failJob(job.ID, types.NewFailure(types.FailureWorkerProvisioningTimeout,
				"no worker available in pool %s within %s", pool.ID, e.cfg.ProvisionTimeout))
			return
		}

		select {
		case <-time.After(e.cfg.AcquireInterval):
		case <-exec.stopWait:
		}
	}
}

// provision asks the pool's provider for a new worker instance
func (e *Engine) provision(pool *types.ResourcePool, job *types.Job) *types.Failure {
	port, ok := e.pools.Provider(pool.ID)
	if !ok {
		return types.NewFailure(types.FailureProvisioningFailed, "pool %s has no provider", pool.ID)
	}

	tpl, failure := e.resolveTemplate(pool, job)
	if failure != nil {
		return failure
	}

	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ProvisionTimeout)
	defer cancel()

	handle, err := port.Provision(ctx, tpl, pool.ID)
	timer.ObserveDuration(metrics.ProvisioningDuration.WithLabelValues(pool.ID))
	if err != nil {
		return types.NewFailure(types.FailureProvisioningFailed,
			"provisioning in pool %s: %v", pool.ID, err)
	}

	e.logger.Info().
		Str("job_id", job.ID).
		Str("pool_id", pool.ID).
		Str("instance_id", handle.ID).
		Msg("worker instance provisioned")
	return nil
}

// resolveTemplate honors the job's preferred template when it fits, falling
// back to the pool default.
func (e *Engine) resolveTemplate(pool *types.ResourcePool, job *types.Job) (*types.WorkerTemplate, *types.Failure) {
	var req *types.WorkerRequirements
	if job.Definition != nil {
		req = job.Definition.Requirements
	}

	if req != nil && req.PreferredTemplateID != "" {
		if tpl, err := e.store.GetTemplate(req.PreferredTemplateID); err == nil && tpl.Satisfies(req) {
			return tpl, nil
		}
	}
	if pool.TemplateID != "" {
		if tpl, err := e.store.GetTemplate(pool.TemplateID); err == nil {
			return tpl, nil
		}
	}
	tpls, err := e.store.ListTemplatesByPool(pool.ID)
	if err == nil {
		for _, tpl := range tpls {
			if tpl.Satisfies(req) {
				return tpl, nil
			}
		}
	}
	return nil, types.NewFailure(types.FailureProvisioningFailed,
		"pool %s has no template satisfying the job requirements", pool.ID)
}

// bindAndDispatch records the worker binding and sends the assignment,
// querying the worker's artifact cache first when the job carries inputs.
func (e *Engine) bindAndDispatch(exec *execution, worker *types.Worker) {
	job := exec.job
	exec.mu.Lock()
	exec.workerID = worker.ID
	exec.mu.Unlock()

	e.appendEvent(&types.ExecutionEvent{
		JobID:   job.ID,
		Kind:    types.EventWorkerAssigned,
		Message: "bound to worker " + worker.ID,
		Data:    map[string]string{"worker_id": worker.ID, "pool_id": worker.PoolID},
	})

	if cancelled, reason := exec.cancelled(); cancelled {
		e.workers.Release(worker.ID)
		e.finalize(job.ID, types.JobStatusCancelled, func(j *types.Job) {
			j.CancelReason = reason
			j.ExitCode = types.FailureCancelled.ExitCode()
		})
		return
	}

	refs := artifactRefs(job)
	if len(refs) > 0 {
		ids := make([]string, len(refs))
		for i, ref := range refs {
			ids[i] = ref.ID
		}
		err := e.sender.Send(worker.ID, &wire.OrchestratorMessage{
			CacheQuery: &wire.CacheQuery{JobID: job.ID, Artifacts: ids},
		})
		if err != nil {
			e.failJob(job.ID, types.NewFailure(types.FailureWorkerLost,
				"dispatch to worker %s: %v", worker.ID, err))
			e.workers.Release(worker.ID)
		}
		// Assignment follows in HandleCacheResponse
		return
	}

	e.sendAssignment(exec)
}

func (e *Engine) sendAssignment(exec *execution) {
	job := exec.job
	exec.mu.Lock()
	workerID := exec.workerID
	exec.mu.Unlock()

	err := e.sender.Send(workerID, &wire.OrchestratorMessage{
		Assignment: &wire.Assignment{
			JobID:      job.ID,
			JobName:    job.Name,
			Definition: job.Definition,
			Artifacts:  artifactRefs(job),
			AssignedAt: time.Now(),
		},
	})
	if err != nil {
		e.workers.Release(workerID)
		e.failJob(job.ID, types.NewFailure(types.FailureWorkerLost,
			"dispatch to worker %s: %v", workerID, err))
	}
}

// HandleCacheResponse streams the artifacts the worker is missing, then the
// assignment. A hit whose checksum matches the stored content skips the
// transfer; a hit with a stale checksum is re-sent.
func (e *Engine) HandleCacheResponse(resp *wire.CacheResponse) {
	exec := e.get(resp.JobID)
	if exec == nil {
		return
	}
	job := exec.job

	cached := make(map[string]string, len(resp.Entries))
	for _, entry := range resp.Entries {
		if entry.Present {
			cached[entry.ArtifactID] = entry.Checksum
		}
	}

	for _, ref := range artifactRefs(job) {
		workerSum, present := cached[ref.ID]
		if e.artifacts == nil {
			if present {
				// No copy of our own to compare against; the worker's
				// cache is the only source of the content
				metrics.ArtifactCacheHits.Inc()
				continue
			}
			e.failJob(job.ID, types.NewFailure(types.FailureMissingArtifact,
				"artifact %s requested but no artifact source configured", ref.ID))
			return
		}
		meta, content, err := e.artifacts.Get(ref.ID)
		if err != nil {
			if present {
				metrics.ArtifactCacheHits.Inc()
				continue
			}
			e.failJob(job.ID, types.NewFailure(types.FailureMissingArtifact,
				"artifact %s: %v", ref.ID, err))
			return
		}
		want := meta.Checksum
		if want == "" {
			want = wire.Checksum(content)
		}
		if present && workerSum == want {
			metrics.ArtifactCacheHits.Inc()
			continue
		}

		encoding := meta.Encoding
		if encoding == "" {
			encoding = types.ArtifactEncodingRaw
			if len(content) > gzipThreshold {
				encoding = types.ArtifactEncodingGzip
			}
		}
		chunks, err := wire.ChunkArtifact(job.ID, ref.ID, content, encoding, ref.DestinationPath)
		if err != nil {
			e.failJob(job.ID, types.NewFailure(types.FailureInternal, "chunk artifact %s: %v", ref.ID, err))
			return
		}

		exec.mu.Lock()
		workerID := exec.workerID
		exec.mu.Unlock()
		for _, chunk := range chunks {
			if err := e.sender.Send(workerID, &wire.OrchestratorMessage{Chunk: chunk}); err != nil {
				e.workers.Release(workerID)
				e.failJob(job.ID, types.NewFailure(types.FailureWorkerLost,
					"artifact transfer to worker %s: %v", workerID, err))
				return
			}
			metrics.ArtifactBytesSent.Add(float64(len(chunk.Data)))
		}
	}

	e.sendAssignment(exec)
}

// HandleStatus appends a relayed execution event. The JobStarted event moves
// the job to RUNNING and pins the worker binding.
func (e *Engine) HandleStatus(update *wire.StatusUpdate) {
	if update.Event == nil {
		return
	}
	event := update.Event
	event.JobID = update.JobID

	if event.Kind == types.EventJobStarted {
		exec := e.get(update.JobID)
		workerID := ""
		if exec != nil {
			exec.mu.Lock()
			workerID = exec.workerID
			exec.mu.Unlock()
		}
		_, err := e.store.UpdateJobStatus(update.JobID, types.JobStatusScheduled, types.JobStatusRunning,
			func(j *types.Job) { j.AssignedWorkerID = workerID })
		if err != nil && !errors.Is(err, storage.ErrIllegalTransition) {
			e.logger.Error().Str("job_id", update.JobID).Err(err).Msg("running transition failed")
		}
	}

	e.appendEvent(event)
}

// HandleLog appends a step output chunk to the event log
func (e *Engine) HandleLog(chunk *wire.LogChunk) {
	e.appendEvent(&types.ExecutionEvent{
		JobID:  chunk.JobID,
		Kind:   types.EventStepOutput,
		Stage:  chunk.Stage,
		Step:   chunk.Step,
		Stream: chunk.Stream,
		Output: chunk.Data,
	})
}

// HandleResult finalizes a job from the worker's terminal report. A
// cancellation requested while the job ran takes precedence over the
// reported outcome.
func (e *Engine) HandleResult(result *wire.ExecutionResult) {
	exec := e.take(result.JobID)

	cancelledReq := false
	reason := ""
	workerID := ""
	if exec != nil {
		cancelledReq, reason = exec.cancelled()
		exec.mu.Lock()
		workerID = exec.workerID
		exec.mu.Unlock()
	}

	if cancelledReq || result.Status == types.JobStatusCancelled {
		if reason == "" {
			reason = "cancelled on worker"
		}
		e.finalize(result.JobID, types.JobStatusCancelled, func(j *types.Job) {
			j.CancelReason = reason
			j.ExitCode = types.FailureCancelled.ExitCode()
		})
	} else if result.Status == types.JobStatusCompleted {
		e.finalize(result.JobID, types.JobStatusCompleted, func(j *types.Job) {
			j.ExitCode = result.ExitCode
		})
	} else {
		failure := result.Failure
		if failure == nil {
			failure = types.NewFailure(types.FailureInternal, "worker reported failure without a reason")
		}
		metrics.JobsFailed.WithLabelValues(failure.Kind.Code()).Inc()
		e.finalize(result.JobID, types.JobStatusFailed, func(j *types.Job) {
			j.FailureReason = failure
			j.ExitCode = failure.Kind.ExitCode()
		})
	}

	if workerID != "" {
		e.releaseOrTearDown(workerID)
	}
	if e.tick != nil {
		e.tick()
	}
}

// HandleArtifactAck reacts to a worker rejecting an artifact transfer. A
// positive ack needs no action; chunks and the assignment were already sent.
func (e *Engine) HandleArtifactAck(ack *wire.ArtifactAck) {
	if ack.OK {
		return
	}
	workerID := ""
	if exec := e.get(ack.JobID); exec != nil {
		exec.mu.Lock()
		workerID = exec.workerID
		exec.mu.Unlock()
	}
	e.failJob(ack.JobID, types.NewFailure(types.FailureMissingArtifact,
		"artifact %s rejected by worker: %s", ack.ArtifactID, ack.Error))
	if workerID != "" {
		e.releaseOrTearDown(workerID)
	}
}

// HandleWorkerLost fails the job a swept worker was running. Jobs are never
// re-dispatched automatically; the failure is surfaced for the submitter.
func (e *Engine) HandleWorkerLost(worker *types.Worker) {
	jobID := worker.CurrentJobID
	if jobID == "" {
		return
	}
	e.take(jobID)

	e.appendEvent(&types.ExecutionEvent{
		JobID:   jobID,
		Kind:    types.EventWorkerLost,
		Message: "worker " + worker.ID + " stopped heartbeating",
		Data:    map[string]string{"worker_id": worker.ID},
	})
	e.failJob(jobID, types.NewFailure(types.FailureWorkerLost,
		"worker %s lost while running the job", worker.ID))

	if worker.Ephemeral && worker.InstanceID != "" {
		e.deleteInstance(worker)
	}
	if e.tick != nil {
		e.tick()
	}
}

// NewSessionToken mints the token a provisioned instance must present at
// registration.
func NewSessionToken() string {
	return uuid.New().String()
}

// releaseOrTearDown returns the worker to the idle pool, or destroys its
// instance when the worker is ephemeral.
func (e *Engine) releaseOrTearDown(workerID string) {
	worker, ok := e.workers.Get(workerID)
	if !ok {
		return
	}
	if worker.Ephemeral && worker.InstanceID != "" {
		e.workers.Remove(workerID)
		e.deleteInstance(worker)
		return
	}
	e.workers.Release(workerID)
}

func (e *Engine) deleteInstance(worker *types.Worker) {
	port, ok := e.pools.Provider(worker.PoolID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := port.Delete(ctx, worker.InstanceID); err != nil {
		e.logger.Warn().
			Str("worker_id", worker.ID).
			Str("instance_id", worker.InstanceID).
			Err(err).
			Msg("ephemeral instance teardown failed")
	}
}

// failJob transitions a job to FAILED from whatever non-terminal state it is
// in and drops the execution record.
func (e *Engine) failJob(jobID string, failure *types.Failure) {
	e.take(jobID)
	e.finalize(jobID, types.JobStatusFailed, func(j *types.Job) {
		j.FailureReason = failure
		j.ExitCode = failure.Kind.ExitCode()
	})
	metrics.JobsFailed.WithLabelValues(failure.Kind.Code()).Inc()
}

// finalize moves a job to a terminal state, tolerating a concurrent
// transition by re-reading the current status.
func (e *Engine) finalize(jobID string, to types.JobStatus, mutate func(*types.Job)) {
	e.take(jobID)

	var event types.EventKind
	switch to {
	case types.JobStatusCompleted:
		event = types.EventJobCompleted
	case types.JobStatusCancelled:
		event = types.EventJobCancelled
	default:
		event = types.EventJobFailed
	}

	for attempt := 0; attempt < 3; attempt++ {
		job, err := e.store.GetJob(jobID)
		if err != nil {
			e.logger.Error().Str("job_id", jobID).Err(err).Msg("finalize read failed")
			return
		}
		if job.Status.Terminal() {
			return
		}
		_, err = e.store.UpdateJobStatus(jobID, job.Status, to, mutate)
		if err == nil {
			e.appendEvent(&types.ExecutionEvent{JobID: jobID, Kind: event})
			e.logger.Info().Str("job_id", jobID).Str("status", string(to)).Msg("job finalized")
			return
		}
		if !errors.Is(err, storage.ErrIllegalTransition) {
			e.logger.Error().Str("job_id", jobID).Err(err).Msg("finalize transition failed")
			return
		}
	}
}

func (e *Engine) get(jobID string) *execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.execs[jobID]
}

func (e *Engine) take(jobID string) *execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.execs[jobID]
	if ok {
		exec.abortWait()
		delete(e.execs, jobID)
	}
	return exec
}

func (e *Engine) appendEvent(event *types.ExecutionEvent) {
	seq, err := e.store.AppendEvent(event)
	if err != nil {
		e.logger.Error().Str("job_id", event.JobID).Err(err).Msg("event append failed")
		return
	}
	event.Seq = seq
	e.broker.Publish(event)
}

// requirementLabels returns the job's plain capability labels. Expression
// entries are a pool-level constraint already enforced at placement and do
// not name a single worker capability.
func requirementLabels(job *types.Job) []string {
	if job.Definition == nil || job.Definition.Requirements == nil {
		return nil
	}
	var plain []string
	for _, l := range job.Definition.Requirements.Labels {
		if strings.ContainsAny(l, "&|!() ") {
			continue
		}
		plain = append(plain, l)
	}
	return plain
}

func artifactRefs(job *types.Job) []*types.ArtifactRef {
	if job.Definition == nil {
		return nil
	}
	return job.Definition.Artifacts
}
