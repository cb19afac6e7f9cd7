package orchestrator

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hodei/pipelines/pkg/events"
	"github.com/hodei/pipelines/pkg/log"
	"github.com/hodei/pipelines/pkg/metrics"
	"github.com/hodei/pipelines/pkg/pipeline"
	"github.com/hodei/pipelines/pkg/queue"
	"github.com/hodei/pipelines/pkg/storage"
	"github.com/hodei/pipelines/pkg/types"
)

// Submission is a request to run a pipeline
type Submission struct {
	Name       string               `validate:"required"`
	Definition *types.JobDefinition `validate:"required"`
	Priority   int                  `validate:"gte=0"`
}

// CancelFunc forwards a cancellation to the execution engine for jobs that
// already left the queue. It reports whether the engine took the request.
type CancelFunc func(job *types.Job, reason string) bool

// Orchestrator is the control plane for jobs: intake, cancellation and
// reads. It owns the only paths that move a job into QUEUED, CANCELLED from
// the queue, and FAILED by scheduling timeout.
type Orchestrator struct {
	store    storage.Store
	queue    *queue.Queue
	broker   *events.Broker
	validate *validator.Validate

	tick     func()     // Scheduler trigger, fired after every submission
	cancelFn CancelFunc // Engine hand-off for scheduled/running jobs

	logger zerolog.Logger
}

// New creates an orchestrator over the store, queue and event broker
func New(store storage.Store, q *queue.Queue, broker *events.Broker) *Orchestrator {
	return &Orchestrator{
		store:    store,
		queue:    q,
		broker:   broker,
		validate: validator.New(),
		logger:   log.WithComponent("orchestrator"),
	}
}

// SetTickFunc wires the scheduler trigger
func (o *Orchestrator) SetTickFunc(fn func()) { o.tick = fn }

// SetCancelFunc wires the engine cancellation hand-off
func (o *Orchestrator) SetCancelFunc(fn CancelFunc) { o.cancelFn = fn }

// Submit validates a submission, persists the job and enqueues it. The job
// is visible in reads as soon as Submit returns.
func (o *Orchestrator) Submit(sub Submission) (*types.Job, error) {
	if err := o.validate.Struct(sub); err != nil {
		return nil, types.NewFailure(types.FailureInvalidDefinition, "invalid submission: %v", err)
	}
	if err := pipeline.ValidateModel(sub.Definition.Pipeline); err != nil {
		return nil, err
	}

	job := &types.Job{
		ID:         uuid.New().String(),
		Name:       sub.Name,
		Definition: sub.Definition,
		Priority:   sub.Priority,
		Status:     types.JobStatusQueued,
		CreatedAt:  time.Now(),
	}
	if err := o.store.CreateJob(job); err != nil {
		return nil, err
	}
	o.queue.Enqueue(job)

	metrics.JobsSubmitted.Inc()
	o.refreshJobGauges()
	o.appendEvent(&types.ExecutionEvent{
		JobID:   job.ID,
		Kind:    types.EventJobQueued,
		Message: "job accepted",
	})
	o.logger.Info().
		Str("job_id", job.ID).
		Str("name", job.Name).
		Int("priority", job.Priority).
		Msg("job submitted")

	if o.tick != nil {
		o.tick()
	}
	return job, nil
}

// Cancel stops a job. Queued jobs are cancelled immediately; scheduled and
// running jobs are forwarded to the engine, which interrupts the worker.
// Cancelling a terminal or already-cancelling job is a no-op.
func (o *Orchestrator) Cancel(jobID, reason string) error {
	job, err := o.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if job.Status == types.JobStatusQueued {
		o.queue.Remove(jobID)
		cancelled, err := o.store.UpdateJobStatus(jobID, types.JobStatusQueued, types.JobStatusCancelled,
			func(j *types.Job) {
				j.CancelReason = reason
				j.ExitCode = types.FailureCancelled.ExitCode()
			})
		if errors.Is(err, storage.ErrIllegalTransition) {
			// Raced with placement; fall through to the engine path
			job, err = o.store.GetJob(jobID)
			if err != nil {
				return err
			}
			if job.Status.Terminal() {
				return nil
			}
		} else if err != nil {
			return err
		} else {
			o.refreshJobGauges()
			o.appendEvent(&types.ExecutionEvent{
				JobID:   cancelled.ID,
				Kind:    types.EventJobCancelled,
				Message: reason,
			})
			o.logger.Info().Str("job_id", jobID).Str("reason", reason).Msg("queued job cancelled")
			return nil
		}
	}

	if o.cancelFn != nil && o.cancelFn(job, reason) {
		o.logger.Info().Str("job_id", jobID).Str("reason", reason).Msg("cancellation forwarded to engine")
		return nil
	}
	return types.NewFailure(types.FailureInternal, "job %s is %s but not under engine control", jobID, job.Status)
}

// HandleEviction fails a job whose maxWaitTime expired in the queue. Wired
// as the scheduler's evict callback.
func (o *Orchestrator) HandleEviction(job *types.Job) {
	failure := types.NewFailure(types.FailureSchedulingTimeout,
		"no eligible capacity within %s", job.Definition.Requirements.MaxWaitTime)
	o.FailJob(job.ID, types.JobStatusQueued, failure)
}

// FailJob transitions a job to FAILED with a classified reason
func (o *Orchestrator) FailJob(jobID string, from types.JobStatus, failure *types.Failure) {
	_, err := o.store.UpdateJobStatus(jobID, from, types.JobStatusFailed, func(j *types.Job) {
		j.FailureReason = failure
		j.ExitCode = failure.Kind.ExitCode()
	})
	if err != nil {
		o.logger.Error().Str("job_id", jobID).Err(err).Msg("failed to record job failure")
		return
	}

	metrics.JobsFailed.WithLabelValues(failure.Kind.Code()).Inc()
	o.refreshJobGauges()
	o.appendEvent(&types.ExecutionEvent{
		JobID:   jobID,
		Kind:    types.EventJobFailed,
		Message: failure.Error(),
		Data:    map[string]string{"code": failure.Kind.Code()},
	})
	o.logger.Warn().
		Str("job_id", jobID).
		Str("code", failure.Kind.Code()).
		Msg(failure.Error())
}

// Get returns a job by id
func (o *Orchestrator) Get(jobID string) (*types.Job, error) {
	return o.store.GetJob(jobID)
}

// List returns all jobs
func (o *Orchestrator) List() ([]*types.Job, error) {
	return o.store.ListJobs()
}

// ListByStatus returns jobs in one lifecycle state
func (o *Orchestrator) ListByStatus(status types.JobStatus) ([]*types.Job, error) {
	return o.store.ListJobsByStatus(status)
}

// Events reads the durable event log of a job from a sequence cursor
func (o *Orchestrator) Events(jobID string, afterSeq uint64, limit int) ([]*types.ExecutionEvent, error) {
	if _, err := o.store.GetJob(jobID); err != nil {
		return nil, err
	}
	return o.store.ListEvents(jobID, afterSeq, limit)
}

// Watch subscribes to live events for one job. The caller must Unsubscribe.
func (o *Orchestrator) Watch(jobID string) events.Subscriber {
	return o.broker.SubscribeJob(jobID)
}

// Unwatch releases a subscription
func (o *Orchestrator) Unwatch(sub events.Subscriber) {
	o.broker.Unsubscribe(sub)
}

// QueueDepth returns the number of jobs awaiting placement
func (o *Orchestrator) QueueDepth() int {
	return o.queue.Size()
}

func (o *Orchestrator) appendEvent(event *types.ExecutionEvent) {
	seq, err := o.store.AppendEvent(event)
	if err != nil {
		o.logger.Error().Str("job_id", event.JobID).Err(err).Msg("event append failed")
		return
	}
	event.Seq = seq
	o.broker.Publish(event)
}

func (o *Orchestrator) refreshJobGauges() {
	jobs, err := o.store.ListJobs()
	if err != nil {
		return
	}
	counts := make(map[types.JobStatus]int)
	for _, j := range jobs {
		counts[j.Status]++
	}
	metrics.JobsTotal.Reset()
	for status, n := range counts {
		metrics.JobsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}
