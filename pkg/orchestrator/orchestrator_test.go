package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/hodei/pipelines/pkg/events"
	"github.com/hodei/pipelines/pkg/queue"
	"github.com/hodei/pipelines/pkg/storage"
	"github.com/hodei/pipelines/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *queue.Queue, storage.Store) {
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	q := queue.New()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(store, q, broker), q, store
}

func shellPipeline() *types.PipelineModel {
	return &types.PipelineModel{
		Stages: []*types.Stage{
			{Name: "build", Steps: []*types.Step{{Kind: types.StepShell, Command: "make"}}},
		},
	}
}

func validSubmission() Submission {
	return Submission{
		Name: "ci-build",
		Definition: &types.JobDefinition{
			Pipeline:     shellPipeline(),
			Requirements: &types.WorkerRequirements{Labels: []string{"linux"}},
		},
	}
}

func TestSubmitPersistsAndEnqueues(t *testing.T) {
	o, q, store := newTestOrchestrator(t)

	ticked := 0
	o.SetTickFunc(func() { ticked++ })

	job, err := o.Submit(validSubmission())
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, job.Status)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 1, ticked)
	assert.Equal(t, 1, q.Size())

	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, stored.Status)

	evs, err := store.ListEvents(job.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, types.EventJobQueued, evs[0].Kind)
}

func TestSubmitRejectsInvalidDefinition(t *testing.T) {
	o, q, _ := newTestOrchestrator(t)

	tests := []struct {
		name string
		sub  Submission
	}{
		{"missing name", Submission{Definition: validSubmission().Definition}},
		{"missing definition", Submission{Name: "x"}},
		{"empty pipeline", Submission{Name: "x", Definition: &types.JobDefinition{
			Pipeline: &types.PipelineModel{},
		}}},
		{"shell without command", Submission{Name: "x", Definition: &types.JobDefinition{
			Pipeline: &types.PipelineModel{Stages: []*types.Stage{
				{Name: "s", Steps: []*types.Step{{Kind: types.StepShell}}},
			}},
		}}},
		{"requires from later stage", Submission{Name: "x", Definition: &types.JobDefinition{
			Pipeline: &types.PipelineModel{Stages: []*types.Stage{
				{Name: "a", Requires: []string{"bin"}, Steps: []*types.Step{{Kind: types.StepShell, Command: "use"}}},
				{Name: "b", Produces: []string{"bin"}, Steps: []*types.Step{{Kind: types.StepShell, Command: "make"}}},
			}},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Submit(tt.sub)
			require.Error(t, err)
			assert.Equal(t, types.FailureInvalidDefinition, types.ClassifyFailure(err).Kind)
		})
	}
	// Nothing leaked into the queue
	assert.Equal(t, 0, q.Size())
}

func TestCancelQueuedJob(t *testing.T) {
	o, q, store := newTestOrchestrator(t)

	job, err := o.Submit(validSubmission())
	require.NoError(t, err)

	require.NoError(t, o.Cancel(job.ID, "user request"))
	assert.Equal(t, 0, q.Size())

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, got.Status)
	assert.Equal(t, "user request", got.CancelReason)
	assert.Equal(t, types.FailureCancelled.ExitCode(), got.ExitCode)

	// Idempotent on terminal jobs
	assert.NoError(t, o.Cancel(job.ID, "again"))

	assert.Error(t, o.Cancel("missing", ""))
}

func TestCancelForwardsToEngine(t *testing.T) {
	o, _, store := newTestOrchestrator(t)

	job, err := o.Submit(validSubmission())
	require.NoError(t, err)
	_, err = store.UpdateJobStatus(job.ID, types.JobStatusQueued, types.JobStatusScheduled, nil)
	require.NoError(t, err)

	var forwarded string
	o.SetCancelFunc(func(j *types.Job, reason string) bool {
		forwarded = j.ID
		return true
	})

	require.NoError(t, o.Cancel(job.ID, "user request"))
	assert.Equal(t, job.ID, forwarded)

	// Status is untouched until the engine finalizes
	got, _ := store.GetJob(job.ID)
	assert.Equal(t, types.JobStatusScheduled, got.Status)
}

func TestHandleEvictionFailsJob(t *testing.T) {
	o, _, store := newTestOrchestrator(t)

	sub := validSubmission()
	sub.Definition.Requirements.MaxWaitTime = time.Minute
	job, err := o.Submit(sub)
	require.NoError(t, err)

	o.HandleEviction(job)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, types.FailureSchedulingTimeout, got.FailureReason.Kind)
	assert.Equal(t, types.FailureSchedulingTimeout.ExitCode(), got.ExitCode)
}

func TestEventsRequireExistingJob(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	_, err := o.Events("missing", 0, 0)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	job, err := o.Submit(validSubmission())
	require.NoError(t, err)

	evs, err := o.Events(job.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}
