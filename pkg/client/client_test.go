package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei/pipelines/pkg/events"
	"github.com/hodei/pipelines/pkg/httpapi"
	"github.com/hodei/pipelines/pkg/orchestrator"
	"github.com/hodei/pipelines/pkg/queue"
	"github.com/hodei/pipelines/pkg/registry"
	"github.com/hodei/pipelines/pkg/storage"
	"github.com/hodei/pipelines/pkg/types"
)

type clientRig struct {
	client *Client
	orch   *orchestrator.Orchestrator
}

func newClientRig(t *testing.T) *clientRig {
	t.Helper()

	store := storage.NewMemoryStore()
	q := queue.New()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	orch := orchestrator.New(store, q, broker)
	workers := registry.NewWorkerRegistry(registry.WorkerRegistryConfig{})
	pools := registry.NewPoolRegistry(workers, registry.PoolRegistryConfig{})

	srv := httpapi.NewServer("127.0.0.1:0", orch, workers, pools, store)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &clientRig{client: New(ts.URL), orch: orch}
}

func trivialDefinition() *types.JobDefinition {
	return &types.JobDefinition{
		Pipeline: &types.PipelineModel{Stages: []*types.Stage{
			{Name: "main", Steps: []*types.Step{{Kind: types.StepShell, Command: "true"}}},
		}},
	}
}

func TestSubmitGetAndList(t *testing.T) {
	rig := newClientRig(t)

	created, err := rig.client.SubmitJob("build", 5, trivialDefinition())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "build", created.Name)
	assert.Equal(t, string(types.JobStatusQueued), created.Status)
	assert.Equal(t, 5, created.Priority)

	fetched, err := rig.client.GetJob(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)

	jobs, err := rig.client.ListJobs(string(types.JobStatusQueued))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, created.ID, jobs[0].ID)
}

func TestSubmitInvalidDefinitionSurfacesAPIError(t *testing.T) {
	rig := newClientRig(t)

	_, err := rig.client.SubmitJob("broken", 0, &types.JobDefinition{
		Pipeline: &types.PipelineModel{},
	})
	assert.ErrorContains(t, err, "api error (400)")
}

func TestGetMissingJob(t *testing.T) {
	rig := newClientRig(t)

	_, err := rig.client.GetJob("no-such-job")
	assert.ErrorContains(t, err, "api error (404)")
}

func TestCancelJob(t *testing.T) {
	rig := newClientRig(t)

	created, err := rig.client.SubmitJob("doomed", 0, trivialDefinition())
	require.NoError(t, err)
	require.NoError(t, rig.client.CancelJob(created.ID, "operator request"))

	fetched, err := rig.client.GetJob(created.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusCancelled), fetched.Status)
	assert.Equal(t, "operator request", fetched.CancelReason)
}

func TestEventsCursor(t *testing.T) {
	rig := newClientRig(t)

	created, err := rig.client.SubmitJob("evented", 0, trivialDefinition())
	require.NoError(t, err)

	evs, err := rig.client.Events(created.ID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, types.EventJobQueued, evs[0].Kind)

	last := evs[len(evs)-1].Seq
	evs, err = rig.client.Events(created.ID, last, 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestFollowEventsUntilTerminal(t *testing.T) {
	rig := newClientRig(t)

	created, err := rig.client.SubmitJob("followed", 0, trivialDefinition())
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		rig.orch.Cancel(created.ID, "test is done")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var kinds []types.EventKind
	err = rig.client.FollowEvents(ctx, created.ID, 0, func(ev *types.ExecutionEvent) error {
		kinds = append(kinds, ev.Kind)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []types.EventKind{types.EventJobQueued, types.EventJobCancelled}, kinds)
}
