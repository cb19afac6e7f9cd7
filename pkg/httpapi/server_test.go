package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei/pipelines/pkg/events"
	"github.com/hodei/pipelines/pkg/orchestrator"
	"github.com/hodei/pipelines/pkg/provider"
	"github.com/hodei/pipelines/pkg/queue"
	"github.com/hodei/pipelines/pkg/registry"
	"github.com/hodei/pipelines/pkg/storage"
	"github.com/hodei/pipelines/pkg/types"
)

type apiRig struct {
	ts      *httptest.Server
	orch    *orchestrator.Orchestrator
	store   storage.Store
	workers *registry.WorkerRegistry
	pools   *registry.PoolRegistry
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()

	store := storage.NewMemoryStore()
	q := queue.New()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	orch := orchestrator.New(store, q, broker)
	workers := registry.NewWorkerRegistry(registry.WorkerRegistryConfig{})
	pools := registry.NewPoolRegistry(workers, registry.PoolRegistryConfig{})

	srv := NewServer("127.0.0.1:0", orch, workers, pools, store)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiRig{ts: ts, orch: orch, store: store, workers: workers, pools: pools}
}

func validSubmission(name string) *submitRequest {
	return &submitRequest{
		Name: name,
		Definition: &types.JobDefinition{
			Pipeline: &types.PipelineModel{Stages: []*types.Stage{
				{Name: "main", Steps: []*types.Step{{Kind: types.StepShell, Command: "true"}}},
			}},
		},
	}
}

func (r *apiRig) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(r.ts.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func (r *apiRig) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(r.ts.URL + path)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSubmitAndGet(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.post(t, "/v1/jobs", validSubmission("build"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[jobResponse](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "build", created.Name)
	assert.Equal(t, string(types.JobStatusQueued), created.Status)

	resp = rig.get(t, "/v1/jobs/"+created.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fetched := decode[jobResponse](t, resp)
	assert.Equal(t, created.ID, fetched.ID)
	assert.Nil(t, fetched.StartedAt)
}

func TestSubmitInvalidDefinition(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.post(t, "/v1/jobs", &submitRequest{
		Name:       "broken",
		Definition: &types.JobDefinition{Pipeline: &types.PipelineModel{}},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetMissingJob(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.get(t, "/v1/jobs/nope")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobsByStatus(t *testing.T) {
	rig := newAPIRig(t)

	rig.post(t, "/v1/jobs", validSubmission("a")).Body.Close()
	rig.post(t, "/v1/jobs", validSubmission("b")).Body.Close()

	resp := rig.get(t, "/v1/jobs?status=queued")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := decode[[]*jobResponse](t, resp)
	assert.Len(t, jobs, 2)

	resp = rig.get(t, "/v1/jobs?status=running")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]*jobResponse](t, resp))
}

func TestCancelJob(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.post(t, "/v1/jobs", validSubmission("doomed"))
	created := decode[jobResponse](t, resp)

	resp = rig.post(t, "/v1/jobs/"+created.ID+"/cancel", &cancelRequest{Reason: "changed my mind"})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = rig.get(t, "/v1/jobs/"+created.ID)
	fetched := decode[jobResponse](t, resp)
	assert.Equal(t, string(types.JobStatusCancelled), fetched.Status)
	assert.Equal(t, "changed my mind", fetched.CancelReason)

	// Idempotent on terminal jobs
	resp = rig.post(t, "/v1/jobs/"+created.ID+"/cancel", &cancelRequest{})
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestEventsLogWithCursor(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.post(t, "/v1/jobs", validSubmission("observed"))
	created := decode[jobResponse](t, resp)

	resp = rig.get(t, "/v1/jobs/"+created.ID+"/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]*types.ExecutionEvent](t, resp)
	require.NotEmpty(t, list)
	assert.Equal(t, types.EventJobQueued, list[0].Kind)

	// Cursor past the last event returns nothing
	resp = rig.get(t, fmt.Sprintf("/v1/jobs/%s/events?after=%d", created.ID, list[len(list)-1].Seq))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]*types.ExecutionEvent](t, resp))
}

func TestEventsFollowStreamsUntilTerminal(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.post(t, "/v1/jobs", validSubmission("streamed"))
	created := decode[jobResponse](t, resp)

	go func() {
		time.Sleep(100 * time.Millisecond)
		rig.orch.Cancel(created.ID, "test over")
	}()

	resp = rig.get(t, "/v1/jobs/"+created.ID+"/events?follow=true")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
	}
	assert.Equal(t, []string{string(types.EventJobQueued), string(types.EventJobCancelled)}, kinds)
}

func TestListPoolsWithUtilization(t *testing.T) {
	rig := newAPIRig(t)

	port := provider.NewStaticProvider("static")
	require.NoError(t, rig.pools.AddPool(&types.ResourcePool{ID: "pool-a", Name: "default", MaxWorkers: 4}, port))
	rig.pools.PushUtilization(&types.PoolUtilization{PoolID: "pool-a", CPUPct: 40, ActiveWorkers: 2})

	resp := rig.get(t, "/v1/pools")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pools := decode[[]*poolResponse](t, resp)
	require.Len(t, pools, 1)
	assert.Equal(t, "pool-a", pools[0].ID)
	require.NotNil(t, pools[0].Utilization)
	assert.Equal(t, 40.0, pools[0].Utilization.CPUPct)
}

func TestListWorkers(t *testing.T) {
	rig := newAPIRig(t)

	rig.workers.Register(&types.Worker{
		ID:           "w-1",
		PoolID:       "pool-a",
		Capabilities: &types.WorkerCapabilities{Labels: []string{"linux"}},
	})

	resp := rig.get(t, "/v1/workers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	workers := decode[[]*workerResponse](t, resp)
	require.Len(t, workers, 1)
	assert.Equal(t, "w-1", workers[0].ID)
	assert.Equal(t, string(types.WorkerStatusIdle), workers[0].Status)
	assert.Equal(t, []string{"linux"}, workers[0].Labels)
}

func TestListTemplates(t *testing.T) {
	rig := newAPIRig(t)

	require.NoError(t, rig.store.CreateTemplate(&types.WorkerTemplate{ID: "tpl-1", PoolID: "pool-a"}))

	resp := rig.get(t, "/v1/templates")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	templates := decode[[]*types.WorkerTemplate](t, resp)
	require.Len(t, templates, 1)
	assert.Equal(t, "tpl-1", templates[0].ID)
}

func TestHealthz(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.get(t, "/healthz")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
