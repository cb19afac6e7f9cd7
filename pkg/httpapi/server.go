package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/hodei/pipelines/pkg/log"
	"github.com/hodei/pipelines/pkg/metrics"
	"github.com/hodei/pipelines/pkg/orchestrator"
	"github.com/hodei/pipelines/pkg/registry"
	"github.com/hodei/pipelines/pkg/storage"
	"github.com/hodei/pipelines/pkg/types"
)

// Server is the REST facade over the orchestrator: job submission and reads,
// cancellation, event streaming, pool and worker listings, metrics.
type Server struct {
	orch    *orchestrator.Orchestrator
	workers *registry.WorkerRegistry
	pools   *registry.PoolRegistry
	store   storage.Store

	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates the HTTP API server listening on addr
func NewServer(addr string, orch *orchestrator.Orchestrator, workers *registry.WorkerRegistry,
	pools *registry.PoolRegistry, store storage.Store) *Server {

	s := &Server{
		orch:    orch,
		workers: workers,
		pools:   pools,
		store:   store,
		logger:  log.WithComponent("httpapi"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/jobs", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/v1/pools", s.handleListPools).Methods(http.MethodGet)
	r.HandleFunc("/v1/workers", s.handleListWorkers).Methods(http.MethodGet)
	r.HandleFunc("/v1/templates", s.handleListTemplates).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Stop or a listener error
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("http listen on %s: %w", s.http.Addr, err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("http api listening")
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, draining in-flight requests
func (s *Server) Stop() error {
	return s.http.Close()
}

type submitRequest struct {
	Name       string               `json:"name"`
	Priority   int                  `json:"priority"`
	Definition *types.JobDefinition `json:"definition"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type jobResponse struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Status           string         `json:"status"`
	Priority         int            `json:"priority"`
	AssignedPoolID   string         `json:"assignedPoolId,omitempty"`
	AssignedWorkerID string         `json:"assignedWorkerId,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	ExitCode         int            `json:"exitCode"`
	Failure          *types.Failure `json:"failure,omitempty"`
	CancelReason     string         `json:"cancelReason,omitempty"`
}

func renderJob(job *types.Job) *jobResponse {
	resp := &jobResponse{
		ID:               job.ID,
		Name:             job.Name,
		Status:           string(job.Status),
		Priority:         job.Priority,
		AssignedPoolID:   job.AssignedPoolID,
		AssignedWorkerID: job.AssignedWorkerID,
		CreatedAt:        job.CreatedAt,
		ExitCode:         job.ExitCode,
		Failure:          job.FailureReason,
		CancelReason:     job.CancelReason,
	}
	if !job.StartedAt.IsZero() {
		resp.StartedAt = &job.StartedAt
	}
	if !job.CompletedAt.IsZero() {
		resp.CompletedAt = &job.CompletedAt
	}
	return resp
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	job, err := s.orch.Submit(orchestrator.Submission{
		Name:       req.Name,
		Definition: req.Definition,
		Priority:   req.Priority,
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, renderJob(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []*types.Job
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		jobs, err = s.orch.ListByStatus(types.JobStatus(status))
	} else {
		jobs, err = s.orch.List()
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]*jobResponse, len(jobs))
	for i, job := range jobs {
		out[i] = renderJob(job)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, renderJob(job))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "cancelled via api"
	}

	if err := s.orch.Cancel(mux.Vars(r)["id"], req.Reason); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleEvents reads a job's durable event log. With follow=true it switches
// to server-sent events: the log from the cursor, then live events until the
// job reaches a terminal state or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	after := uint64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after cursor: %w", err))
			return
		}
		after = parsed
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
			return
		}
		limit = parsed
	}

	if r.URL.Query().Get("follow") == "true" {
		s.streamEvents(w, r, jobID, after)
		return
	}

	list, err := s.orch.Events(jobID, after, limit)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, jobID string, after uint64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	// Subscribe before replaying the log so nothing falls in the gap;
	// duplicates are dropped by sequence number.
	sub := s.orch.Watch(jobID)
	defer s.orch.Unwatch(sub)

	replay, err := s.orch.Events(jobID, after, 0)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	lastSeq := after
	for _, ev := range replay {
		s.writeSSE(w, ev)
		lastSeq = ev.Seq
		if terminalEvent(ev.Kind) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			s.writeSSE(w, ev)
			flusher.Flush()
			lastSeq = ev.Seq
			if terminalEvent(ev.Kind) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func terminalEvent(kind types.EventKind) bool {
	switch kind {
	case types.EventJobCompleted, types.EventJobFailed, types.EventJobCancelled:
		return true
	}
	return false
}

func (s *Server) writeSSE(w http.ResponseWriter, ev *types.ExecutionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data)
}

type poolResponse struct {
	*types.ResourcePool
	Utilization *types.PoolUtilization `json:"utilization,omitempty"`
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools := s.pools.List()
	out := make([]*poolResponse, len(pools))
	for i, pool := range pools {
		resp := &poolResponse{ResourcePool: pool}
		if u, ok := s.pools.Snapshot(pool.ID); ok {
			resp.Utilization = u
		}
		out[i] = resp
	}
	s.writeJSON(w, http.StatusOK, out)
}

type workerResponse struct {
	ID              string    `json:"id"`
	PoolID          string    `json:"poolId"`
	Status          string    `json:"status"`
	CurrentJobID    string    `json:"currentJobId,omitempty"`
	Labels          []string  `json:"labels,omitempty"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	ConnectedAt     time.Time `json:"connectedAt"`
	Ephemeral       bool      `json:"ephemeral,omitempty"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.workers.List()
	out := make([]*workerResponse, len(workers))
	for i, worker := range workers {
		resp := &workerResponse{
			ID:              worker.ID,
			PoolID:          worker.PoolID,
			Status:          string(worker.Status),
			CurrentJobID:    worker.CurrentJobID,
			LastHeartbeatAt: worker.LastHeartbeatAt,
			ConnectedAt:     worker.ConnectedAt,
			Ephemeral:       worker.Ephemeral,
		}
		if worker.Capabilities != nil {
			resp.Labels = worker.Capabilities.Labels
		}
		out[i] = resp
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	var failure *types.Failure
	if errors.As(err, &failure) && failure.Kind == types.FailureInvalidDefinition {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
