package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hodei/pipelines/api/wire"
	"github.com/hodei/pipelines/pkg/log"
	"github.com/hodei/pipelines/pkg/pipeline"
	"github.com/hodei/pipelines/pkg/types"
)

// Config holds worker configuration
type Config struct {
	WorkerID     string
	PoolID       string
	ServerAddr   string
	SessionToken string
	InstanceID   string
	Labels       []string

	WorkDir  string // Root for per-job workspaces
	CacheDir string

	Ephemeral   bool // Exit after the first job finishes
	MaxParallel int
	CancelGrace time.Duration
}

// Worker is the execution agent: it holds one session to the orchestrator,
// runs at most one job at a time and reports everything back on the stream.
type Worker struct {
	cfg       Config
	cache     *ArtifactCache
	executors *pipeline.ExecutorRegistry
	logger    zerolog.Logger

	out  chan *wire.WorkerMessage
	stop chan struct{}
	once sync.Once

	mu  sync.Mutex
	job *activeJob
}

type activeJob struct {
	id     string
	cancel context.CancelFunc
}

// New creates a worker. The artifact cache is opened under cfg.CacheDir.
func New(cfg Config) (*Worker, error) {
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work dir is required")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(cfg.WorkDir, ".cache")
	}
	cache, err := OpenCache(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:       cfg,
		cache:     cache,
		executors: pipeline.NewExecutorRegistry(),
		logger:    log.WithWorkerID(cfg.WorkerID),
		out:       make(chan *wire.WorkerMessage, 64),
		stop:      make(chan struct{}),
	}, nil
}

// Executors exposes the step executor registry so embedders can register
// extension executors before Run.
func (w *Worker) Executors() *pipeline.ExecutorRegistry {
	return w.executors
}

// Run connects to the orchestrator and serves the session until the context
// is cancelled, the stream breaks, or an ephemeral worker finishes its job.
func (w *Worker) Run(ctx context.Context) error {
	defer w.cache.Close()

	conn, err := grpc.NewClient(w.cfg.ServerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", w.cfg.ServerAddr, err)
	}
	defer conn.Close()

	sess, err := wire.OpenSession(ctx, conn)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	return w.Serve(ctx, sess)
}

// Serve runs the session protocol over an already open stream: register,
// heartbeat, then route inbound messages until the session ends.
func (w *Worker) Serve(ctx context.Context, sess wire.SessionClient) error {
	err := sess.Send(&wire.WorkerMessage{Register: &wire.RegisterRequest{
		WorkerID:        w.cfg.WorkerID,
		PoolID:          w.cfg.PoolID,
		SessionToken:    w.cfg.SessionToken,
		InstanceID:      w.cfg.InstanceID,
		Capabilities:    &types.WorkerCapabilities{Labels: w.cfg.Labels},
		ProtocolVersion: wire.ProtocolVersion,
	}})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	first, err := sess.Recv()
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	ack := first.RegisterAck
	if ack == nil {
		return fmt.Errorf("register: expected ack, got %s", first.Kind())
	}
	if ack.ProtocolVersion != wire.ProtocolVersion {
		return fmt.Errorf("register: orchestrator speaks protocol %d, this worker speaks %d",
			ack.ProtocolVersion, wire.ProtocolVersion)
	}
	w.logger.Info().
		Str("pool_id", w.cfg.PoolID).
		Int64("heartbeat_ms", ack.HeartbeatInterval).
		Msg("registered with orchestrator")

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Single writer: the stream is not safe for concurrent sends. On
	// shutdown the writer drains whatever is still queued so the final
	// result reaches the orchestrator.
	writeErr := make(chan error, 1)
	flush := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case msg := <-w.out:
				if err := sess.Send(msg); err != nil {
					writeErr <- err
					return
				}
			case <-flush:
				for {
					select {
					case msg := <-w.out:
						if err := sess.Send(msg); err != nil {
							writeErr <- err
							return
						}
					default:
						return
					}
				}
			case <-sctx.Done():
				return
			}
		}
	}()

	go w.heartbeatLoop(sctx, time.Duration(ack.HeartbeatInterval)*time.Millisecond)

	inbound := make(chan *wire.OrchestratorMessage)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := sess.Recv()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- msg:
			case <-sctx.Done():
				return
			}
		}
	}()

	assembler := wire.NewAssembler()
	for {
		select {
		case msg := <-inbound:
			w.route(sctx, assembler, msg)
		case err := <-readErr:
			return err
		case err := <-writeErr:
			return err
		case <-w.stop:
			close(flush)
			<-writerDone
			w.logger.Info().Msg("ephemeral worker shutting down after job")
			return sess.CloseSend()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) route(ctx context.Context, assembler *wire.Assembler, msg *wire.OrchestratorMessage) {
	switch {
	case msg.Assignment != nil:
		w.handleAssignment(ctx, msg.Assignment)
	case msg.Cancel != nil:
		w.handleCancel(msg.Cancel)
	case msg.CacheQuery != nil:
		w.handleCacheQuery(ctx, msg.CacheQuery)
	case msg.Chunk != nil:
		w.handleChunk(ctx, assembler, msg.Chunk)
	default:
		w.logger.Warn().Str("kind", msg.Kind()).Msg("unexpected message from orchestrator")
	}
}

// send enqueues an outbound message, blocking when the stream is congested
func (w *Worker) send(ctx context.Context, msg *wire.WorkerMessage) {
	select {
	case w.out <- msg:
	case <-ctx.Done():
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.send(ctx, &wire.WorkerMessage{Heartbeat: &wire.Heartbeat{
				WorkerID: w.cfg.WorkerID,
				SentAt:   time.Now(),
			}})
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) handleCacheQuery(ctx context.Context, q *wire.CacheQuery) {
	entries := make([]*wire.CacheEntry, 0, len(q.Artifacts))
	hits := 0
	for _, id := range q.Artifacts {
		checksum, ok := w.cache.Stat(id)
		if ok {
			hits++
		}
		entries = append(entries, &wire.CacheEntry{ArtifactID: id, Present: ok, Checksum: checksum})
	}
	w.logger.Debug().Str("job_id", q.JobID).
		Int("requested", len(q.Artifacts)).Int("cached", hits).
		Msg("answering artifact cache query")
	w.send(ctx, &wire.WorkerMessage{Cache: &wire.CacheResponse{JobID: q.JobID, Entries: entries}})

	// Hits are acknowledged like completed transfers, marked as served
	// from the cache
	for _, entry := range entries {
		if entry.Present {
			w.send(ctx, &wire.WorkerMessage{ArtifactAck: &wire.ArtifactAck{
				JobID:      q.JobID,
				ArtifactID: entry.ArtifactID,
				OK:         true,
				Cached:     true,
				Checksum:   entry.Checksum,
			}})
		}
	}
}

func (w *Worker) handleChunk(ctx context.Context, assembler *wire.Assembler, chunk *wire.ArtifactChunk) {
	assembled, err := assembler.Add(chunk)
	if err != nil {
		w.logger.Error().Err(err).Str("artifact_id", chunk.ArtifactID).Msg("artifact transfer failed")
		w.send(ctx, &wire.WorkerMessage{ArtifactAck: &wire.ArtifactAck{
			JobID: chunk.JobID, ArtifactID: chunk.ArtifactID, Error: err.Error(),
		}})
		return
	}
	if assembled == nil {
		return
	}
	if err := w.cache.Put(assembled.ArtifactID, assembled.Content); err != nil {
		w.send(ctx, &wire.WorkerMessage{ArtifactAck: &wire.ArtifactAck{
			JobID: assembled.JobID, ArtifactID: assembled.ArtifactID, Error: err.Error(),
		}})
		return
	}
	w.logger.Debug().Str("artifact_id", assembled.ArtifactID).
		Int("size", len(assembled.Content)).Msg("artifact received and cached")
	w.send(ctx, &wire.WorkerMessage{ArtifactAck: &wire.ArtifactAck{
		JobID:      assembled.JobID,
		ArtifactID: assembled.ArtifactID,
		OK:         true,
		Checksum:   chunk.Checksum,
	}})
}

func (w *Worker) handleAssignment(ctx context.Context, a *wire.Assignment) {
	w.mu.Lock()
	if w.job != nil {
		busy := w.job.id
		w.mu.Unlock()
		w.logger.Error().Str("job_id", a.JobID).Str("running_job_id", busy).
			Msg("assignment received while busy")
		failure := types.NewFailure(types.FailureInternal, "worker is already running job %s", busy)
		w.send(ctx, &wire.WorkerMessage{Result: &wire.ExecutionResult{
			JobID:    a.JobID,
			Status:   types.JobStatusFailed,
			ExitCode: failure.Kind.ExitCode(),
			Failure:  failure,
		}})
		return
	}
	jctx, cancel := context.WithCancel(ctx)
	w.job = &activeJob{id: a.JobID, cancel: cancel}
	w.mu.Unlock()

	go w.runJob(jctx, ctx, a)
}

func (w *Worker) handleCancel(req *wire.CancelRequest) {
	w.mu.Lock()
	job := w.job
	w.mu.Unlock()
	if job == nil || job.id != req.JobID {
		w.logger.Warn().Str("job_id", req.JobID).Msg("cancel for a job this worker is not running")
		return
	}
	w.logger.Info().Str("job_id", req.JobID).Str("reason", req.Reason).Msg("cancelling job")
	job.cancel()
}

// runJob prepares the workspace, runs the pipeline and reports the result.
// jctx is cancelled by CancelRequest; sctx outlives it so the final result
// still goes out after a cancellation.
func (w *Worker) runJob(jctx, sctx context.Context, a *wire.Assignment) {
	logger := w.logger.With().Str("job_id", a.JobID).Logger()
	logger.Info().Str("job_name", a.JobName).Msg("job assigned")

	result := w.execute(jctx, sctx, a, logger)
	w.send(sctx, &wire.WorkerMessage{Result: result})
	logger.Info().Str("status", string(result.Status)).Int("exit_code", result.ExitCode).Msg("job finished")

	w.mu.Lock()
	w.job = nil
	w.mu.Unlock()

	if w.cfg.Ephemeral {
		w.once.Do(func() { close(w.stop) })
	}
}

func (w *Worker) execute(ctx, sctx context.Context, a *wire.Assignment, logger zerolog.Logger) *wire.ExecutionResult {
	workspace := filepath.Join(w.cfg.WorkDir, a.JobID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return failedResult(a.JobID, types.NewFailure(types.FailureInternal, "create workspace: %v", err))
	}

	for _, ref := range a.Artifacts {
		dest := filepath.Join(workspace, ref.DestinationPath)
		if err := w.cache.Materialize(ref.ID, dest); err != nil {
			logger.Error().Err(err).Str("artifact_id", ref.ID).Msg("artifact missing at job start")
			return failedResult(a.JobID, types.NewFailure(types.FailureMissingArtifact,
				"artifact %s: %v", ref.ID, err))
		}
	}

	// Events and output ride the session context so they still flow while
	// a cancelled job winds down
	runner := pipeline.NewRunner(w.executors, &streamReporter{worker: w, ctx: sctx}, pipeline.RunnerConfig{
		MaxParallel: w.cfg.MaxParallel,
		CancelGrace: w.cfg.CancelGrace,
	})
	res := runner.Run(ctx, &pipeline.RunSpec{
		JobID:   a.JobID,
		Model:   a.Definition.Pipeline,
		WorkDir: workspace,
		Env:     a.Definition.Env,
		Params:  a.Definition.Parameters,
		Timeout: a.Definition.ExecutionTimeout,
	})

	stages := make([]*wire.StageResult, len(res.Stages))
	for i, s := range res.Stages {
		stages[i] = &wire.StageResult{Name: s.Name, Outcome: s.Outcome, Duration: s.Duration}
	}
	return &wire.ExecutionResult{
		JobID:    a.JobID,
		Status:   res.Status,
		ExitCode: res.ExitCode,
		Unstable: res.Unstable,
		Failure:  res.Failure,
		Stages:   stages,
	}
}

func failedResult(jobID string, failure *types.Failure) *wire.ExecutionResult {
	return &wire.ExecutionResult{
		JobID:    jobID,
		Status:   types.JobStatusFailed,
		ExitCode: failure.Kind.ExitCode(),
		Failure:  failure,
	}
}

// streamReporter relays interpreter events and output onto the session.
// Sends block when the stream is congested, which is the backpressure the
// interpreter wants.
type streamReporter struct {
	worker *Worker
	ctx    context.Context
}

func (r *streamReporter) Event(ev *types.ExecutionEvent) {
	r.worker.send(r.ctx, &wire.WorkerMessage{Status: &wire.StatusUpdate{JobID: ev.JobID, Event: ev}})
}

func (r *streamReporter) Output(stage, step, stream string, data []byte) {
	r.worker.send(r.ctx, &wire.WorkerMessage{Log: &wire.LogChunk{
		JobID:  r.jobID(),
		Stage:  stage,
		Step:   step,
		Stream: stream,
		Data:   data,
	}})
}

func (r *streamReporter) jobID() string {
	r.worker.mu.Lock()
	defer r.worker.mu.Unlock()
	if r.worker.job != nil {
		return r.worker.job.id
	}
	return ""
}
