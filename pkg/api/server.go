package api

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hodei/pipelines/api/wire"
	"github.com/hodei/pipelines/pkg/engine"
	"github.com/hodei/pipelines/pkg/log"
	"github.com/hodei/pipelines/pkg/metrics"
	"github.com/hodei/pipelines/pkg/registry"
	"github.com/hodei/pipelines/pkg/types"
)

// outboundBuffer bounds the per-session send queue. Artifact transfers block
// on a full buffer rather than dropping chunks.
const outboundBuffer = 256

// Server is the orchestrator's worker-facing endpoint: it owns the grpc
// server, one session per connected worker, and the routing of inbound
// protocol messages to the registry and the engine.
type Server struct {
	workers *registry.WorkerRegistry
	pools   *registry.PoolRegistry
	engine  *engine.Engine
	grpc    *grpc.Server

	mu       sync.Mutex
	sessions map[string]*session

	logger zerolog.Logger
}

// session is the server-side state of one connected worker
type session struct {
	workerID string
	out      chan *wire.OrchestratorMessage
	done     chan struct{}
	closer   sync.Once
}

func (s *session) close() {
	s.closer.Do(func() { close(s.done) })
}

// NewServer creates the worker endpoint
func NewServer(workers *registry.WorkerRegistry, pools *registry.PoolRegistry, eng *engine.Engine) *Server {
	s := &Server{
		workers:  workers,
		pools:    pools,
		engine:   eng,
		sessions: make(map[string]*session),
		logger:   log.WithComponent("api"),
	}
	s.grpc = grpc.NewServer(grpc.StreamInterceptor(s.sessionInterceptor))
	wire.RegisterWorkerService(s.grpc, s)
	return s
}

// Start serves the endpoint on addr until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}
	s.logger.Info().Str("addr", addr).Msg("worker endpoint listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the grpc server
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// Send delivers a message to a connected worker. It implements the engine's
// Sender and blocks on a saturated session rather than reordering or
// dropping messages.
func (s *Server) Send(workerID string, msg *wire.OrchestratorMessage) error {
	s.mu.Lock()
	sess, ok := s.sessions[workerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker %s has no open session", workerID)
	}

	select {
	case sess.out <- msg:
		return nil
	case <-sess.done:
		return fmt.Errorf("session with worker %s closed", workerID)
	}
}

// Session handles one worker connection end to end. The first message must
// be Register; everything after is routed by kind. Any inbound message
// refreshes the worker's liveness.
func (s *Server) Session(stream wire.SessionStream) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	reg := first.Register
	if reg == nil {
		return status.Error(codes.InvalidArgument, "first message must be register")
	}
	if reg.ProtocolVersion != wire.ProtocolVersion {
		return status.Errorf(codes.FailedPrecondition,
			"protocol version %d not supported", reg.ProtocolVersion)
	}

	pool, ok := s.pools.Get(reg.PoolID)
	if !ok {
		return status.Errorf(codes.NotFound, "unknown pool %s", reg.PoolID)
	}

	// A reconnect must present the token the worker registered with; a
	// different token means another instance is claiming the id.
	if existing, ok := s.workers.Get(reg.WorkerID); ok &&
		existing.SessionToken != "" && existing.SessionToken != reg.SessionToken {
		return status.Errorf(codes.PermissionDenied, "session token mismatch for worker %s", reg.WorkerID)
	}

	worker := s.workers.Register(&types.Worker{
		ID:           reg.WorkerID,
		PoolID:       reg.PoolID,
		Capabilities: reg.Capabilities,
		SessionToken: reg.SessionToken,
		InstanceID:   reg.InstanceID,
		Ephemeral:    pool.Ephemeral,
	})

	sess := &session{
		workerID: worker.ID,
		out:      make(chan *wire.OrchestratorMessage, outboundBuffer),
		done:     make(chan struct{}),
	}
	s.attach(sess)
	defer s.detach(sess)

	if err := stream.Send(&wire.OrchestratorMessage{
		RegisterAck: &wire.RegisterAck{
			WorkerID:          worker.ID,
			HeartbeatInterval: s.workers.HeartbeatInterval().Milliseconds(),
			ProtocolVersion:   wire.ProtocolVersion,
		},
	}); err != nil {
		return err
	}
	s.logger.Info().
		Str("worker_id", worker.ID).
		Str("pool_id", worker.PoolID).
		Msg("worker session established")

	// Single writer goroutine; grpc allows one concurrent Send per stream
	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case msg := <-sess.out:
				if err := stream.Send(msg); err != nil {
					writeErr <- err
					return
				}
			case <-sess.done:
				writeErr <- nil
				return
			}
		}
	}()

	for {
		select {
		case err := <-writeErr:
			return err
		default:
		}

		msg, err := stream.Recv()
		if err != nil {
			s.logger.Info().Str("worker_id", worker.ID).Err(err).Msg("worker session closed")
			return nil
		}
		s.route(worker.ID, msg)
	}
}

func (s *Server) route(workerID string, msg *wire.WorkerMessage) {
	if err := s.workers.Heartbeat(workerID); err != nil {
		s.logger.Warn().Str("worker_id", workerID).Err(err).Msg("liveness refresh failed")
	}

	switch {
	case msg.Heartbeat != nil:
		// Liveness already refreshed above
	case msg.Status != nil:
		s.engine.HandleStatus(msg.Status)
	case msg.Log != nil:
		s.engine.HandleLog(msg.Log)
	case msg.Result != nil:
		s.engine.HandleResult(msg.Result)
	case msg.Cache != nil:
		s.engine.HandleCacheResponse(msg.Cache)
	case msg.ArtifactAck != nil:
		s.engine.HandleArtifactAck(msg.ArtifactAck)
	case msg.Register != nil:
		s.logger.Warn().Str("worker_id", workerID).Msg("duplicate register ignored")
	default:
		s.logger.Warn().Str("worker_id", workerID).Str("kind", msg.Kind()).Msg("unhandled message")
	}
}

func (s *Server) attach(sess *session) {
	s.mu.Lock()
	if old, ok := s.sessions[sess.workerID]; ok {
		old.close()
	}
	s.sessions[sess.workerID] = sess
	s.mu.Unlock()
	metrics.WorkerSessions.Inc()
}

func (s *Server) detach(sess *session) {
	sess.close()
	s.mu.Lock()
	if s.sessions[sess.workerID] == sess {
		delete(s.sessions, sess.workerID)
	}
	s.mu.Unlock()
	metrics.WorkerSessions.Dec()
}
