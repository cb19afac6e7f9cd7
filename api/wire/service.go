package wire

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified name of the worker session service
const ServiceName = "hodei.v1.WorkerService"

const sessionMethod = "/" + ServiceName + "/Session"

// WorkerServiceServer is implemented by the orchestrator endpoint. Session is
// the single long-lived bidirectional stream every worker holds open.
type WorkerServiceServer interface {
	Session(SessionStream) error
}

// SessionStream is the server side of one worker session
type SessionStream interface {
	Send(*OrchestratorMessage) error
	Recv() (*WorkerMessage, error)
	Context() context.Context
}

// ServiceDesc describes the session service for grpc registration. The
// protocol has no generated code; messages ride the hodei-json codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkerServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "hodei/v1/worker",
}

// RegisterWorkerService registers the session service on a grpc server
func RegisterWorkerService(s *grpc.Server, srv WorkerServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(WorkerServiceServer).Session(&serverSession{stream})
}

type serverSession struct {
	grpc.ServerStream
}

func (s *serverSession) Send(m *OrchestratorMessage) error {
	return s.ServerStream.SendMsg(m)
}

func (s *serverSession) Recv() (*WorkerMessage, error) {
	m := new(WorkerMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// SessionClient is the worker side of the session stream
type SessionClient interface {
	Send(*WorkerMessage) error
	Recv() (*OrchestratorMessage, error)
	CloseSend() error
	Context() context.Context
}

// OpenSession opens the bidirectional session stream on a client connection
func OpenSession(ctx context.Context, conn *grpc.ClientConn, opts ...grpc.CallOption) (SessionClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], sessionMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &clientSession{stream}, nil
}

type clientSession struct {
	grpc.ClientStream
}

func (c *clientSession) Send(m *WorkerMessage) error {
	return c.ClientStream.SendMsg(m)
}

func (c *clientSession) Recv() (*OrchestratorMessage, error) {
	m := new(OrchestratorMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
