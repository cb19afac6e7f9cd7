package api

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// sessionInterceptor wraps every stream with panic recovery so a single
// misbehaving session cannot take the endpoint down, and logs how it ended.
func (s *Server) sessionInterceptor(srv interface{}, ss grpc.ServerStream,
	info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("method", info.FullMethod).
				Interface("panic", r).
				Msg("recovered panic in worker session")
			err = status.Error(codes.Internal, "internal error")
		}
	}()

	err = handler(srv, ss)
	if err != nil {
		s.logger.Debug().Str("method", info.FullMethod).Err(err).Msg("stream ended with error")
	}
	return err
}
