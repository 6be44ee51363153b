package transport

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor logs every unary call at debug level and failures at warn
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		var ev *zerolog.Event
		if err != nil {
			ev = logger.Warn().Err(err)
		} else {
			ev = logger.Debug()
		}
		ev.Str("method", methodName(info.FullMethod)).
			Dur("duration", time.Since(start)).
			Msg("Transport call")
		return resp, err
	}
}

// ClosedInterceptor refuses calls once closed reports true
func ClosedInterceptor(closed func() bool) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if closed() {
			return nil, status.Errorf(codes.FailedPrecondition, "transport closed, %s refused", methodName(info.FullMethod))
		}
		return handler(ctx, req)
	}
}

// methodName extracts "Send" from "/failover.transport.Transport/Send"
func methodName(method string) string {
	parts := strings.Split(method, "/")
	if len(parts) < 2 {
		return method
	}
	return parts[len(parts)-1]
}
