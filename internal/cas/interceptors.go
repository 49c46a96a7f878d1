package cas

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// LogEntry describes one finished gRPC call.
type LogEntry struct {
	Peer       string
	Method     string
	DurationMS float64
	Code       codes.Code
}

func (e LogEntry) User() slog.Attr {
	return slog.Group("user", "ip", e.Peer)
}

func (e LogEntry) Request() slog.Attr {
	return slog.Group("request",
		"method", e.Method,
		"duration_ms", e.DurationMS,
		"code", e.Code.String(),
	)
}

// isServerFault reports whether code blames the server rather than the
// caller.
func isServerFault(code codes.Code) bool {
	switch code {
	case codes.Unknown, codes.Internal, codes.DataLoss, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func logCall(ctx context.Context, method string, start time.Time, err error, metrics *Metrics) {
	elapsed := time.Since(start)
	code := status.Code(err)

	entry := LogEntry{
		Method:     method,
		DurationMS: float64(elapsed.Nanoseconds()) / float64(time.Millisecond),
		Code:       code,
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		entry.Peer = p.Addr.String()
	}

	metrics.observeRequest(method, code, elapsed)

	switch {
	case code == codes.OK:
		slog.Info("Request", entry.User(), entry.Request())
	case isServerFault(code):
		slog.Error("Request", entry.User(), entry.Request(), "error", err)
	default:
		slog.Warn("Request", entry.User(), entry.Request(), "error", err)
	}
}

// recovered converts a handler panic into an Internal error.
func recovered(method string, rvr any) error {
	slog.Error("Internal Error in gRPC handler", "method", method, "error", rvr)
	return status.Errorf(codes.Internal, "internal error handling %s", method)
}

// UnaryServerInterceptor logs and measures unary calls and recovers from
// handler panics.
func UnaryServerInterceptor(metrics *Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		defer func() {
			if rvr := recover(); rvr != nil {
				resp, err = nil, recovered(info.FullMethod, rvr)
			}
			logCall(ctx, info.FullMethod, start, err, metrics)
		}()

		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of
// UnaryServerInterceptor.
func StreamServerInterceptor(metrics *Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		start := time.Now()
		defer func() {
			if rvr := recover(); rvr != nil {
				err = recovered(info.FullMethod, rvr)
			}
			logCall(ss.Context(), info.FullMethod, start, err, metrics)
		}()

		return handler(srv, ss)
	}
}
