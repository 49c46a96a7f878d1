package cas

import (
	"casd/pkg/storage"
	"fmt"

	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CodeForKind maps a store failure kind onto the gRPC status code a client
// should act on. Kinds it does not recognize map to Internal.
func CodeForKind(kind storage.Kind) codes.Code {
	switch kind {
	case storage.NotFound:
		return codes.NotFound
	case storage.PermissionDenied:
		return codes.PermissionDenied
	case storage.Unavailable:
		return codes.Unavailable
	case storage.AlreadyExists:
		return codes.AlreadyExists
	case storage.InvalidArgument:
		return codes.InvalidArgument
	case storage.DeadlineExceeded:
		return codes.DeadlineExceeded
	case storage.Aborted:
		return codes.Aborted
	case storage.Unknown:
		return codes.Unknown
	default:
		return codes.Internal
	}
}

// StatusFromError builds the per-item status for err. A nil error is OK with
// an empty message. Details are never populated.
func StatusFromError(err error) *rpcstatus.Status {
	if err == nil {
		return &rpcstatus.Status{Code: int32(codes.OK)}
	}

	kind := storage.KindOf(err)
	return &rpcstatus.Status{
		Code:    int32(CodeForKind(kind)),
		Message: fmt.Sprintf("%s: %v", kind, err),
	}
}

// grpcError converts err into a call-level gRPC error.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	return status.ErrorProto(StatusFromError(err))
}
