package cas

import (
	"bytes"
	"casd/pkg/storage"
	"context"
	"fmt"
	"log/slog"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const DefaultBatchConcurrency = 8

// Server implements the ContentAddressableStorage service on top of a
// storage.Store. It holds no per-request state and is safe for concurrent
// use by the gRPC runtime.
type Server struct {
	remoteexecution.UnimplementedContentAddressableStorageServer

	store       storage.Store
	concurrency int
	metrics     *Metrics
	logger      *slog.Logger
}

type Option func(*Server)

// WithBatchConcurrency bounds how many items of one BatchUpdateBlobs call
// are written to the store at the same time.
func WithBatchConcurrency(n int) Option {
	return func(s *Server) {
		s.concurrency = n
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer returns a CAS service backed by store.
func NewServer(store storage.Store, opts ...Option) *Server {
	s := &Server{store: store, concurrency: DefaultBatchConcurrency}
	for _, opt := range opts {
		opt(s)
	}
	if s.concurrency <= 0 {
		s.concurrency = 1
	}
	return s
}

// Register adds the service to g.
func (s *Server) Register(g *grpc.Server) {
	remoteexecution.RegisterContentAddressableStorageServer(g, s)
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// FindMissingBlobs reports the requested digests that are not in the store,
// in request order. Duplicates are reported once per occurrence. Any store
// failure fails the whole call.
func (s *Server) FindMissingBlobs(ctx context.Context, req *remoteexecution.FindMissingBlobsRequest) (*remoteexecution.FindMissingBlobsResponse, error) {
	resp := &remoteexecution.FindMissingBlobsResponse{}

	for i, digest := range req.GetBlobDigests() {
		if digest == nil {
			return nil, grpcError(storage.Errorf(storage.InvalidArgument, "blob_digests[%d] is empty", i))
		}
		if digest.GetSizeBytes() < 0 {
			return nil, grpcError(storage.Errorf(storage.InvalidArgument, "blob_digests[%d] has negative size_bytes %d", i, digest.GetSizeBytes()))
		}

		ok, err := s.store.Has(ctx, digest.GetHash(), digest.GetSizeBytes())
		if err != nil {
			s.metrics.observeLookup("error")
			s.log().Error("FindMissingBlobs store lookup failed", "hash", digest.GetHash(), "size", digest.GetSizeBytes(), "error", err)
			return nil, grpcError(err)
		}

		if ok {
			s.metrics.observeLookup("hit")
			continue
		}

		s.metrics.observeLookup("miss")
		resp.MissingBlobDigests = append(resp.MissingBlobDigests, digest)
	}

	return resp, nil
}

// BatchUpdateBlobs writes every item of the batch independently. The
// response has exactly one entry per request item, in request order, each
// echoing the digest the client supplied. The call itself only fails if the
// request is unusable as a whole, which never happens for well-formed
// protobufs.
func (s *Server) BatchUpdateBlobs(ctx context.Context, req *remoteexecution.BatchUpdateBlobsRequest) (*remoteexecution.BatchUpdateBlobsResponse, error) {
	requests := req.GetRequests()
	responses := make([]*remoteexecution.BatchUpdateBlobsResponse_Response, len(requests))

	// A plain Group: one item's failure must not cancel the others.
	var eg errgroup.Group
	eg.SetLimit(s.concurrency)

	for i, item := range requests {
		eg.Go(func() error {
			err := s.updateBlob(ctx, item)
			st := StatusFromError(err)
			if err != nil {
				s.log().Debug("BatchUpdateBlobs item failed", "index", i, "hash", item.GetDigest().GetHash(), "code", codes.Code(st.GetCode()), "error", err)
			}
			s.metrics.observeItem(codes.Code(st.GetCode()))

			responses[i] = &remoteexecution.BatchUpdateBlobsResponse_Response{
				Digest: item.GetDigest(),
				Status: st,
			}
			return nil
		})
	}

	_ = eg.Wait()
	return &remoteexecution.BatchUpdateBlobsResponse{Responses: responses}, nil
}

// updateBlob validates one upload item and writes it. Validation failures
// never reach the store.
func (s *Server) updateBlob(ctx context.Context, item *remoteexecution.BatchUpdateBlobsRequest_Request) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			err = storage.Errorf(storage.Internal, "panic while writing blob: %v", rvr)
		}
	}()

	digest := item.GetDigest()
	if digest == nil {
		return storage.Errorf(storage.InvalidArgument, "Digest not found in request")
	}

	size, err := nativeSize(digest.GetSizeBytes())
	if err != nil {
		return err
	}

	data := item.GetData()
	if size != len(data) {
		return storage.Errorf(storage.InvalidArgument,
			"Digest for upload had mismatching sizes, digest said %d data said %d", size, len(data))
	}

	return s.store.Update(ctx, digest.GetHash(), digest.GetSizeBytes(), bytes.NewReader(data))
}

// nativeSize converts a digest size into an int, rejecting values that are
// negative or do not fit.
func nativeSize(sizeBytes int64) (int, error) {
	if sizeBytes < 0 || int64(int(sizeBytes)) != sizeBytes {
		return 0, storage.Errorf(storage.InvalidArgument, "Digest size_bytes %d was not convertible to a native size", sizeBytes)
	}
	return int(sizeBytes), nil
}

func (s *Server) BatchReadBlobs(ctx context.Context, req *remoteexecution.BatchReadBlobsRequest) (*remoteexecution.BatchReadBlobsResponse, error) {
	return nil, s.unimplemented("BatchReadBlobs")
}

func (s *Server) GetTree(req *remoteexecution.GetTreeRequest, stream remoteexecution.ContentAddressableStorage_GetTreeServer) error {
	return s.unimplemented("GetTree")
}

func (s *Server) unimplemented(op string) error {
	msg := fmt.Sprintf("%s not yet implemented", op)
	s.log().Warn(msg, "operation", op)
	return status.Error(codes.Unimplemented, msg)
}
