package cas_test

import (
	"bytes"
	"casd/internal/cas"
	"casd/pkg/storage"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

func TestBatchUpdateBlobsPartialFailure(t *testing.T) {
	t.Parallel()

	store := newFaultStore()
	srv, _ := NewTestServer(t, store)
	ctx := t.Context()

	good := []byte("fine")
	bad := &remoteexecution.BatchUpdateBlobsRequest_Request{
		Digest: &remoteexecution.Digest{Hash: digestOf([]byte("hello")).GetHash(), SizeBytes: 5},
		Data:   []byte("hel"),
	}

	resp, err := srv.BatchUpdateBlobs(ctx, &remoteexecution.BatchUpdateBlobsRequest{
		Requests: []*remoteexecution.BatchUpdateBlobsRequest_Request{bad, uploadItem(good)},
	})
	require.NoError(t, err, "BatchUpdateBlobs never fails at call level")
	require.Len(t, resp.GetResponses(), 2, "one response per item")

	first := resp.GetResponses()[0]
	require.Equal(t, int32(codes.InvalidArgument), first.GetStatus().GetCode(), "size mismatch code")
	require.Contains(t, first.GetStatus().GetMessage(), "digest said 5 data said 3", "message reports both sizes")
	require.True(t, proto.Equal(bad.GetDigest(), first.GetDigest()), "original digest echoed")

	second := resp.GetResponses()[1]
	require.Equal(t, int32(codes.OK), second.GetStatus().GetCode(), "well-formed item succeeds")
	require.Empty(t, second.GetStatus().GetMessage(), "ok message")

	ok, err := store.Has(ctx, digestOf(good).GetHash(), int64(len(good)))
	require.NoError(t, err, "Has")
	require.True(t, ok, "good blob stored")

	ok, err = store.Has(ctx, bad.GetDigest().GetHash(), 5)
	require.NoError(t, err, "Has")
	require.False(t, ok, "mismatched blob not stored")
}

func TestBatchUpdateBlobsMissingDigest(t *testing.T) {
	t.Parallel()

	store := newFaultStore()
	srv, _ := NewTestServer(t, store)

	resp, err := srv.BatchUpdateBlobs(t.Context(), &remoteexecution.BatchUpdateBlobsRequest{
		Requests: []*remoteexecution.BatchUpdateBlobsRequest_Request{
			{Data: []byte("orphan")},
			uploadItem([]byte("kept")),
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.GetResponses(), 2)

	first := resp.GetResponses()[0]
	require.Nil(t, first.GetDigest(), "absent digest echoed as absent")
	require.Equal(t, int32(codes.InvalidArgument), first.GetStatus().GetCode())
	require.Contains(t, first.GetStatus().GetMessage(), "Digest not found in request")

	require.Equal(t, int32(codes.OK), resp.GetResponses()[1].GetStatus().GetCode())
}

func TestBatchUpdateBlobsInvalidSizes(t *testing.T) {
	t.Parallel()

	store := newFaultStore()
	srv, _ := NewTestServer(t, store)

	hash := digestOf([]byte("x")).GetHash()
	resp, err := srv.BatchUpdateBlobs(t.Context(), &remoteexecution.BatchUpdateBlobsRequest{
		Requests: []*remoteexecution.BatchUpdateBlobsRequest_Request{
			{Digest: &remoteexecution.Digest{Hash: hash, SizeBytes: -1}, Data: nil},
			{Digest: &remoteexecution.Digest{Hash: hash, SizeBytes: 2}, Data: []byte("x")},
		},
	})
	require.NoError(t, err)

	for i, r := range resp.GetResponses() {
		require.Equalf(t, int32(codes.InvalidArgument), r.GetStatus().GetCode(), "response[%d] code", i)
	}

	_, updates, _ := store.calls()
	require.Zero(t, updates, "validation failures never reach the store")
}

func TestBatchUpdateBlobsPreservesOrder(t *testing.T) {
	t.Parallel()

	store := newFaultStore()
	srv, _ := NewTestServer(t, store)

	var requests []*remoteexecution.BatchUpdateBlobsRequest_Request
	valid := 0
	for i := 0; i < 64; i++ {
		item := uploadItem([]byte(fmt.Sprintf("payload-%02d", i)))
		if i%3 == 0 {
			item.Data = item.Data[:1]
		} else {
			valid++
		}
		requests = append(requests, item)
	}

	resp, err := srv.BatchUpdateBlobs(t.Context(), &remoteexecution.BatchUpdateBlobsRequest{Requests: requests})
	require.NoError(t, err)
	require.Len(t, resp.GetResponses(), len(requests), "one response per item")

	for i, r := range resp.GetResponses() {
		require.Truef(t, proto.Equal(requests[i].GetDigest(), r.GetDigest()), "response[%d] echoes request[%d] digest", i, i)
		want := int32(codes.OK)
		if i%3 == 0 {
			want = int32(codes.InvalidArgument)
		}
		require.Equalf(t, want, r.GetStatus().GetCode(), "response[%d] code", i)
	}

	_, updates, _ := store.calls()
	require.Equal(t, valid, updates, "only valid items reach the store")
	require.Equal(t, valid, store.Len(), "stored blobs")
}

func TestBatchUpdateBlobsStoreFailureIsPerItem(t *testing.T) {
	t.Parallel()

	store := newFaultStore()
	srv, reg := NewTestServer(t, store)

	unavailable := []byte("unavailable")
	denied := []byte("denied")
	explodes := []byte("explodes")
	fine := []byte("fine")

	store.updateErr[digestOf(unavailable).GetHash()] = storage.Errorf(storage.Unavailable, "backend restarting")
	store.updateErr[digestOf(denied).GetHash()] = &storage.Error{Kind: storage.PermissionDenied, Op: "update", Err: errors.New("read-only volume")}
	store.panicOn[digestOf(explodes).GetHash()] = true

	resp, err := srv.BatchUpdateBlobs(t.Context(), &remoteexecution.BatchUpdateBlobsRequest{
		Requests: []*remoteexecution.BatchUpdateBlobsRequest_Request{
			uploadItem(unavailable), uploadItem(denied), uploadItem(explodes), uploadItem(fine),
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.GetResponses(), 4)

	got := make([]int32, 0, 4)
	for _, r := range resp.GetResponses() {
		got = append(got, r.GetStatus().GetCode())
	}
	require.Equal(t, []int32{
		int32(codes.Unavailable),
		int32(codes.PermissionDenied),
		int32(codes.Internal),
		int32(codes.OK),
	}, got, "per-item codes")

	require.Equal(t, "unavailable: backend restarting", resp.GetResponses()[0].GetStatus().GetMessage())
	require.Contains(t, resp.GetResponses()[1].GetStatus().GetMessage(), "read-only volume")

	require.Equal(t, 1.0, counterValue(t, reg, "casd_batch_update_items_total", map[string]string{"code": "OK"}))
	require.Equal(t, 1.0, counterValue(t, reg, "casd_batch_update_items_total", map[string]string{"code": "Unavailable"}))
}

func TestBatchUpdateBlobsEmpty(t *testing.T) {
	t.Parallel()

	srv, _ := NewTestServer(t, newFaultStore())

	resp, err := srv.BatchUpdateBlobs(t.Context(), &remoteexecution.BatchUpdateBlobsRequest{})
	require.NoError(t, err)
	require.Empty(t, resp.GetResponses())
}

func TestFindMissingBlobsRoundTrip(t *testing.T) {
	t.Parallel()

	store := newFaultStore()
	srv, reg := NewTestServer(t, store)
	ctx := t.Context()

	present := []byte("present")
	absent := digestOf([]byte("absent"))

	_, err := srv.BatchUpdateBlobs(ctx, &remoteexecution.BatchUpdateBlobsRequest{
		Requests: []*remoteexecution.BatchUpdateBlobsRequest_Request{uploadItem(present)},
	})
	require.NoError(t, err)

	req := &remoteexecution.FindMissingBlobsRequest{
		BlobDigests: []*remoteexecution.Digest{absent, digestOf(present), absent},
	}

	for i := 0; i < 2; i++ {
		resp, err := srv.FindMissingBlobs(ctx, req)
		require.NoErrorf(t, err, "FindMissingBlobs #%d", i)
		require.Lenf(t, resp.GetMissingBlobDigests(), 2, "duplicates reported per occurrence (#%d)", i)
		for _, d := range resp.GetMissingBlobDigests() {
			require.True(t, proto.Equal(absent, d), "only the absent digest is missing")
		}
	}

	require.Equal(t, 2.0, counterValue(t, reg, "casd_blob_lookups_total", map[string]string{"result": "hit"}))
	require.Equal(t, 4.0, counterValue(t, reg, "casd_blob_lookups_total", map[string]string{"result": "miss"}))
}

func TestFindMissingBlobsUsesDeclaredSize(t *testing.T) {
	t.Parallel()

	store := newFaultStore()
	srv, _ := NewTestServer(t, store)

	digest := &remoteexecution.Digest{Hash: digestOf([]byte("abc")).GetHash(), SizeBytes: 1234}
	_, err := srv.FindMissingBlobs(t.Context(), &remoteexecution.FindMissingBlobsRequest{
		BlobDigests: []*remoteexecution.Digest{digest},
	})
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, []int64{1234}, store.hasSizes, "store queried with size_bytes, not hash length")
}

func TestFindMissingBlobsStoreFailure(t *testing.T) {
	t.Parallel()

	store := newFaultStore()
	srv, _ := NewTestServer(t, store)

	broken := digestOf([]byte("broken"))
	store.hasErr[broken.GetHash()] = storage.Errorf(storage.PermissionDenied, "no access")

	_, err := srv.FindMissingBlobs(t.Context(), &remoteexecution.FindMissingBlobsRequest{
		BlobDigests: []*remoteexecution.Digest{digestOf([]byte("ok")), broken},
	})
	require.Error(t, err)

	st, ok := status.FromError(err)
	require.True(t, ok, "gRPC status error")
	require.Equal(t, codes.PermissionDenied, st.Code())
	require.Equal(t, "permission-denied: no access", st.Message())
}

func TestFindMissingBlobsRejectsBadDigests(t *testing.T) {
	t.Parallel()

	store := newFaultStore()
	srv, _ := NewTestServer(t, store)

	for name, digest := range map[string]*remoteexecution.Digest{
		"negative size": {Hash: digestOf(nil).GetHash(), SizeBytes: -5},
		"nil digest":    nil,
	} {
		_, err := srv.FindMissingBlobs(t.Context(), &remoteexecution.FindMissingBlobsRequest{
			BlobDigests: []*remoteexecution.Digest{digest},
		})
		require.Equalf(t, codes.InvalidArgument, status.Code(err), "%s code", name)
	}

	has, _, _ := store.calls()
	require.Zero(t, has, "invalid digests never reach the store")
}

func TestUnimplementedOperations(t *testing.T) {
	t.Parallel()

	store := newFaultStore()
	srv, _ := NewTestServer(t, store)

	_, err := srv.BatchReadBlobs(t.Context(), &remoteexecution.BatchReadBlobsRequest{
		Digests: []*remoteexecution.Digest{digestOf([]byte("x"))},
	})
	require.Equal(t, codes.Unimplemented, status.Code(err), "BatchReadBlobs code")
	require.Contains(t, status.Convert(err).Message(), "BatchReadBlobs")

	err = srv.GetTree(&remoteexecution.GetTreeRequest{RootDigest: digestOf([]byte("root"))}, nil)
	require.Equal(t, codes.Unimplemented, status.Code(err), "GetTree code")
	require.Contains(t, status.Convert(err).Message(), "GetTree")

	has, update, read := store.calls()
	require.Zero(t, has+update+read, "stubs never touch the store")
}

func TestServerUsesConfiguredLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	srv := cas.NewServer(newFaultStore(), cas.WithLogger(logger))

	_, err := srv.BatchReadBlobs(t.Context(), &remoteexecution.BatchReadBlobsRequest{})
	require.Equal(t, codes.Unimplemented, status.Code(err))

	require.Contains(t, buf.String(), "level=WARN")
	require.Contains(t, buf.String(), "BatchReadBlobs not yet implemented")
}
