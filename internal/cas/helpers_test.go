package cas_test

import (
	"casd/internal/cas"
	"casd/internal/engine"
	"casd/pkg/storage"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// faultStore wraps a MemoryStorage, counts calls and injects failures for
// selected hashes.
type faultStore struct {
	*engine.MemoryStorage

	mu          sync.Mutex
	hasErr      map[string]error
	updateErr   map[string]error
	panicOn     map[string]bool
	hasCalls    int
	updateCalls int
	readCalls   int
	hasSizes    []int64
}

func newFaultStore() *faultStore {
	return &faultStore{
		MemoryStorage: engine.NewMemoryStorage(),
		hasErr:        map[string]error{},
		updateErr:     map[string]error{},
		panicOn:       map[string]bool{},
	}
}

func (f *faultStore) Has(ctx context.Context, hash string, size int64) (bool, error) {
	f.mu.Lock()
	f.hasCalls++
	f.hasSizes = append(f.hasSizes, size)
	err := f.hasErr[hash]
	f.mu.Unlock()

	if err != nil {
		return false, err
	}
	return f.MemoryStorage.Has(ctx, hash, size)
}

func (f *faultStore) Update(ctx context.Context, hash string, size int64, r io.Reader) error {
	f.mu.Lock()
	f.updateCalls++
	err := f.updateErr[hash]
	panics := f.panicOn[hash]
	f.mu.Unlock()

	if panics {
		panic("store exploded")
	}
	if err != nil {
		return err
	}
	return f.MemoryStorage.Update(ctx, hash, size, r)
}

func (f *faultStore) Read(ctx context.Context, hash string, size int64) (io.ReadCloser, error) {
	f.mu.Lock()
	f.readCalls++
	f.mu.Unlock()
	return f.MemoryStorage.Read(ctx, hash, size)
}

func (f *faultStore) calls() (has, update, read int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasCalls, f.updateCalls, f.readCalls
}

var _ storage.Store = (*faultStore)(nil)

// NewTestServer creates a CAS server over store with its own metrics
// registry.
func NewTestServer(t *testing.T, store storage.Store) (*cas.Server, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	srv := cas.NewServer(store,
		cas.WithBatchConcurrency(4),
		cas.WithMetrics(cas.NewMetrics(reg)),
	)
	return srv, reg
}

func digestOf(payload []byte) *remoteexecution.Digest {
	sum := sha256.Sum256(payload)
	return &remoteexecution.Digest{Hash: hex.EncodeToString(sum[:]), SizeBytes: int64(len(payload))}
}

func uploadItem(payload []byte) *remoteexecution.BatchUpdateBlobsRequest_Request {
	return &remoteexecution.BatchUpdateBlobsRequest_Request{Digest: digestOf(payload), Data: payload}
}

// counterValue returns the value of the counter name with the given label
// values, or 0 if it has not been observed.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err, "gathering metrics")

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}
