package engine

import (
	"bytes"
	"casd/pkg/storage"
	"context"
	"io"
	"sync"
)

// MemoryStorage keeps blobs in a map. It is meant for tests and throwaway
// development servers.
type MemoryStorage struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{blobs: make(map[string][]byte)}
}

func (s *MemoryStorage) Has(ctx context.Context, hash string, size int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storage.Wrap("has", hash, err)
	}
	if err := storage.ValidateHash(hash); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok, nil
}

func (s *MemoryStorage) Update(ctx context.Context, hash string, size int64, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return storage.Wrap("update", hash, err)
	}
	if err := storage.ValidateHash(hash); err != nil {
		return err
	}

	if ok, _ := s.Has(ctx, hash, size); ok {
		return nil
	}

	data, err := readSized(hash, size, r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[hash]; !ok {
		s.blobs[hash] = data
	}
	return nil
}

func (s *MemoryStorage) Read(ctx context.Context, hash string, size int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Wrap("read", hash, err)
	}
	if err := storage.ValidateHash(hash); err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, ok := s.blobs[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, &storage.Error{Kind: storage.NotFound, Op: "read", Hash: hash, Err: errBlobNotFound}
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// Len returns the number of stored blobs.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func (s *MemoryStorage) Close() error {
	return nil
}
