package engine

import (
	"bytes"
	"casd/pkg/storage"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
)

const pebbleKeyPrefix = "cas/"

// PebbleStorage stores blob payloads as values in a Pebble key/value store,
// keyed by "cas/<hash>".
type PebbleStorage struct {
	db *pebble.DB
}

// NewPebbleStorage opens (or creates) the Pebble database at dir.
func NewPebbleStorage(dir string) (*PebbleStorage, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	return &PebbleStorage{db: db}, nil
}

func pebbleKey(hash string) []byte {
	return []byte(pebbleKeyPrefix + hash)
}

func (s *PebbleStorage) Has(ctx context.Context, hash string, size int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storage.Wrap("has", hash, err)
	}
	if err := storage.ValidateHash(hash); err != nil {
		return false, err
	}

	_, closer, err := s.db.Get(pebbleKey(hash))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, pebbleError("has", hash, err)
	}
	_ = closer.Close()

	return true, nil
}

func (s *PebbleStorage) Update(ctx context.Context, hash string, size int64, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return storage.Wrap("update", hash, err)
	}
	if err := storage.ValidateHash(hash); err != nil {
		return err
	}

	if ok, err := s.Has(ctx, hash, size); err != nil || ok {
		return err
	}

	data, err := readSized(hash, size, r)
	if err != nil {
		return err
	}

	if err := s.db.Set(pebbleKey(hash), data, pebble.Sync); err != nil {
		return pebbleError("update", hash, err)
	}
	return nil
}

func (s *PebbleStorage) Read(ctx context.Context, hash string, size int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Wrap("read", hash, err)
	}
	if err := storage.ValidateHash(hash); err != nil {
		return nil, err
	}

	value, closer, err := s.db.Get(pebbleKey(hash))
	if err != nil {
		return nil, pebbleError("read", hash, err)
	}
	defer closer.Close()

	// value is only valid until closer is closed.
	data := bytes.Clone(value)
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *PebbleStorage) Close() error {
	return s.db.Close()
}

func pebbleError(op string, hash string, err error) error {
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		return &storage.Error{Kind: storage.NotFound, Op: op, Hash: hash, Err: err}
	case errors.Is(err, pebble.ErrClosed):
		return &storage.Error{Kind: storage.Unavailable, Op: op, Hash: hash, Err: err}
	default:
		return storage.Wrap(op, hash, err)
	}
}
