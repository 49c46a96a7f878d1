package engine

import (
	"casd/pkg/storage"
	"io"
)

// readSized reads the whole payload from r and checks that it is exactly
// size bytes long. At most size+1 bytes are consumed.
func readSized(hash string, size int64, r io.Reader) ([]byte, error) {
	if size < 0 {
		return nil, storage.Errorf(storage.InvalidArgument, "negative size %d for %s", size, hash)
	}

	data, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		return nil, storage.Wrap("read payload", hash, err)
	}

	if int64(len(data)) != size {
		return nil, storage.Errorf(storage.InvalidArgument, "payload for %s is %d bytes, expected %d", hash, len(data), size)
	}

	return data, nil
}
