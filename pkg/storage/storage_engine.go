package storage

import (
	"context"
	"io"
)

// Store defines the interface for a blob persistence backend. Blobs are
// addressed by their content hash; size is the byte length the caller
// declared for the blob.
//
// Implementations must be safe for concurrent use. Two blobs are the same blob
// iff their hashes are equal.
type Store interface {
	// Has reports whether the blob identified by hash is present.
	Has(ctx context.Context, hash string, size int64) (bool, error)

	// Update stores exactly size bytes read from r under hash. A failed
	// update must not leave a partial blob visible to Has or Read. Updating
	// a blob that is already present succeeds without rewriting it.
	Update(ctx context.Context, hash string, size int64, r io.Reader) error

	// Read opens the payload previously stored under hash.
	Read(ctx context.Context, hash string, size int64) (io.ReadCloser, error)
}
