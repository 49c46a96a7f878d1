package engine

import (
	"casd/pkg/storage"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalFileStorage is a Store implementation that keeps blob payloads on the
// local filesystem under a content-addressed layout rooted at dataDir:
//
//	<dataDir>/cas/<hash[0:2]>/<hash>
//
// Writes land in <dataDir>/tmp first and are renamed into place once the
// whole payload has been received, so a blob is either absent or complete.
type LocalFileStorage struct {
	dataDir string
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at dataDir.
func NewLocalFileStorage(dataDir string) (*LocalFileStorage, error) {
	if dataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}

	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}

	for _, dir := range []string{filepath.Join(abs, "cas"), filepath.Join(abs, "tmp")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	return &LocalFileStorage{dataDir: abs}, nil
}

// ObjectPath computes the full filesystem path for the blob identified by
// hash under directory.
func ObjectPath(directory string, hash string) (string, error) {
	if err := storage.ValidateHash(hash); err != nil {
		return "", err
	}
	return filepath.Join(directory, "cas", hash[:2], hash), nil
}

func (s *LocalFileStorage) Has(ctx context.Context, hash string, size int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storage.Wrap("has", hash, err)
	}

	objPath, err := ObjectPath(s.dataDir, hash)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(objPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, storage.Wrap("has", hash, err)
	}

	return info.Mode().IsRegular(), nil
}

func (s *LocalFileStorage) Update(ctx context.Context, hash string, size int64, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return storage.Wrap("update", hash, err)
	}

	objPath, err := ObjectPath(s.dataDir, hash)
	if err != nil {
		return err
	}

	if size < 0 {
		return storage.Errorf(storage.InvalidArgument, "negative size %d for %s", size, hash)
	}

	if _, err := os.Stat(objPath); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Join(s.dataDir, "tmp"), "upload-*")
	if err != nil {
		return storage.Wrap("update", hash, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	n, err := io.Copy(tmp, io.LimitReader(r, size+1))
	if err != nil {
		cleanup()
		return storage.Wrap("update", hash, err)
	}
	if n != size {
		cleanup()
		return storage.Errorf(storage.InvalidArgument, "payload for %s is %d bytes, expected %d", hash, n, size)
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return storage.Wrap("update", hash, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return storage.Wrap("update", hash, err)
	}

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		_ = os.Remove(tmpPath)
		return storage.Wrap("update", hash, err)
	}

	// tmp and cas share dataDir, so the rename never crosses filesystems.
	if err := os.Rename(tmpPath, objPath); err != nil {
		_ = os.Remove(tmpPath)
		return storage.Wrap("update", hash, err)
	}

	return nil
}

func (s *LocalFileStorage) Read(ctx context.Context, hash string, size int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Wrap("read", hash, err)
	}

	objPath, err := ObjectPath(s.dataDir, hash)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(objPath)
	if err != nil {
		return nil, storage.Wrap("read", hash, err)
	}
	return f, nil
}

func (s *LocalFileStorage) Close() error {
	return nil
}
