package engine

import (
	"casd/pkg/storage"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	EngineMemory = "memory"
	EngineFS     = "fs"
	EnginePebble = "pebble"
	EngineSqlite = "sqlite"
	EngineS3     = "s3"
)

var errBlobNotFound = errors.New("blob not found")

// Engines lists the supported engine names.
var Engines = []string{EngineMemory, EngineFS, EnginePebble, EngineSqlite, EngineS3}

// Backend is a Store that holds resources which must be released.
type Backend interface {
	storage.Store
	Close() error
}

// Options selects and configures a Backend.
type Options struct {
	Engine  string
	DataDir string
	S3      S3Config
}

// Open creates the Backend named by opts.Engine. Disk-backed engines keep
// their files under opts.DataDir.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Engine {
	case EngineMemory:
		return NewMemoryStorage(), nil
	case EngineFS:
		return NewLocalFileStorage(opts.DataDir)
	case EnginePebble:
		return NewPebbleStorage(filepath.Join(opts.DataDir, "pebble"))
	case EngineSqlite:
		if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return NewSqliteStorage(ctx, filepath.Join(opts.DataDir, "blobs.sqlite"))
	case EngineS3:
		return NewS3Storage(ctx, opts.S3)
	default:
		return nil, fmt.Errorf("unknown storage engine %q", opts.Engine)
	}
}

// IsKnown reports whether name is a supported engine.
func IsKnown(name string) bool {
	for _, e := range Engines {
		if e == name {
			return true
		}
	}
	return false
}
