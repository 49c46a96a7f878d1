package engine

import (
	"bytes"
	"casd/pkg/storage"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SqliteStorage keeps blob payloads in a single SQLite table.
type SqliteStorage struct {
	db *sql.DB
}

// NewSqliteStorage opens the database at dbPath and ensures the blobs table
// exists.
func NewSqliteStorage(ctx context.Context, dbPath string) (*SqliteStorage, error) {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// SQLite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY under concurrent batch uploads.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SqliteStorage{db: db}, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS blobs (
		hash TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		data BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("create blobs table: %w", err)
	}
	return nil
}

func (s *SqliteStorage) Has(ctx context.Context, hash string, size int64) (bool, error) {
	if err := storage.ValidateHash(hash); err != nil {
		return false, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blobs WHERE hash = ?`, hash).Scan(&count); err != nil {
		return false, sqliteError("has", hash, err)
	}

	return count > 0, nil
}

func (s *SqliteStorage) Update(ctx context.Context, hash string, size int64, r io.Reader) error {
	if err := storage.ValidateHash(hash); err != nil {
		return err
	}

	data, err := readSized(hash, size, r)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blobs(hash, size, data, created_at) VALUES(?, ?, ?, ?)`,
		hash, size, data, time.Now().UTC(),
	)
	if err != nil {
		return sqliteError("update", hash, err)
	}
	return nil
}

func (s *SqliteStorage) Read(ctx context.Context, hash string, size int64) (io.ReadCloser, error) {
	if err := storage.ValidateHash(hash); err != nil {
		return nil, err
	}

	var data []byte
	if err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE hash = ?`, hash).Scan(&data); err != nil {
		return nil, sqliteError("read", hash, err)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *SqliteStorage) Close() error {
	return s.db.Close()
}

func sqliteError(op string, hash string, err error) error {
	var sqliteErr sqlite3.Error
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return &storage.Error{Kind: storage.NotFound, Op: op, Hash: hash, Err: errBlobNotFound}
	case errors.Is(err, sql.ErrConnDone):
		return &storage.Error{Kind: storage.Unavailable, Op: op, Hash: hash, Err: err}
	case errors.As(err, &sqliteErr):
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &storage.Error{Kind: storage.Unavailable, Op: op, Hash: hash, Err: err}
		case sqlite3.ErrPerm, sqlite3.ErrAuth, sqlite3.ErrReadonly:
			return &storage.Error{Kind: storage.PermissionDenied, Op: op, Hash: hash, Err: err}
		case sqlite3.ErrInterrupt:
			return &storage.Error{Kind: storage.Aborted, Op: op, Hash: hash, Err: err}
		}
	}
	return storage.Wrap(op, hash, err)
}
