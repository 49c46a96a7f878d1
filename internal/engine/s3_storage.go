package engine

import (
	"casd/pkg/storage"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures the S3-compatible backend.
type S3Config struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	Prefix    string `toml:"prefix"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl"`
}

// S3Storage stores blob payloads as objects in an S3-compatible bucket,
// keyed by <prefix>/<hash[0:2]>/<hash>.
type S3Storage struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Storage connects to the configured endpoint and creates the bucket if
// it does not exist yet.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 endpoint and bucket must not be empty")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &S3Storage{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Storage) objectKey(hash string) string {
	return path.Join(s.prefix, "cas", hash[:2], hash)
}

func (s *S3Storage) Has(ctx context.Context, hash string, size int64) (bool, error) {
	if err := storage.ValidateHash(hash); err != nil {
		return false, err
	}

	_, err := s.client.StatObject(ctx, s.bucket, s.objectKey(hash), minio.StatObjectOptions{})
	if err != nil {
		if s3ErrorKind(err) == storage.NotFound {
			return false, nil
		}
		return false, s3Error("has", hash, err)
	}

	return true, nil
}

func (s *S3Storage) Update(ctx context.Context, hash string, size int64, r io.Reader) error {
	if err := storage.ValidateHash(hash); err != nil {
		return err
	}
	if size < 0 {
		return storage.Errorf(storage.InvalidArgument, "negative size %d for %s", size, hash)
	}

	if ok, err := s.Has(ctx, hash, size); err != nil || ok {
		return err
	}

	// PutObject with a known size uploads atomically; the object is not
	// visible until the upload completes.
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(hash), r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return s3Error("update", hash, err)
	}
	return nil
}

func (s *S3Storage) Read(ctx context.Context, hash string, size int64) (io.ReadCloser, error) {
	if err := storage.ValidateHash(hash); err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(hash), minio.GetObjectOptions{})
	if err != nil {
		return nil, s3Error("read", hash, err)
	}

	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, s3Error("read", hash, err)
	}

	return obj, nil
}

func (s *S3Storage) Close() error {
	return nil
}

func s3Error(op string, hash string, err error) error {
	return &storage.Error{Kind: s3ErrorKind(err), Op: op, Hash: hash, Err: err}
}

// s3ErrorKind classifies an error returned by minio-go.
func s3ErrorKind(err error) storage.Kind {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return storage.NotFound
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return storage.PermissionDenied
	case "SlowDown", "ServiceUnavailable":
		return storage.Unavailable
	case "RequestTimeout":
		return storage.DeadlineExceeded
	case "InvalidArgument", "InvalidObjectName", "EntityTooLarge", "IncompleteBody":
		return storage.InvalidArgument
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return storage.NotFound
	case resp.StatusCode == http.StatusForbidden:
		return storage.PermissionDenied
	case resp.StatusCode == http.StatusServiceUnavailable:
		return storage.Unavailable
	case resp.StatusCode >= 500:
		return storage.Internal
	case resp.StatusCode == 0 && storage.KindOf(err) == storage.Internal:
		// No HTTP response at all: the endpoint could not be reached.
		return storage.Unavailable
	default:
		return storage.KindOf(err)
	}
}
