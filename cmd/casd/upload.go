package main

import (
	"casd/internal/core"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
)

const (
	serverEnvKey = "CASD_SERVER"

	// batchEnvelopeBytes is kept free below the server's receive limit for
	// request framing.
	batchEnvelopeBytes = 64 * 1024

	defaultUploadBatchBytes = core.DefaultMaxBatchBytes - batchEnvelopeBytes
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

type uploadFlags struct {
	server        string
	useTLS        bool
	maxBatchBytes int
}

func newUploadCmd() *cobra.Command {
	var flags uploadFlags

	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload files to a casd server, skipping blobs it already has",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds := insecure.NewCredentials()
			if flags.useTLS {
				creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
			}

			conn, err := grpc.NewClient(flags.server, grpc.WithTransportCredentials(creds))
			if err != nil {
				return fmt.Errorf("failed to create client for %s: %w", flags.server, err)
			}
			defer conn.Close()

			client := remoteexecution.NewContentAddressableStorageClient(conn)
			result, err := uploadFiles(cmd.Context(), client, args, flags.maxBatchBytes)
			if err != nil {
				return err
			}

			cmd.Printf("uploaded %d of %d blobs\n", result.Uploaded, result.Unique)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.server, "server", getenv(serverEnvKey, "localhost"+core.DefaultListenAddr), "casd gRPC address")
	cmd.Flags().BoolVar(&flags.useTLS, "tls", false, "connect using TLS")
	cmd.Flags().IntVar(&flags.maxBatchBytes, "max-batch-bytes", defaultUploadBatchBytes, "upper bound on encoded bytes per BatchUpdateBlobs request")
	return cmd
}

type localBlob struct {
	path   string
	digest *remoteexecution.Digest
	data   []byte
}

// readBlob loads a file and computes its SHA-256 digest.
func readBlob(path string) (localBlob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return localBlob{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	sum := sha256.Sum256(data)
	return localBlob{
		path:   path,
		digest: &remoteexecution.Digest{Hash: hex.EncodeToString(sum[:]), SizeBytes: int64(len(data))},
		data:   data,
	}, nil
}

// uploadResult counts the distinct blobs found among the files and how many
// of them were written by this upload.
type uploadResult struct {
	Unique   int
	Uploaded int
}

// encodedItemSize is the number of bytes item adds to an encoded
// BatchUpdateBlobsRequest.
func encodedItemSize(item *remoteexecution.BatchUpdateBlobsRequest_Request) int {
	return proto.Size(&remoteexecution.BatchUpdateBlobsRequest{
		Requests: []*remoteexecution.BatchUpdateBlobsRequest_Request{item},
	})
}

// uploadFiles asks the server which of the files it is missing and uploads
// only those, grouping them into requests whose encoded size stays within
// maxBatchBytes. A blob that cannot fit in any request fails the upload
// before anything is sent.
func uploadFiles(ctx context.Context, client remoteexecution.ContentAddressableStorageClient, paths []string, maxBatchBytes int) (uploadResult, error) {
	var result uploadResult

	blobs := make(map[string]localBlob, len(paths))
	digests := make([]*remoteexecution.Digest, 0, len(paths))
	for _, path := range paths {
		blob, err := readBlob(path)
		if err != nil {
			return result, err
		}
		if _, ok := blobs[blob.digest.Hash]; ok {
			continue
		}
		blobs[blob.digest.Hash] = blob
		digests = append(digests, blob.digest)
	}
	result.Unique = len(digests)

	missing, err := client.FindMissingBlobs(ctx, &remoteexecution.FindMissingBlobsRequest{BlobDigests: digests})
	if err != nil {
		return result, fmt.Errorf("failed to find missing blobs: %w", err)
	}
	slog.Info("Checked server for blobs", "total", len(digests), "missing", len(missing.GetMissingBlobDigests()))

	var batches [][]*remoteexecution.BatchUpdateBlobsRequest_Request
	var current []*remoteexecution.BatchUpdateBlobsRequest_Request
	currentBytes := 0
	for _, digest := range missing.GetMissingBlobDigests() {
		blob, ok := blobs[digest.GetHash()]
		if !ok {
			return result, fmt.Errorf("server reported unknown digest %s", digest.GetHash())
		}

		item := &remoteexecution.BatchUpdateBlobsRequest_Request{Digest: blob.digest, Data: blob.data}
		itemBytes := encodedItemSize(item)
		if itemBytes > maxBatchBytes {
			return result, fmt.Errorf("%s is too large to upload: %d encoded bytes exceeds the batch limit of %d", blob.path, itemBytes, maxBatchBytes)
		}

		if len(current) > 0 && currentBytes+itemBytes > maxBatchBytes {
			batches = append(batches, current)
			current, currentBytes = nil, 0
		}
		current = append(current, item)
		currentBytes += itemBytes
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}

	var failed int
	for _, batch := range batches {
		resp, err := client.BatchUpdateBlobs(ctx, &remoteexecution.BatchUpdateBlobsRequest{Requests: batch})
		if err != nil {
			return result, fmt.Errorf("failed to upload batch of %d blobs: %w", len(batch), err)
		}

		for _, item := range resp.GetResponses() {
			blob := blobs[item.GetDigest().GetHash()]
			if code := codes.Code(item.GetStatus().GetCode()); code != codes.OK {
				failed++
				slog.Error("Failed to upload blob", "path", blob.path, "hash", item.GetDigest().GetHash(), "code", code, "message", item.GetStatus().GetMessage())
				continue
			}
			result.Uploaded++
			slog.Info("Uploaded blob", "path", blob.path, "hash", item.GetDigest().GetHash(), "size", item.GetDigest().GetSizeBytes())
		}
	}

	if failed > 0 {
		return result, fmt.Errorf("%d of %d blobs failed to upload", failed, result.Uploaded+failed)
	}
	return result, nil
}
