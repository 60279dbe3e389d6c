package snapshotarchive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// BackendType selects which Store implementation NewStoreFromEnv builds.
type BackendType string

const (
	BackendFS  BackendType = "fs"
	BackendS3  BackendType = "s3"
	BackendGCS BackendType = "gcs"
)

// NewStoreFromEnv builds a cold-storage Store from environment variables.
//
//   - SNAPSHOT_ARCHIVE_BACKEND: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory for the filesystem backend (default "data")
//
// For S3:
//   - AWS_REGION or SNAPSHOT_ARCHIVE_S3_REGION
//   - SNAPSHOT_ARCHIVE_S3_BUCKET (required)
//   - SNAPSHOT_ARCHIVE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - SNAPSHOT_ARCHIVE_S3_PREFIX (optional)
//
// For GCS:
//   - SNAPSHOT_ARCHIVE_GCS_BUCKET (required)
//   - SNAPSHOT_ARCHIVE_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := BackendType(os.Getenv("SNAPSHOT_ARCHIVE_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		return newFileStoreFromEnv()
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("snapshotarchive: unsupported backend: %s", backend)
	}
}

func newFileStoreFromEnv() (Store, error) {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFileStore(filepath.Join(dataDir, "snapshot-archive"))
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("SNAPSHOT_ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("SNAPSHOT_ARCHIVE_S3_BUCKET is required for S3 cold storage")
	}

	region := os.Getenv("SNAPSHOT_ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("SNAPSHOT_ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("SNAPSHOT_ARCHIVE_S3_PREFIX"),
	})
}
