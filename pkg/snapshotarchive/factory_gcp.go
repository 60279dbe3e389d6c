//go:build gcp

package snapshotarchive

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("SNAPSHOT_ARCHIVE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("SNAPSHOT_ARCHIVE_GCS_BUCKET is required for GCS cold storage")
	}

	return NewGCSStore(ctx, GCSStoreConfig{
		Bucket: bucket,
		Prefix: os.Getenv("SNAPSHOT_ARCHIVE_GCS_PREFIX"),
	})
}
