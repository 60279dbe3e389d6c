//go:build !gcp

package snapshotarchive

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	return nil, fmt.Errorf("snapshotarchive: GCS cold storage is not enabled in this build (use -tags gcp)")
}
