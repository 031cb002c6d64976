package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects the object-store backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv builds an object store from environment variables.
//
//   - ARTIFACT_STORAGE_TYPE: "fs" (default), "s3" or "gcs"
//   - DATA_DIR: base directory for the filesystem store (default "data")
//   - ARTIFACT_S3_BUCKET / ARTIFACT_S3_REGION / ARTIFACT_S3_ENDPOINT /
//     ARTIFACT_S3_PREFIX for S3
//   - ARTIFACT_GCS_BUCKET / ARTIFACT_GCS_PREFIX for GCS (build tag gcp)
func NewStoreFromEnv(ctx context.Context) (ObjectStore, error) {
	storeType := StoreType(os.Getenv("ARTIFACT_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "artifacts"))

	case StoreTypeS3:
		bucket := os.Getenv("ARTIFACT_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("artifacts: ARTIFACT_S3_BUCKET is required for s3 storage")
		}
		region := os.Getenv("ARTIFACT_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
		})

	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)

	default:
		return nil, fmt.Errorf("artifacts: unknown storage type %q", storeType)
	}
}
