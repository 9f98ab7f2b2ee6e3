package blob

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Options selects and configures a blob backend.
type Options struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// OptionsFromEnv reads the blob settings from the environment.
//
//	PLATEFLOW_BLOB_DRIVER: fs|s3|memory (default fs)
//	PLATEFLOW_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
//	PLATEFLOW_BLOB_S3_BUCKET, _REGION, _ENDPOINT, _PATH_STYLE: S3 settings
//	AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN: optional credentials
func OptionsFromEnv() Options {
	return Options{
		Driver: Driver(os.Getenv("PLATEFLOW_BLOB_DRIVER")),
		FSRoot: os.Getenv("PLATEFLOW_BLOB_FS_ROOT"),
		S3: S3Config{
			Bucket:    os.Getenv("PLATEFLOW_BLOB_S3_BUCKET"),
			Region:    os.Getenv("PLATEFLOW_BLOB_S3_REGION"),
			Endpoint:  os.Getenv("PLATEFLOW_BLOB_S3_ENDPOINT"),
			PathStyle: strings.EqualFold(os.Getenv("PLATEFLOW_BLOB_S3_PATH_STYLE"), "true"),
		},
	}
}

// Open constructs the configured blob.Store. An empty driver selects the
// filesystem backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(opts.FSRoot)
	case DriverS3:
		if opts.S3.Bucket == "" {
			return nil, fmt.Errorf("PLATEFLOW_BLOB_S3_BUCKET required for s3 driver")
		}
		return NewS3(ctx, opts.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", driver)
	}
}
