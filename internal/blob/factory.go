package blob

import (
	"context"
	"fmt"
	"os"
	"strings"

	infrafs "chemlab/internal/infra/blob/fs"
	inframem "chemlab/internal/infra/blob/memory"
	infras3 "chemlab/internal/infra/blob/s3"
)

// S3Config re-exports the S3 driver configuration.
type S3Config = infras3.Config

// Config selects and configures a blob driver.
type Config struct {
	Driver string
	FSRoot string
	S3     S3Config
}

// ConfigFromEnv reads driver settings from the environment.
//
//	CHEMLAB_BLOB_DRIVER: fs|s3|memory (default fs)
//	CHEMLAB_BLOB_FS_ROOT: directory root when driver=fs (default ./reports)
//	CHEMLAB_BLOB_S3_BUCKET, CHEMLAB_BLOB_S3_REGION, CHEMLAB_BLOB_S3_ENDPOINT,
//	CHEMLAB_BLOB_S3_PATH_STYLE: S3 settings when driver=s3
func ConfigFromEnv() Config {
	return Config{
		Driver: os.Getenv("CHEMLAB_BLOB_DRIVER"),
		FSRoot: os.Getenv("CHEMLAB_BLOB_FS_ROOT"),
		S3: S3Config{
			Bucket:    os.Getenv("CHEMLAB_BLOB_S3_BUCKET"),
			Region:    os.Getenv("CHEMLAB_BLOB_S3_REGION"),
			Endpoint:  os.Getenv("CHEMLAB_BLOB_S3_ENDPOINT"),
			PathStyle: strings.EqualFold(os.Getenv("CHEMLAB_BLOB_S3_PATH_STYLE"), "true"),
		},
	}
}

// Open constructs the configured driver. An empty driver selects fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := Driver(strings.ToLower(strings.TrimSpace(cfg.Driver)))
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return infrafs.New(cfg.FSRoot)
	case DriverS3:
		return infras3.New(ctx, cfg.S3)
	case DriverMemory:
		return inframem.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
