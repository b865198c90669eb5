package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/beam-cloud/pbo/pkg/common"
)

// ArchiveStorage resolves an archive location to a local file that the
// archive reader can open and seek.
type ArchiveStorage interface {
	LocalPath() string
	CachedLocally() bool
	Cleanup() error
}

type ArchiveStorageCredentials struct {
	S3 *S3ArchiveStorageCredentials
}

type ArchiveStorageOpts struct {
	// Location is a filesystem path or an s3://bucket/key URI.
	Location       string
	CachePath      string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	UseIPv6        bool
	Credentials    ArchiveStorageCredentials
}

// ParseLocation splits an archive location into its storage mode and, for
// S3, the bucket and key.
func ParseLocation(location string) (mode common.StorageMode, bucket string, key string, err error) {
	if location == "" {
		return "", "", "", fmt.Errorf("%w: empty location", common.ErrInvalidLocation)
	}

	if !strings.HasPrefix(location, "s3://") {
		return common.StorageModeLocal, "", "", nil
	}

	u, err := url.Parse(location)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %v", common.ErrInvalidLocation, err)
	}

	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", "", fmt.Errorf("%w: %s must name a bucket and a key", common.ErrInvalidLocation, location)
	}

	return common.StorageModeS3, bucket, key, nil
}

func NewArchiveStorage(ctx context.Context, opts ArchiveStorageOpts) (ArchiveStorage, error) {
	mode, bucket, key, err := ParseLocation(opts.Location)
	if err != nil {
		return nil, err
	}

	var storage ArchiveStorage
	switch mode {
	case common.StorageModeS3:
		s3Opts := S3ArchiveStorageOpts{
			Bucket:         bucket,
			Key:            key,
			Region:         opts.Region,
			Endpoint:       opts.Endpoint,
			CachePath:      opts.CachePath,
			ForcePathStyle: opts.ForcePathStyle,
			UseIPv6:        opts.UseIPv6,
		}
		if opts.Credentials.S3 != nil {
			s3Opts.AccessKey = opts.Credentials.S3.AccessKey
			s3Opts.SecretKey = opts.Credentials.S3.SecretKey
		}
		storage, err = NewS3ArchiveStorage(ctx, s3Opts)
	case common.StorageModeLocal:
		storage, err = NewLocalArchiveStorage(LocalArchiveStorageOpts{ArchivePath: opts.Location})
	default:
		err = fmt.Errorf("unsupported storage mode: %s", mode)
	}

	if err != nil {
		return nil, err
	}

	return storage, nil
}
