package storage

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/beam-cloud/pbo/pkg/common"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type S3ArchiveStorageCredentials struct {
	AccessKey string
	SecretKey string
}

// S3ArchiveStorage downloads an archive object into a local cache file.
// Archives are read with seeks across the whole object, so the download
// completes before the storage is returned.
type S3ArchiveStorage struct {
	svc            *s3.Client
	bucket         string
	key            string
	localCachePath string
	ephemeral      bool
	cachedLocally  bool
}

type S3ArchiveStorageOpts struct {
	Bucket         string
	Key            string
	Region         string
	Endpoint       string
	CachePath      string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	UseIPv6        bool
}

const (
	downloadConcurrency = 16
	lockRetryDelay      = 250 * time.Millisecond
)

func NewS3ArchiveStorage(ctx context.Context, opts S3ArchiveStorageOpts) (*S3ArchiveStorage, error) {
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")

	if opts.AccessKey != "" && opts.SecretKey != "" {
		accessKey = opts.AccessKey
		secretKey = opts.SecretKey
	}

	cfg, err := getAWSConfig(ctx, accessKey, secretKey, opts.Region, opts.Endpoint, opts.UseIPv6)
	if err != nil {
		return nil, err
	}

	svc := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	s := &S3ArchiveStorage{
		svc:            svc,
		bucket:         opts.Bucket,
		key:            opts.Key,
		localCachePath: opts.CachePath,
	}

	if s.localCachePath == "" {
		s.localCachePath = filepath.Join(os.TempDir(), "pbo-cache", fmt.Sprintf("%s.%s", cacheFileName(opts.Bucket, opts.Key), uuid.New().String()[:6]))
		s.ephemeral = true
	}

	if err := s.ensureCached(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func getAWSConfig(ctx context.Context, accessKey string, secretKey string, region string, endpoint string, useIPv6 bool) (aws.Config, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if endpoint != "" {
		endpointResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:           endpoint,
				SigningRegion: region,
			}, nil
		})
		loadOpts = append(loadOpts, config.WithEndpointResolverWithOptions(endpointResolver))
	}

	if accessKey != "" && secretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	if useIPv6 {
		httpClient := &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         common.DialContextIPv6,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
		loadOpts = append(loadOpts,
			config.WithUseDualStackEndpoint(aws.DualStackEndpointStateEnabled),
			config.WithHTTPClient(httpClient),
		)
	}

	return config.LoadDefaultConfig(ctx, loadOpts...)
}

// cacheFileName flattens bucket and key into a single file name.
func cacheFileName(bucket, key string) string {
	return bucket + "_" + strings.ReplaceAll(key, "/", "_")
}

func (s3c *S3ArchiveStorage) getFileSize(ctx context.Context) (int64, error) {
	resp, err := s3c.svc.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s3c.bucket),
		Key:    aws.String(s3c.key),
	})
	if err != nil {
		return 0, fmt.Errorf("cannot access s3://%s/%s: %w", s3c.bucket, s3c.key, err)
	}

	return aws.ToInt64(resp.ContentLength), nil
}

func (s3c *S3ArchiveStorage) cacheMatches(size int64) bool {
	fi, err := os.Stat(s3c.localCachePath)
	return err == nil && fi.Size() == size
}

func (s3c *S3ArchiveStorage) ensureCached(ctx context.Context) error {
	totalSize, err := s3c.getFileSize(ctx)
	if err != nil {
		return err
	}

	if s3c.cacheMatches(totalSize) {
		log.Info().Msgf("cache file <%s> exists", s3c.localCachePath)
		s3c.cachedLocally = true
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s3c.localCachePath), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Another process may be populating the same cache file.
	return withCacheLock(ctx, s3c.localCachePath, func() error {
		if s3c.cacheMatches(totalSize) {
			s3c.cachedLocally = true
			return nil
		}
		return s3c.download(ctx)
	})
}

func lockPath(cachePath string) string {
	return fmt.Sprintf("%s.lock", cachePath)
}

// withCacheLock runs fn while holding an exclusive lock on the lock file
// next to cachePath. The lock file is left in place so that every process
// locks the same inode.
func withCacheLock(ctx context.Context, cachePath string, fn func() error) error {
	lockFilePath := lockPath(cachePath)
	fileLock := flock.New(lockFilePath)

	locked, err := fileLock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("error while trying to acquire file lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("unable to lock %s", lockFilePath)
	}
	defer fileLock.Unlock()

	return fn()
}

func (s3c *S3ArchiveStorage) download(ctx context.Context) error {
	log.Info().Msgf("caching s3://%s/%s to <%s>", s3c.bucket, s3c.key, s3c.localCachePath)
	startTime := time.Now()

	tmpCacheFile := fmt.Sprintf("%s.%s", s3c.localCachePath, uuid.New().String()[:6])
	f, err := os.Create(tmpCacheFile)
	if err != nil {
		return fmt.Errorf("failed to create file %q: %w", tmpCacheFile, err)
	}

	downloader := manager.NewDownloader(s3c.svc, func(d *manager.Downloader) {
		d.Concurrency = downloadConcurrency
	})

	_, err = downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s3c.bucket),
		Key:    aws.String(s3c.key),
	})
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpCacheFile)
		return fmt.Errorf("failed to download object: %w", err)
	}

	if err := os.Rename(tmpCacheFile, s3c.localCachePath); err != nil {
		os.Remove(tmpCacheFile)
		return fmt.Errorf("failed to move downloaded file to cache path %q: %w", s3c.localCachePath, err)
	}

	log.Info().Msgf("archive <%v> cached in %v", s3c.localCachePath, time.Since(startTime))
	s3c.cachedLocally = true
	return nil
}

func (s3c *S3ArchiveStorage) LocalPath() string {
	return s3c.localCachePath
}

func (s3c *S3ArchiveStorage) CachedLocally() bool {
	return s3c.cachedLocally
}

// Cleanup removes the cache file and its lock file when no cache path was
// configured. Ephemeral paths are unique to this storage.
func (s3c *S3ArchiveStorage) Cleanup() error {
	if !s3c.ephemeral {
		return nil
	}
	for _, p := range []string{s3c.localCachePath, lockPath(s3c.localCachePath)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
