package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testAccessKey = "test"
	testSecretKey = "test"
	testRegion    = "us-east-1"
)

func startLocalstack(t *testing.T, ctx context.Context) string {
	t.Helper()

	req := tc.ContainerRequest{
		Image:        "localstack/localstack:3",
		ExposedPorts: []string{"4566/tcp"},
		WaitingFor:   wait.ForListeningPort("4566/tcp").WithStartupTimeout(2 * time.Minute),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start localstack container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate localstack container: %s", err)
		}
	})

	hostPort, err := container.MappedPort(ctx, "4566/tcp")
	require.NoError(t, err)
	hostIP, err := container.Host(ctx)
	require.NoError(t, err)

	return "http://" + hostIP + ":" + hostPort.Port()
}

func putObject(t *testing.T, ctx context.Context, endpoint, bucket, key string, data []byte) {
	t.Helper()

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(testRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(testAccessKey, testSecretKey, "")),
		config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint, SigningRegion: region}, nil
			})),
	)
	require.NoError(t, err)

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil && !strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") {
		require.NoError(t, err, "Failed to create bucket")
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	require.NoError(t, err, "Failed to upload archive")
}

func TestS3ArchiveStorage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping localstack test in short mode")
	}

	ctx := context.Background()
	endpoint := startLocalstack(t, ctx)

	data := []byte("not really a pbo, the storage layer does not care")
	putObject(t, ctx, endpoint, "test-pbo-bucket", "mods/ui.pbo", data)

	opts := ArchiveStorageOpts{
		Location:       "s3://test-pbo-bucket/mods/ui.pbo",
		Region:         testRegion,
		Endpoint:       endpoint,
		ForcePathStyle: true,
		Credentials: ArchiveStorageCredentials{
			S3: &S3ArchiveStorageCredentials{AccessKey: testAccessKey, SecretKey: testSecretKey},
		},
	}

	t.Run("ephemeral cache", func(t *testing.T) {
		s, err := NewArchiveStorage(ctx, opts)
		require.NoError(t, err)
		assert.True(t, s.CachedLocally())

		got, err := os.ReadFile(s.LocalPath())
		require.NoError(t, err)
		assert.Equal(t, data, got)

		require.NoError(t, s.Cleanup())
		_, err = os.Stat(s.LocalPath())
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(lockPath(s.LocalPath()))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("persistent cache is reused", func(t *testing.T) {
		cacheOpts := opts
		cacheOpts.CachePath = filepath.Join(t.TempDir(), "ui.pbo")

		s, err := NewArchiveStorage(ctx, cacheOpts)
		require.NoError(t, err)
		require.Equal(t, cacheOpts.CachePath, s.LocalPath())

		fi, err := os.Stat(cacheOpts.CachePath)
		require.NoError(t, err)
		modTime := fi.ModTime()

		s, err = NewArchiveStorage(ctx, cacheOpts)
		require.NoError(t, err)

		fi, err = os.Stat(cacheOpts.CachePath)
		require.NoError(t, err)
		assert.Equal(t, modTime, fi.ModTime())

		// Configured caches and their lock files outlive the storage.
		require.NoError(t, s.Cleanup())
		_, err = os.Stat(cacheOpts.CachePath)
		assert.NoError(t, err)
		_, err = os.Stat(lockPath(cacheOpts.CachePath))
		assert.NoError(t, err)
	})

	t.Run("missing object", func(t *testing.T) {
		missing := opts
		missing.Location = "s3://test-pbo-bucket/missing.pbo"

		_, err := NewArchiveStorage(ctx, missing)
		assert.Error(t, err)
	})
}
