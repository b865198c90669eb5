package pbo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/beam-cloud/pbo/pkg/archive"
	"github.com/beam-cloud/pbo/pkg/common"
	"github.com/beam-cloud/pbo/pkg/metrics"
	"github.com/beam-cloud/pbo/pkg/storage"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel configures the logging verbosity for the PBO library.
// Valid levels: "debug", "info", "warn", "error", "disabled"
// Use "debug" to see archive parsing and FUSE operation logs
// Use "info" for high-level operation logs (default)
// Use "disabled" to suppress all logs
func SetLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "disabled", "none", "off":
		zerolog.SetGlobalLevel(zerolog.Disabled)
	default:
		return fmt.Errorf("invalid log level %q: must be one of: debug, info, warn, error, disabled", level)
	}
	return nil
}

// StorageOptions configures how an archive location is resolved to a local
// file. Only s3:// locations use it.
type StorageOptions struct {
	CachePath      string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	UseIPv6        bool
	Credentials    storage.ArchiveStorageCredentials
}

type ExtractFileOptions struct {
	ArchivePath string
	Entry       string
	OutputPath  string
}

type ExtractOptions struct {
	ArchivePath string
	OutputPath  string
	Workers     int
	Verbose     bool
}

type MountOptions struct {
	ArchivePath string
	MountPoint  string
	CacheSize   int64
	Storage     StorageOptions
}

type EntryInfo struct {
	Name         string `json:"name"`
	Mime         string `json:"mime"`
	OriginalSize uint32 `json:"original_size"`
	DataSize     uint32 `json:"data_size"`
	Timestamp    uint32 `json:"timestamp"`
	Offset       uint64 `json:"offset"`
}

type ArchiveInfo struct {
	Path       string            `json:"path"`
	Prefix     string            `json:"prefix"`
	Properties map[string]string `json:"properties"`
	Entries    []EntryInfo       `json:"entries"`
	Checksum   string            `json:"checksum"`
	BlobStart  int64             `json:"blob_start"`
	BlobSize   uint64            `json:"blob_size"`
	Length     int64             `json:"length"`
}

// ResolveArchive makes the archive at location available on the local
// filesystem. Callers must call Cleanup on the result when done.
func ResolveArchive(ctx context.Context, location string, opts StorageOptions) (storage.ArchiveStorage, error) {
	return storage.NewArchiveStorage(ctx, storage.ArchiveStorageOpts{
		Location:       location,
		CachePath:      opts.CachePath,
		Region:         opts.Region,
		Endpoint:       opts.Endpoint,
		ForcePathStyle: opts.ForcePathStyle,
		UseIPv6:        opts.UseIPv6,
		Credentials:    opts.Credentials,
	})
}

func openArchive(path string) (*archive.Archive, error) {
	start := time.Now()
	a, err := archive.Open(path)
	metrics.RecordOpen(time.Since(start), err)
	return a, err
}

// Inspect opens the archive at path and describes its properties and
// directory.
func Inspect(path string) (*ArchiveInfo, error) {
	a, err := openArchive(path)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	info := &ArchiveInfo{
		Path:       path,
		Prefix:     a.Prefix(),
		Properties: a.Properties(),
		Checksum:   a.Checksum().String(),
		BlobStart:  a.BlobStart(),
		BlobSize:   a.BlobSize(),
		Length:     a.Length(),
	}

	var offset uint64
	for _, entry := range a.Entries() {
		info.Entries = append(info.Entries, EntryInfo{
			Name:         entry.Filename,
			Mime:         entry.Mime.String(),
			OriginalSize: entry.OriginalSize,
			DataSize:     entry.DataSize,
			Timestamp:    entry.Timestamp,
			Offset:       offset,
		})
		offset += uint64(entry.DataSize)
	}

	return info, nil
}

// ExtractFile writes the stored bytes of a single member to OutputPath.
func ExtractFile(opts ExtractFileOptions) error {
	a, err := openArchive(opts.ArchivePath)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, ok := a.Entry(opts.Entry); !ok {
		return fmt.Errorf("%w: %s", common.ErrMemberNotFound, opts.Entry)
	}

	if dir := filepath.Dir(opts.OutputPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	out, err := os.Create(opts.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", opts.OutputPath, err)
	}

	n, err := a.ExtractTo(opts.Entry, out)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	metrics.RecordExtract(opts.Entry, n, err)
	if err != nil {
		os.Remove(opts.OutputPath)
		return err
	}

	log.Info().Msgf("extracted %s (%d bytes) to %s", opts.Entry, n, opts.OutputPath)
	return nil
}

// VerifyArchive compares the archive's SHA-1 trailer with its contents.
func VerifyArchive(path string) error {
	a, err := openArchive(path)
	if err != nil {
		return err
	}
	defer a.Close()

	err = a.Verify()
	metrics.RecordVerify(err)
	if err != nil {
		return err
	}

	log.Info().Msgf("checksum %s verified for %s", a.Checksum(), path)
	return nil
}

// Mount a PBO archive to a directory
func MountArchive(options MountOptions) (func() error, <-chan error, *fuse.Server, error) {
	log.Info().Msgf("mounting archive %s to %s", options.ArchivePath, options.MountPoint)

	if _, err := os.Stat(options.MountPoint); os.IsNotExist(err) {
		err = os.MkdirAll(options.MountPoint, 0755)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create mount point directory: %v", err)
		}
	}

	s, err := ResolveArchive(context.Background(), options.ArchivePath, options.Storage)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("could not load storage: %v", err)
	}

	a, err := openArchive(s.LocalPath())
	if err != nil {
		s.Cleanup()
		return nil, nil, nil, fmt.Errorf("invalid archive: %v", err)
	}

	pbofs, err := NewFileSystem(a, PBOFileSystemOpts{CacheSize: options.CacheSize})
	if err != nil {
		a.Close()
		s.Cleanup()
		return nil, nil, nil, fmt.Errorf("could not create filesystem: %v", err)
	}

	root, _ := pbofs.Root()
	attrTimeout := time.Second * 60
	entryTimeout := time.Second * 60
	fsOptions := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}
	server, err := fuse.NewServer(fs.NewNodeFS(root, fsOptions), options.MountPoint, &fuse.MountOptions{
		MaxBackground:  512,
		DisableXAttrs:  true,
		SyncRead:       false,
		RememberInodes: true,
		MaxReadAhead:   1024 * 128, // 128KB
		FsName:         "pbo",
		Name:           "pbo",
	})
	if err != nil {
		pbofs.Close()
		s.Cleanup()
		return nil, nil, nil, fmt.Errorf("could not create server: %v", err)
	}

	serverError := make(chan error, 1)
	startServer := func() error {
		go serveMount(server, serverError, func() {
			pbofs.Close()
			s.Cleanup()
		})
		return nil
	}

	return startServer, serverError, server, nil
}

type mountServer interface {
	Serve()
	WaitMount() error
	Wait()
}

// serveMount runs server until it is unmounted, then calls release and
// closes serverError. A failed mount is sent on serverError after release.
func serveMount(server mountServer, serverError chan<- error, release func()) {
	go server.Serve()

	if err := server.WaitMount(); err != nil {
		release()
		serverError <- err
		return
	}

	server.Wait()
	release()

	close(serverError)
}
