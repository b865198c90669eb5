package storage

import (
	"fmt"
	"os"
)

type LocalArchiveStorage struct {
	archivePath string
}

type LocalArchiveStorageOpts struct {
	ArchivePath string
}

func NewLocalArchiveStorage(opts LocalArchiveStorageOpts) (*LocalArchiveStorage, error) {
	fi, err := os.Stat(opts.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("cannot stat archive %s: %w", opts.ArchivePath, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("archive path %s is a directory", opts.ArchivePath)
	}

	return &LocalArchiveStorage{archivePath: opts.ArchivePath}, nil
}

func (s *LocalArchiveStorage) LocalPath() string {
	return s.archivePath
}

func (s *LocalArchiveStorage) CachedLocally() bool {
	return true
}

func (s *LocalArchiveStorage) Cleanup() error {
	return nil
}
