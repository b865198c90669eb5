package pbo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/beam-cloud/pbo/pkg/common"
	"github.com/beam-cloud/pbo/pkg/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type extractJob struct {
	index  int
	name   string
	target string
	mtime  time.Time
}

// memberPath resolves an archive member name to a path below dir. Members
// use backslash separators; names that would leave dir are rejected.
func memberPath(dir string, name string) (string, error) {
	rel := filepath.FromSlash((&common.Header{Filename: name}).Path())
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", common.ErrUnsafePath, name)
	}
	return filepath.Join(dir, rel), nil
}

// planExtraction maps every directory entry to its output path. Later
// entries that repeat a name are skipped so the first one wins.
func planExtraction(entries []common.Header, dir string) ([]extractJob, error) {
	seen := make(map[string]struct{}, len(entries))
	jobs := make([]extractJob, 0, len(entries))

	for i, entry := range entries {
		target, err := memberPath(dir, entry.Filename)
		if err != nil {
			return nil, err
		}

		if _, ok := seen[target]; ok {
			log.Warn().Str("member", entry.Filename).Int("position", i).Msg("skipping duplicate member")
			continue
		}
		seen[target] = struct{}{}

		job := extractJob{index: i, name: entry.Filename, target: target}
		if entry.Timestamp != 0 {
			job.mtime = time.Unix(int64(entry.Timestamp), 0)
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// Extract Archive
//
// Every member is written below OutputPath. Each worker opens its own
// handle on the archive since a handle cannot be shared between goroutines.
func ExtractArchive(ctx context.Context, options ExtractOptions) error {
	log.Info().Msgf("extracting archive: %s", options.ArchivePath)
	startTime := time.Now()

	a, err := openArchive(options.ArchivePath)
	if err != nil {
		return err
	}
	entries := a.Entries()
	a.Close()

	jobs, err := planExtraction(entries, options.OutputPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(options.OutputPath, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	workers := options.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	jobCh := make(chan extractJob)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobCh)
		for _, job := range jobs {
			select {
			case jobCh <- job:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			return extractWorker(ctx, options, jobCh)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info().Msgf("extracted %d members in %v", len(jobs), time.Since(startTime))
	return nil
}

func extractWorker(ctx context.Context, options ExtractOptions, jobs <-chan extractJob) error {
	a, err := openArchive(options.ArchivePath)
	if err != nil {
		return err
	}
	defer a.Close()

	for job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}

		if options.Verbose {
			log.Info().Msgf("Extracting... %s", job.name)
		}

		if err := os.MkdirAll(filepath.Dir(job.target), 0755); err != nil {
			return fmt.Errorf("error creating directory for %s: %w", job.name, err)
		}

		out, err := os.Create(job.target)
		if err != nil {
			return fmt.Errorf("error creating file %s: %w", job.target, err)
		}

		n, err := a.ExtractAtTo(job.index, out)
		closeErr := out.Close()
		if err == nil {
			err = closeErr
		}
		metrics.RecordExtract(job.name, n, err)
		if err != nil {
			return fmt.Errorf("error extracting file %s: %w", job.name, err)
		}

		if !job.mtime.IsZero() {
			if err := os.Chtimes(job.target, job.mtime, job.mtime); err != nil {
				log.Warn().Err(err).Str("path", job.target).Msg("unable to set modification time")
			}
		}
	}

	return nil
}
