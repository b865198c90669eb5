package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/beam-cloud/pbo/pkg/metrics"
	"github.com/beam-cloud/pbo/pkg/pbo"
	"github.com/beam-cloud/pbo/pkg/storage"
	"github.com/moby/sys/mountinfo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	defaultRegion    = "us-east-1"
	defaultCacheSize = 512
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	configureLogging()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "info":
		infoCommand()
	case "extract":
		extractCommand()
	case "verify":
		verifyCommand()
	case "mount":
		mountCommand()
	case "umount", "unmount":
		umountCommand()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `pboctl - PBO archive tool

Usage:
  pboctl <command> [options]

Commands:
  info         Show properties and directory of an archive
  extract      Extract one member or the whole archive
  verify       Check the archive's SHA-1 trailer
  mount        Mount an archive read-only with FUSE
  umount       Unmount a mounted archive

Examples:
  # List members
  pboctl info --archive addons/ui.pbo

  # Extract a single member
  pboctl extract --archive addons/ui.pbo --entry "scripts\init.sqf" --out init.sqf

  # Extract everything from an archive stored in S3
  pboctl extract --archive s3://mods/addons/ui.pbo --dir ./ui --workers 8

  # Mount and unmount
  pboctl mount --archive addons/ui.pbo --mountpoint /mnt/ui
  pboctl umount --mountpoint /mnt/ui

Environment Variables:
  PBO_LOG_LEVEL    Log level (default: info)
  PBO_CACHE_DIR    Cache directory for s3:// archives (default: ephemeral)
  PBO_WORKERS      Extraction workers (default: number of CPUs)
  PBO_S3_ENDPOINT  Custom S3 endpoint
  AWS_REGION       S3 region (default: us-east-1)

`)
}

// storageFlags registers the flags shared by every command that reads an
// archive.
func storageFlags(fs *flag.FlagSet) (*string, func() pbo.StorageOptions) {
	var (
		archivePath    = fs.String("archive", "", "Archive path or s3://bucket/key (required)")
		cacheDir       = fs.String("cache-dir", getEnvString("PBO_CACHE_DIR", ""), "Cache directory for s3:// archives")
		region         = fs.String("region", getEnvString("AWS_REGION", defaultRegion), "S3 region")
		endpoint       = fs.String("endpoint", getEnvString("PBO_S3_ENDPOINT", ""), "Custom S3 endpoint")
		forcePathStyle = fs.Bool("path-style", false, "Use path-style S3 addressing")
		useIPv6        = fs.Bool("ipv6", false, "Use dual-stack S3 endpoints over IPv6")
	)

	return archivePath, func() pbo.StorageOptions {
		opts := pbo.StorageOptions{
			Region:         *region,
			Endpoint:       *endpoint,
			ForcePathStyle: *forcePathStyle,
			UseIPv6:        *useIPv6,
		}
		if *cacheDir != "" {
			opts.CachePath = filepath.Join(*cacheDir, sanitizeLocation(*archivePath))
		}
		return opts
	}
}

func resolve(ctx context.Context, location string, opts pbo.StorageOptions) storage.ArchiveStorage {
	s, err := pbo.ResolveArchive(ctx, location, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load archive")
	}
	return s
}

func infoCommand() {
	fs := flag.NewFlagSet("info", flag.ExitOnError)

	archivePath, storageOpts := storageFlags(fs)
	var (
		asJSON  = fs.Bool("json", false, "Print JSON instead of a table")
		verbose = fs.Bool("verbose", false, "Verbose logging")
	)

	fs.Parse(os.Args[2:])

	if *archivePath == "" {
		fmt.Fprintf(os.Stderr, "Error: --archive is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	s := resolve(context.Background(), *archivePath, storageOpts())
	err := writeInfo(os.Stdout, s.LocalPath(), *archivePath, *asJSON)
	s.Cleanup()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to describe archive")
	}
}

// writeInfo describes the archive at localPath on w, reporting it under
// location.
func writeInfo(w io.Writer, localPath, location string, asJSON bool) error {
	info, err := pbo.Inspect(localPath)
	if err != nil {
		return err
	}
	info.Path = location

	if asJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "archive:\t%s\n", info.Path)
	fmt.Fprintf(tw, "checksum:\t%s\n", info.Checksum)
	for key, value := range info.Properties {
		fmt.Fprintf(tw, "property:\t%s = %s\n", key, value)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "OFFSET\tMIME\tSIZE\tNAME")
	for _, entry := range info.Entries {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", entry.Offset, entry.Mime, entry.DataSize, entry.Name)
	}
	return tw.Flush()
}

func extractCommand() {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)

	archivePath, storageOpts := storageFlags(fs)
	var (
		entry   = fs.String("entry", "", "Member to extract, as stored in the archive")
		outPath = fs.String("out", "", "Output file for --entry")
		dir     = fs.String("dir", "", "Output directory for the whole archive")
		workers = fs.Int("workers", getEnvInt("PBO_WORKERS", 0), "Extraction workers")
		verbose = fs.Bool("verbose", false, "Verbose logging")
	)

	fs.Parse(os.Args[2:])

	single := *entry != "" && *outPath != ""
	if *archivePath == "" || (!single && *dir == "") {
		fmt.Fprintf(os.Stderr, "Error: --archive and either --entry with --out or --dir are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := resolve(ctx, *archivePath, storageOpts())
	defer s.Cleanup()

	var err error
	if single {
		err = pbo.ExtractFile(pbo.ExtractFileOptions{
			ArchivePath: s.LocalPath(),
			Entry:       *entry,
			OutputPath:  *outPath,
		})
	} else {
		err = pbo.ExtractArchive(ctx, pbo.ExtractOptions{
			ArchivePath: s.LocalPath(),
			OutputPath:  *dir,
			Workers:     *workers,
			Verbose:     *verbose,
		})
	}
	if err != nil {
		s.Cleanup()
		log.Fatal().Err(err).Msg("failed to extract archive")
	}

	metrics.LogMetricsSummary()
}

func verifyCommand() {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)

	archivePath, storageOpts := storageFlags(fs)
	verbose := fs.Bool("verbose", false, "Verbose logging")

	fs.Parse(os.Args[2:])

	if *archivePath == "" {
		fmt.Fprintf(os.Stderr, "Error: --archive is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	s := resolve(context.Background(), *archivePath, storageOpts())
	defer s.Cleanup()

	if err := pbo.VerifyArchive(s.LocalPath()); err != nil {
		s.Cleanup()
		log.Fatal().Err(err).Msg("verification failed")
	}
}

func mountCommand() {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)

	archivePath, storageOpts := storageFlags(fs)
	var (
		mountPoint = fs.String("mountpoint", "", "Directory to mount the archive on (required)")
		cacheMiB   = fs.Int("cache-mib", getEnvInt("PBO_CACHE_MIB", defaultCacheSize), "Member content cache size in MiB")
		verbose    = fs.Bool("verbose", false, "Verbose logging")
	)

	fs.Parse(os.Args[2:])

	if *archivePath == "" || *mountPoint == "" {
		fmt.Fprintf(os.Stderr, "Error: --archive and --mountpoint are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	startServer, serverError, server, err := pbo.MountArchive(pbo.MountOptions{
		ArchivePath: *archivePath,
		MountPoint:  *mountPoint,
		CacheSize:   int64(*cacheMiB) * 1024 * 1024,
		Storage:     storageOpts(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to mount archive")
	}

	if err := startServer(); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info().Msgf("unmounting %s", *mountPoint)
		server.Unmount()
	}()

	log.Info().Msgf("archive mounted at %s", *mountPoint)
	if err, ok := <-serverError; ok && err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}

	metrics.LogMetricsSummary()
}

func umountCommand() {
	fs := flag.NewFlagSet("umount", flag.ExitOnError)

	var (
		mountPoint = fs.String("mountpoint", "", "Mounted directory (required)")
		lazy       = fs.Bool("lazy", false, "Detach the mount even if it is busy")
		verbose    = fs.Bool("verbose", false, "Verbose logging")
	)

	fs.Parse(os.Args[2:])

	if *mountPoint == "" {
		fmt.Fprintf(os.Stderr, "Error: --mountpoint is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	mounted, err := mountinfo.Mounted(*mountPoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to check mount point")
	}
	if !mounted {
		log.Info().Msgf("%s is not mounted", *mountPoint)
		return
	}

	flags := 0
	if *lazy {
		flags = unix.MNT_DETACH
	}
	if err := unix.Unmount(*mountPoint, flags); err != nil {
		log.Fatal().Err(err).Msgf("failed to unmount %s", *mountPoint)
	}

	log.Info().Msgf("%s unmounted", *mountPoint)
}

// Helper functions

// configureLogging applies PBO_LOG_LEVEL, falling back to info when it is
// unset or invalid.
func configureLogging() {
	level := getEnvString("PBO_LOG_LEVEL", "info")
	if err := pbo.SetLogLevel(level); err != nil {
		pbo.SetLogLevel("info")
		log.Warn().Err(err).Msg("ignoring PBO_LOG_LEVEL")
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed := parseInt(value); parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

func parseInt(s string) int {
	var result int
	fmt.Sscanf(s, "%d", &result)
	return result
}

func sanitizeLocation(location string) string {
	sanitized := location
	for _, sep := range []string{"://", "/", ":", "\\"} {
		sanitized = strings.ReplaceAll(sanitized, sep, "_")
	}
	return sanitized
}
