package archive

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"

	"github.com/beam-cloud/pbo/pkg/common"
	log "github.com/rs/zerolog/log"
)

// Archive is an open PBO archive. It owns its source exclusively and
// repositions the source's cursor on every extraction, so it must not be
// used from more than one goroutine at a time.
type Archive struct {
	source     io.ReadSeeker
	properties map[string]string
	version    common.Header
	entries    []common.Header
	index      *nameIndex
	checksum   common.Checksum
	blobStart  int64
	blobSize   uint64
	length     int64
	closed     bool
}

// Open opens the archive at path and validates its structure.
func Open(path string) (*Archive, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	a, err := NewArchive(file)
	if err != nil {
		return nil, fmt.Errorf("unable to open archive %s: %w", path, err)
	}

	log.Debug().Str("path", path).Int("entries", len(a.entries)).Int64("length", a.length).Msg("archive opened")
	return a, nil
}

// NewArchive parses src as a PBO archive. The archive takes ownership of
// src; if src implements io.Closer it is closed by Close, or before
// returning when parsing fails.
func NewArchive(src io.ReadSeeker) (a *Archive, err error) {
	defer func() {
		if err != nil {
			closeSource(src)
		}
	}()

	length, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("error seeking to end: %w", err)
	}
	if _, err = src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("error seeking to start: %w", err)
	}

	r := newPositionReader(src)

	version, err := ReadHeader(r)
	if err != nil {
		return nil, fmt.Errorf("error reading version header: %w", err)
	}
	if version.Mime != common.MimeVersion {
		return nil, fmt.Errorf("%w: mime is %s", common.ErrInvalidVersionMarker, version.Mime)
	}

	properties, err := readProperties(r)
	if err != nil {
		return nil, err
	}

	entries, err := readDirectory(r)
	if err != nil {
		return nil, err
	}

	blobStart := r.pos
	var blobSize uint64
	for i := range entries {
		blobSize += uint64(entries[i].DataSize)
	}

	// Skip the blob and the separator byte; the checksum follows.
	checksumPos := uint64(blobStart) + blobSize + common.SeparatorLength
	if checksumPos > uint64(length) {
		return nil, fmt.Errorf("%w: data blob of %d bytes at %d runs past end of %d byte archive",
			common.ErrTruncatedArchive, blobSize, blobStart, length)
	}
	if _, err = src.Seek(int64(checksumPos), io.SeekStart); err != nil {
		return nil, fmt.Errorf("error seeking to checksum: %w", err)
	}

	var checksum common.Checksum
	if _, err = io.ReadFull(src, checksum[:]); err != nil {
		if isEndOfStream(err) {
			return nil, fmt.Errorf("%w: checksum at %d: %w", common.ErrTruncatedArchive, checksumPos, err)
		}
		return nil, fmt.Errorf("error reading checksum: %w", err)
	}

	end, err := src.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	if end != length {
		return nil, fmt.Errorf("%w: %d bytes remain", common.ErrTrailingData, length-end)
	}

	return &Archive{
		source:     src,
		properties: properties,
		version:    *version,
		entries:    entries,
		index:      newNameIndex(entries),
		checksum:   checksum,
		blobStart:  blobStart,
		blobSize:   blobSize,
		length:     length,
	}, nil
}

func readProperties(r *positionReader) (map[string]string, error) {
	properties := make(map[string]string)
	for {
		key, err := ReadString(r)
		if err != nil {
			return nil, wrapUnterminated(common.ErrUnterminatedPropertyTable, err)
		}
		if key == "" {
			return properties, nil
		}

		value, err := ReadString(r)
		if err != nil {
			return nil, wrapUnterminated(common.ErrUnterminatedPropertyTable, err)
		}
		properties[key] = value
	}
}

func readDirectory(r *positionReader) ([]common.Header, error) {
	var entries []common.Header
	for {
		header, err := ReadHeader(r)
		if err != nil {
			return nil, wrapUnterminated(common.ErrUnterminatedDirectory, err)
		}
		if header.Filename == "" {
			return entries, nil
		}
		entries = append(entries, *header)
	}
}

func wrapUnterminated(sentinel, err error) error {
	if isEndOfStream(err) {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return err
}

// Extract returns the stored bytes of the first entry named name.
func (a *Archive) Extract(name string) ([]byte, error) {
	i, ok := a.index.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrMemberNotFound, name)
	}
	return a.ExtractAt(i)
}

// ExtractAt returns the stored bytes of the i-th directory entry.
func (a *Archive) ExtractAt(i int) ([]byte, error) {
	if a.closed {
		return nil, os.ErrClosed
	}
	if i < 0 || i >= len(a.entries) {
		return nil, fmt.Errorf("%w: index %d", common.ErrMemberNotFound, i)
	}

	entry := &a.entries[i]
	if entry.DataSize == 0 {
		return []byte{}, nil
	}

	if err := a.seekTo(i); err != nil {
		return nil, err
	}

	data := make([]byte, entry.DataSize)
	if _, err := io.ReadFull(a.source, data); err != nil {
		return nil, a.readError(entry, err)
	}

	return data, nil
}

// ExtractTo copies the stored bytes of the first entry named name to w
// without buffering the whole entry.
func (a *Archive) ExtractTo(name string, w io.Writer) (int64, error) {
	i, ok := a.index.lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", common.ErrMemberNotFound, name)
	}
	return a.ExtractAtTo(i, w)
}

// ExtractAtTo copies the stored bytes of the i-th directory entry to w.
func (a *Archive) ExtractAtTo(i int, w io.Writer) (int64, error) {
	if a.closed {
		return 0, os.ErrClosed
	}
	if i < 0 || i >= len(a.entries) {
		return 0, fmt.Errorf("%w: index %d", common.ErrMemberNotFound, i)
	}

	entry := &a.entries[i]
	if entry.DataSize == 0 {
		return 0, nil
	}

	if err := a.seekTo(i); err != nil {
		return 0, err
	}

	n, err := io.CopyN(w, a.source, int64(entry.DataSize))
	if err != nil {
		return n, a.readError(entry, err)
	}
	return n, nil
}

// ReadAt reads len(p) bytes of the i-th directory entry starting off bytes
// into it. Like io.ReaderAt it returns io.EOF when fewer than len(p) bytes
// remain in the entry.
func (a *Archive) ReadAt(i int, p []byte, off int64) (int, error) {
	if a.closed {
		return 0, os.ErrClosed
	}
	if i < 0 || i >= len(a.entries) {
		return 0, fmt.Errorf("%w: index %d", common.ErrMemberNotFound, i)
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	entry := &a.entries[i]
	size := int64(entry.DataSize)
	if off >= size {
		return 0, io.EOF
	}

	want := int64(len(p))
	if want > size-off {
		want = size - off
	}

	pos := a.blobStart + int64(a.offsetOf(i)) + off
	if _, err := a.source.Seek(pos, io.SeekStart); err != nil {
		return 0, fmt.Errorf("error seeking to %s: %w", entry.Filename, err)
	}

	n, err := io.ReadFull(a.source, p[:want])
	if err != nil {
		return n, a.readError(entry, err)
	}
	if want < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// Offset returns the position of the first entry named name relative to
// the start of the data blob.
func (a *Archive) Offset(name string) (uint64, error) {
	i, ok := a.index.lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", common.ErrMemberNotFound, name)
	}
	return a.offsetOf(i), nil
}

// offsetOf sums the sizes of every entry before i. Entries carry sizes, not
// positions, so this is recomputed on every call.
func (a *Archive) offsetOf(i int) uint64 {
	var offset uint64
	for _, entry := range a.entries[:i] {
		offset += uint64(entry.DataSize)
	}
	return offset
}

func (a *Archive) seekTo(i int) error {
	if a.closed {
		return os.ErrClosed
	}

	pos := a.blobStart + int64(a.offsetOf(i))
	if _, err := a.source.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("error seeking to %s: %w", a.entries[i].Filename, err)
	}
	return nil
}

func (a *Archive) readError(entry *common.Header, err error) error {
	if isEndOfStream(err) {
		return fmt.Errorf("%w: %s declares %d bytes: %w", common.ErrTruncatedMember, entry.Filename, entry.DataSize, err)
	}
	return fmt.Errorf("error reading %s: %w", entry.Filename, err)
}

// Verify hashes every byte before the separator and compares the digest
// with the checksum trailer.
func (a *Archive) Verify() error {
	if a.closed {
		return os.ErrClosed
	}
	if _, err := a.source.Seek(0, io.SeekStart); err != nil {
		return err
	}

	h := sha1.New()
	if _, err := io.CopyN(h, a.source, a.blobStart+int64(a.blobSize)); err != nil {
		return fmt.Errorf("error hashing archive: %w", err)
	}

	sum := h.Sum(nil)
	if !bytes.Equal(sum, a.checksum[:]) {
		return fmt.Errorf("%w: computed %x, trailer %s", common.ErrChecksumMismatch, sum, a.checksum)
	}
	return nil
}

// Properties returns a copy of the property table.
func (a *Archive) Properties() map[string]string {
	properties := make(map[string]string, len(a.properties))
	for k, v := range a.properties {
		properties[k] = v
	}
	return properties
}

// Property returns the value stored under key.
func (a *Archive) Property(key string) (string, bool) {
	v, ok := a.properties[key]
	return v, ok
}

// Prefix returns the archive's prefix property, or an empty string.
func (a *Archive) Prefix() string {
	return a.properties[common.PrefixProperty]
}

func (a *Archive) VersionHeader() common.Header {
	return a.version
}

// Entries returns a copy of the file directory in archive order.
func (a *Archive) Entries() []common.Header {
	entries := make([]common.Header, len(a.entries))
	copy(entries, a.entries)
	return entries
}

// Entry returns the first directory entry named name.
func (a *Archive) Entry(name string) (common.Header, bool) {
	i, ok := a.index.lookup(name)
	if !ok {
		return common.Header{}, false
	}
	return a.entries[i], true
}

func (a *Archive) Checksum() common.Checksum {
	return a.checksum
}

// BlobStart returns the absolute position of the data blob.
func (a *Archive) BlobStart() int64 {
	return a.blobStart
}

// BlobSize returns the summed size of every entry.
func (a *Archive) BlobSize() uint64 {
	return a.blobSize
}

// Length returns the total size of the source.
func (a *Archive) Length() int64 {
	return a.length
}

// Close releases the source. Calling Close more than once is a no-op.
func (a *Archive) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true

	if c, ok := a.source.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func closeSource(src io.ReadSeeker) {
	if c, ok := src.(io.Closer); ok {
		c.Close()
	}
}
