package common

import (
	"encoding/hex"
	"strings"
)

// Header is one fixed-shape record of the archive: the version marker or a
// directory entry.
type Header struct {
	Filename     string
	Mime         Mime
	OriginalSize uint32
	Reserved     uint32
	Timestamp    uint32
	DataSize     uint32
}

// Is reports whether the header's filename is byte-for-byte equal to name.
func (h *Header) Is(name string) bool {
	return h.Filename == name
}

// IsCompressed returns true if the stored bytes are packed.
func (h *Header) IsCompressed() bool {
	return h.Mime == MimeCompressed
}

// Path returns the filename with backslash separators replaced by slashes.
func (h *Header) Path() string {
	return strings.ReplaceAll(h.Filename, "\\", "/")
}

// Checksum is the trailer that ends every archive.
type Checksum [ChecksumLength]byte

func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

type StorageMode string

const (
	StorageModeLocal StorageMode = "local"
	StorageModeS3    StorageMode = "s3"
)
