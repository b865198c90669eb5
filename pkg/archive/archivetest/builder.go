// Package archivetest builds PBO archives in memory for tests.
package archivetest

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/beam-cloud/pbo/pkg/common"
)

type Property struct {
	Key   string
	Value string
}

type Entry struct {
	Name      string
	Data      []byte
	Mime      common.Mime
	Timestamp uint32
}

// Builder describes an archive. The zero value yields a valid archive with
// no properties and no entries.
type Builder struct {
	Properties []Property
	Entries    []Entry

	// Separator is the byte written between the blob and the checksum.
	Separator byte

	// Checksum overrides the computed SHA-1 trailer when set.
	Checksum *common.Checksum

	// VersionMime overrides the version header's mime tag when non-zero.
	VersionMime common.Mime
}

// WriteHeader appends one encoded header record to buf.
func WriteHeader(buf *bytes.Buffer, h common.Header) {
	buf.WriteString(h.Filename)
	buf.WriteByte(0)

	var fields [common.HeaderFieldsLength]byte
	binary.LittleEndian.PutUint32(fields[0:4], uint32(h.Mime))
	binary.LittleEndian.PutUint32(fields[4:8], h.OriginalSize)
	binary.LittleEndian.PutUint32(fields[8:12], h.Reserved)
	binary.LittleEndian.PutUint32(fields[12:16], h.Timestamp)
	binary.LittleEndian.PutUint32(fields[16:20], h.DataSize)
	buf.Write(fields[:])
}

// Head returns the encoded version header, property table and directory.
func (b *Builder) Head() []byte {
	var buf bytes.Buffer

	mime := common.MimeVersion
	if b.VersionMime != 0 {
		mime = b.VersionMime
	}
	WriteHeader(&buf, common.Header{Mime: mime})

	for _, p := range b.Properties {
		buf.WriteString(p.Key)
		buf.WriteByte(0)
		buf.WriteString(p.Value)
		buf.WriteByte(0)
	}
	buf.WriteByte(0)

	for _, e := range b.Entries {
		WriteHeader(&buf, common.Header{
			Filename:     e.Name,
			Mime:         e.Mime,
			OriginalSize: uint32(len(e.Data)),
			Timestamp:    e.Timestamp,
			DataSize:     uint32(len(e.Data)),
		})
	}
	WriteHeader(&buf, common.Header{})

	return buf.Bytes()
}

// Blob returns every entry's data concatenated in directory order.
func (b *Builder) Blob() []byte {
	var buf bytes.Buffer
	for _, e := range b.Entries {
		buf.Write(e.Data)
	}
	return buf.Bytes()
}

// Bytes encodes the complete archive.
func (b *Builder) Bytes() []byte {
	var buf bytes.Buffer
	buf.Write(b.Head())
	buf.Write(b.Blob())

	checksum := common.Checksum(sha1.Sum(buf.Bytes()))
	if b.Checksum != nil {
		checksum = *b.Checksum
	}

	buf.WriteByte(b.Separator)
	buf.Write(checksum[:])
	return buf.Bytes()
}

// WriteFile writes data to a file named name in a temporary directory and
// returns its path.
func WriteFile(t testing.TB, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write archive %s: %v", path, err)
	}
	return path
}

// Sample returns the archive used across package tests: one prefix
// property, a four byte entry and an empty entry.
func Sample() *Builder {
	return &Builder{
		Properties: []Property{{Key: "prefix", Value: `a\b`}},
		Entries: []Entry{
			{Name: "x.txt", Data: []byte{1, 2, 3, 4}},
			{Name: "empty.bin", Data: []byte{}},
		},
	}
}
