package archive

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"testing"

	"github.com/beam-cloud/pbo/pkg/archive/archivetest"
	"github.com/beam-cloud/pbo/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closeCounter is an in-memory source that records how often it is closed.
type closeCounter struct {
	*bytes.Reader
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}

func newSource(data []byte) *closeCounter {
	return &closeCounter{Reader: bytes.NewReader(data)}
}

func openBytes(t *testing.T, data []byte) *Archive {
	t.Helper()
	a, err := NewArchive(newSource(data))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestOpenSample(t *testing.T) {
	b := archivetest.Sample()
	path := archivetest.WriteFile(t, "sample.pbo", b.Bytes())

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, map[string]string{"prefix": `a\b`}, a.Properties())
	assert.Equal(t, `a\b`, a.Prefix())
	assert.Equal(t, common.MimeVersion, a.VersionHeader().Mime)
	assert.Equal(t, int64(len(b.Head())), a.BlobStart())
	assert.Equal(t, uint64(4), a.BlobSize())
	assert.Equal(t, int64(len(b.Bytes())), a.Length())

	entries := a.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "x.txt", entries[0].Filename)
	assert.Equal(t, uint32(4), entries[0].DataSize)
	assert.Equal(t, "empty.bin", entries[1].Filename)
	assert.Equal(t, uint32(0), entries[1].DataSize)

	data, err := a.Extract("x.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)

	data, err = a.Extract("empty.bin")
	require.NoError(t, err)
	assert.NotNil(t, data)
	assert.Empty(t, data)

	_, err = a.Extract("missing")
	require.ErrorIs(t, err, common.ErrMemberNotFound)
}

func TestOpenRequiresExactLength(t *testing.T) {
	data := archivetest.Sample().Bytes()

	t.Run("exact", func(t *testing.T) {
		_, err := NewArchive(newSource(data))
		require.NoError(t, err)
	})

	t.Run("one byte longer", func(t *testing.T) {
		longer := append(append([]byte{}, data...), 0)
		_, err := NewArchive(newSource(longer))
		require.ErrorIs(t, err, common.ErrTrailingData)
	})

	t.Run("one byte shorter", func(t *testing.T) {
		_, err := NewArchive(newSource(data[:len(data)-1]))
		require.ErrorIs(t, err, common.ErrTruncatedArchive)
	})
}

func TestOpenMissingSeparator(t *testing.T) {
	b := archivetest.Sample()
	data := b.Bytes()
	sep := len(b.Head()) + len(b.Blob())

	corrupt := append(append([]byte{}, data[:sep]...), data[sep+1:]...)
	_, err := NewArchive(newSource(corrupt))
	require.ErrorIs(t, err, common.ErrTruncatedArchive)
	assert.NotErrorIs(t, err, common.ErrTrailingData)
}

func TestOpenBlobPastEnd(t *testing.T) {
	b := archivetest.Sample()
	// Keep the directory but drop every blob byte and the trailer.
	_, err := NewArchive(newSource(b.Head()))
	require.ErrorIs(t, err, common.ErrTruncatedArchive)
}

func TestOpenBlobSizeDoesNotWrap(t *testing.T) {
	var buf bytes.Buffer
	archivetest.WriteHeader(&buf, common.Header{Mime: common.MimeVersion})
	buf.WriteByte(0)
	archivetest.WriteHeader(&buf, common.Header{Filename: "a.bin", DataSize: 0x80000000})
	archivetest.WriteHeader(&buf, common.Header{Filename: "b.bin", DataSize: 0x80000000})
	archivetest.WriteHeader(&buf, common.Header{})

	// Sized so that a 32-bit sum of zero would place a valid separator and
	// checksum exactly at the end.
	buf.Write(make([]byte, common.SeparatorLength+common.ChecksumLength))

	_, err := NewArchive(newSource(buf.Bytes()))
	require.ErrorIs(t, err, common.ErrTruncatedArchive)
	assert.Contains(t, err.Error(), "4294967296")
}

func TestOpenInvalidVersionMarker(t *testing.T) {
	b := archivetest.Sample()
	b.VersionMime = common.MimeCompressed

	_, err := NewArchive(newSource(b.Bytes()))
	require.ErrorIs(t, err, common.ErrInvalidVersionMarker)
}

func TestOpenMalformedVersionHeader(t *testing.T) {
	_, err := NewArchive(newSource([]byte("not a pbo")))
	require.ErrorIs(t, err, common.ErrMalformedHeader)
}

func TestOpenUnterminatedPropertyTable(t *testing.T) {
	var buf bytes.Buffer
	archivetest.WriteHeader(&buf, common.Header{Mime: common.MimeVersion})

	tests := []struct {
		name string
		tail string
	}{
		{"no properties", ""},
		{"key without value", "prefix\x00"},
		{"unterminated value", "prefix\x00abc"},
		{"missing terminator", "prefix\x00abc\x00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := append(append([]byte{}, buf.Bytes()...), tt.tail...)
			_, err := NewArchive(newSource(data))
			require.ErrorIs(t, err, common.ErrUnterminatedPropertyTable)
		})
	}
}

func TestEmptyKeyTerminatesProperties(t *testing.T) {
	b := &archivetest.Builder{
		Properties: []archivetest.Property{{Key: "prefix", Value: "addon"}},
		// The first directory record looks like a key/value pair.
		Entries: []archivetest.Entry{{Name: "version", Data: []byte("1.0")}},
	}

	a := openBytes(t, b.Bytes())
	assert.Equal(t, map[string]string{"prefix": "addon"}, a.Properties())
	require.Len(t, a.Entries(), 1)
	assert.Equal(t, "version", a.Entries()[0].Filename)
}

func TestDuplicatePropertyLastWins(t *testing.T) {
	b := &archivetest.Builder{
		Properties: []archivetest.Property{
			{Key: "prefix", Value: "first"},
			{Key: "product", Value: "dayz"},
			{Key: "prefix", Value: "second"},
		},
	}

	a := openBytes(t, b.Bytes())
	assert.Equal(t, "second", a.Prefix())
	v, ok := a.Property("product")
	assert.True(t, ok)
	assert.Equal(t, "dayz", v)
}

func TestOpenUnterminatedDirectory(t *testing.T) {
	var buf bytes.Buffer
	archivetest.WriteHeader(&buf, common.Header{Mime: common.MimeVersion})
	buf.WriteByte(0)
	archivetest.WriteHeader(&buf, common.Header{Filename: "a.txt", DataSize: 3})

	_, err := NewArchive(newSource(buf.Bytes()))
	require.ErrorIs(t, err, common.ErrUnterminatedDirectory)

	// A partial record counts as the same condition.
	buf.WriteString("b.txt\x00\x01\x02")
	_, err = NewArchive(newSource(buf.Bytes()))
	require.ErrorIs(t, err, common.ErrUnterminatedDirectory)
}

func TestOpenCorruptDirectoryMime(t *testing.T) {
	b := &archivetest.Builder{
		Entries: []archivetest.Entry{{Name: "a.txt", Data: []byte("abc"), Mime: common.Mime(42)}},
	}

	_, err := NewArchive(newSource(b.Bytes()))
	require.ErrorIs(t, err, common.ErrMalformedHeader)
	assert.NotErrorIs(t, err, common.ErrUnterminatedDirectory)
}

func TestSentinelBeginsBlob(t *testing.T) {
	b := &archivetest.Builder{
		Entries: []archivetest.Entry{
			{Name: "a.txt", Data: []byte("hello")},
			{Name: "b.txt", Data: []byte("world")},
		},
	}

	a := openBytes(t, b.Bytes())
	require.Len(t, a.Entries(), 2)
	for _, e := range a.Entries() {
		assert.NotEmpty(t, e.Filename)
	}
	assert.Equal(t, int64(len(b.Head())), a.BlobStart())
}

func randomBuilder(t *testing.T, n int) *archivetest.Builder {
	rng := rand.New(rand.NewSource(int64(n)))
	b := &archivetest.Builder{}
	for i := 0; i < n; i++ {
		data := make([]byte, rng.Intn(512))
		rng.Read(data)
		b.Entries = append(b.Entries, archivetest.Entry{
			Name: "dir\\file" + string(rune('a'+i%26)) + string(rune('0'+i/26)),
			Data: data,
		})
	}
	return b
}

func TestExtractRoundTrip(t *testing.T) {
	b := randomBuilder(t, 40)
	a := openBytes(t, b.Bytes())

	var blob bytes.Buffer
	for _, e := range a.Entries() {
		data, err := a.Extract(e.Filename)
		require.NoError(t, err)
		require.Len(t, data, int(e.DataSize))
		blob.Write(data)
	}
	assert.Equal(t, b.Blob(), blob.Bytes())
}

func TestExtractOffsetsArePrefixSums(t *testing.T) {
	b := randomBuilder(t, 30)
	a := openBytes(t, b.Bytes())
	entries := a.Entries()

	order := rand.New(rand.NewSource(7)).Perm(len(entries))
	order = append(order, order...)

	for _, i := range order {
		var want uint64
		for _, e := range entries[:i] {
			want += uint64(e.DataSize)
		}

		offset, err := a.Offset(entries[i].Filename)
		require.NoError(t, err)
		assert.Equal(t, want, offset)

		data, err := a.Extract(entries[i].Filename)
		require.NoError(t, err)
		assert.Equal(t, b.Entries[i].Data, data)
	}
}

func TestExtractDuplicateNames(t *testing.T) {
	b := &archivetest.Builder{
		Entries: []archivetest.Entry{
			{Name: "other.txt", Data: []byte("xx")},
			{Name: "dup.txt", Data: []byte("first")},
			{Name: "dup.txt", Data: []byte("second")},
		},
	}
	a := openBytes(t, b.Bytes())

	require.Len(t, a.Entries(), 3)

	data, err := a.Extract("dup.txt")
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	offset, err := a.Offset("dup.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), offset)

	data, err = a.ExtractAt(2)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	_, err = a.ExtractAt(3)
	require.ErrorIs(t, err, common.ErrMemberNotFound)

	entry, ok := a.Entry("dup.txt")
	require.True(t, ok)
	assert.Equal(t, uint32(5), entry.DataSize)
}

func TestExtractTo(t *testing.T) {
	a := openBytes(t, archivetest.Sample().Bytes())

	var buf bytes.Buffer
	n, err := a.ExtractTo("x.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf.Bytes())

	n, err = a.ExtractTo("empty.bin", &buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = a.ExtractTo("missing", &buf)
	require.ErrorIs(t, err, common.ErrMemberNotFound)
}

func TestExtractAtTo(t *testing.T) {
	b := &archivetest.Builder{
		Entries: []archivetest.Entry{
			{Name: "dup.txt", Data: []byte("first")},
			{Name: "dup.txt", Data: []byte("second")},
		},
	}
	a := openBytes(t, b.Bytes())

	var buf bytes.Buffer
	n, err := a.ExtractAtTo(1, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	assert.Equal(t, "second", buf.String())

	_, err = a.ExtractAtTo(-1, &buf)
	require.ErrorIs(t, err, common.ErrMemberNotFound)
}

func TestReadAt(t *testing.T) {
	b := &archivetest.Builder{
		Entries: []archivetest.Entry{
			{Name: "head.txt", Data: []byte("skip")},
			{Name: "body.txt", Data: []byte("0123456789")},
			{Name: "empty.bin", Data: []byte{}},
		},
	}
	a := openBytes(t, b.Bytes())

	p := make([]byte, 4)
	n, err := a.ReadAt(1, p, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "3456", string(p))

	// A short read at the end of the entry does not run into the next one.
	n, err = a.ReadAt(1, p, 8)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, n)
	assert.Equal(t, "89", string(p[:n]))

	n, err = a.ReadAt(1, p, 10)
	require.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)

	n, err = a.ReadAt(2, p, 0)
	require.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)

	_, err = a.ReadAt(3, p, 0)
	require.ErrorIs(t, err, common.ErrMemberNotFound)

	_, err = a.ReadAt(1, p, -1)
	require.Error(t, err)
}

func TestExtractTruncatedMember(t *testing.T) {
	b := archivetest.Sample()
	path := archivetest.WriteFile(t, "truncated.pbo", b.Bytes())

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	// Shrink the file underneath the open handle.
	require.NoError(t, os.Truncate(path, a.BlobStart()+2))

	_, err = a.Extract("x.txt")
	require.ErrorIs(t, err, common.ErrTruncatedMember)

	_, err = a.ExtractTo("x.txt", &bytes.Buffer{})
	require.ErrorIs(t, err, common.ErrTruncatedMember)
}

func TestVerify(t *testing.T) {
	b := archivetest.Sample()
	data := b.Bytes()

	a := openBytes(t, data)
	require.NoError(t, a.Verify())

	corrupt := append([]byte{}, data...)
	corrupt[len(b.Head())] ^= 0xff

	a = openBytes(t, corrupt)
	require.ErrorIs(t, a.Verify(), common.ErrChecksumMismatch)

	// Extraction still works after hashing moved the cursor.
	got, err := a.Extract("x.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xfe, 2, 3, 4}, got)
}

func TestSeparatorValueIsIgnored(t *testing.T) {
	b := archivetest.Sample()
	b.Separator = 0x7f
	openBytes(t, b.Bytes())
}

func TestCloseReleasesSourceOnce(t *testing.T) {
	src := newSource(archivetest.Sample().Bytes())
	a, err := NewArchive(src)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, src.closes)

	_, err = a.Extract("x.txt")
	require.ErrorIs(t, err, os.ErrClosed)

	// Empty entries need no read but still report the closed handle.
	_, err = a.Extract("empty.bin")
	require.ErrorIs(t, err, os.ErrClosed)
	_, err = a.ExtractAtTo(1, &bytes.Buffer{})
	require.ErrorIs(t, err, os.ErrClosed)
	_, err = a.ReadAt(0, make([]byte, 1), 0)
	require.ErrorIs(t, err, os.ErrClosed)
}

func TestFailedOpenReleasesSource(t *testing.T) {
	data := archivetest.Sample().Bytes()
	src := newSource(append(append([]byte{}, data...), 1, 2, 3))

	_, err := NewArchive(src)
	require.ErrorIs(t, err, common.ErrTrailingData)
	assert.Equal(t, 1, src.closes)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open("/nonexistent/archive.pbo")
	require.ErrorIs(t, err, os.ErrNotExist)
}
