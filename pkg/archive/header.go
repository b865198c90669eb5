package archive

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/beam-cloud/pbo/pkg/common"
)

// HeaderReader is the stream shape the codec decodes from.
type HeaderReader interface {
	io.Reader
	io.ByteReader
}

// positionReader counts the bytes consumed from a buffered source so the
// caller knows the logical stream position regardless of read-ahead.
type positionReader struct {
	r   *bufio.Reader
	pos int64
}

func newPositionReader(r io.Reader) *positionReader {
	return &positionReader{r: bufio.NewReader(r)}
}

func (pr *positionReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	pr.pos += int64(n)
	return n, err
}

func (pr *positionReader) ReadByte() (byte, error) {
	b, err := pr.r.ReadByte()
	if err == nil {
		pr.pos++
	}
	return b, err
}

// ReadString decodes a null-terminated string. The terminator is consumed
// but not returned.
func ReadString(r io.ByteReader) (string, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", common.ErrUnterminatedString
			}
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
}

// ReadHeader decodes one header record: the filename followed by the mime
// tag, original size, reserved, timestamp and data size fields.
func ReadHeader(r HeaderReader) (*common.Header, error) {
	name, err := ReadString(r)
	if err != nil {
		return nil, fmt.Errorf("%w: filename: %w", common.ErrMalformedHeader, err)
	}

	var fields [common.HeaderFieldsLength]byte
	if _, err := io.ReadFull(r, fields[:]); err != nil {
		return nil, fmt.Errorf("%w: fields of %q: %w", common.ErrMalformedHeader, name, err)
	}

	mime := common.Mime(binary.LittleEndian.Uint32(fields[0:4]))
	if !mime.Valid() {
		return nil, fmt.Errorf("%w: unknown mime 0x%08x for %q", common.ErrMalformedHeader, uint32(mime), name)
	}

	return &common.Header{
		Filename:     name,
		Mime:         mime,
		OriginalSize: binary.LittleEndian.Uint32(fields[4:8]),
		Reserved:     binary.LittleEndian.Uint32(fields[8:12]),
		Timestamp:    binary.LittleEndian.Uint32(fields[12:16]),
		DataSize:     binary.LittleEndian.Uint32(fields[16:20]),
	}, nil
}

// isEndOfStream reports whether err was caused by running out of input.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, common.ErrUnterminatedString)
}
