package common

import "errors"

var (
	ErrInvalidVersionMarker      = errors.New("first header is not a version header")
	ErrMalformedHeader           = errors.New("malformed header record")
	ErrUnterminatedString        = errors.New("unterminated string")
	ErrUnterminatedPropertyTable = errors.New("property table is not terminated")
	ErrUnterminatedDirectory     = errors.New("file directory is not terminated")
	ErrTruncatedArchive          = errors.New("archive is truncated")
	ErrTrailingData              = errors.New("unexpected data after checksum")
	ErrMemberNotFound            = errors.New("file not found in archive")
	ErrTruncatedMember           = errors.New("file data is truncated")
	ErrChecksumMismatch          = errors.New("checksum mismatch")
	ErrUnsafePath                = errors.New("entry path escapes output directory")
	ErrInvalidLocation           = errors.New("invalid archive location")
)
