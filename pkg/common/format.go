package common

/*

A PBO archive is laid out as:

	Version header   header record with an empty name and MimeVersion
	Properties       key\0value\0 pairs, terminated by an empty key
	Directory        header records, terminated by an empty name
	Data blob        every entry's stored bytes, in directory order
	Separator        one byte
	Checksum         ChecksumLength bytes

Header records are a null-terminated name followed by HeaderFieldsLength
bytes of little-endian uint32 fields: mime, original size, reserved,
timestamp and data size.

*/

const (
	HeaderFieldsLength = 20
	SeparatorLength    = 1
	ChecksumLength     = 20
)

type Mime uint32

const (
	MimeNone       Mime = 0x00000000
	MimeVersion    Mime = 0x56657273 // "Vers"
	MimeCompressed Mime = 0x43707273 // "Cprs"
	MimeEncrypted  Mime = 0x456e6372 // "Encr"
)

// Valid reports whether m is one of the mime tags the format defines.
func (m Mime) Valid() bool {
	switch m {
	case MimeNone, MimeVersion, MimeCompressed, MimeEncrypted:
		return true
	}
	return false
}

func (m Mime) String() string {
	switch m {
	case MimeNone:
		return "none"
	case MimeVersion:
		return "vers"
	case MimeCompressed:
		return "cprs"
	case MimeEncrypted:
		return "encr"
	}
	return "unknown"
}

// PrefixProperty is the property key holding the archive's mount prefix.
const PrefixProperty = "prefix"
