package format

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the trailer magic of every data file.
var Magic = [4]byte{'L', 'A', 'N', 'C'}

// FooterSize is the fixed size of the file trailer: an 8-byte metadata
// offset, the two format version fields and the magic. A reader locates the
// footer by seeking to file_size - FooterSize.
const FooterSize = 16

// Corruption errors. Fatal, never retried.
var (
	ErrBadMagic     = errors.New("bad file magic")
	ErrTruncated    = errors.New("file too small for footer")
	ErrBadMetadata  = errors.New("metadata offset out of bounds")
	ErrCorruptBytes = errors.New("malformed metadata record")
)

// Footer is the fixed-size trailer of a data file.
type Footer struct {
	// MetadataOffset is the position of the metadata block from the start
	// of the file.
	MetadataOffset uint64
	MajorVersion   uint16
	MinorVersion   uint16
}

// Encode appends the footer bytes to buf and returns the result.
func (f *Footer) Encode(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, f.MetadataOffset)
	buf = binary.LittleEndian.AppendUint16(buf, f.MajorVersion)
	buf = binary.LittleEndian.AppendUint16(buf, f.MinorVersion)
	return append(buf, Magic[:]...)
}

// DecodeFooter parses the trailing FooterSize bytes of a file. fileSize is
// the total file size, used to validate the metadata offset.
func DecodeFooter(tail []byte, fileSize uint64) (*Footer, error) {
	if len(tail) < FooterSize {
		return nil, fmt.Errorf("%d bytes: %w", len(tail), ErrTruncated)
	}
	tail = tail[len(tail)-FooterSize:]
	if [4]byte(tail[12:16]) != Magic {
		return nil, fmt.Errorf("%q: %w", tail[12:16], ErrBadMagic)
	}
	f := &Footer{
		MetadataOffset: binary.LittleEndian.Uint64(tail[0:8]),
		MajorVersion:   binary.LittleEndian.Uint16(tail[8:10]),
		MinorVersion:   binary.LittleEndian.Uint16(tail[10:12]),
	}
	if f.MetadataOffset >= fileSize {
		return nil, fmt.Errorf("offset %d in %d-byte file: %w", f.MetadataOffset, fileSize, ErrBadMetadata)
	}
	return f, nil
}
