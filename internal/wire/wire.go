// Package wire implements the field-numbered binary envelope used by all
// persisted metadata records (manifests, fragments, transactions, index
// sections).
//
// The encoding is a compact tag-length-value scheme: every field is prefixed
// with a varint tag carrying its field number and wire type. Optional fields
// are simply absent; decoders must tolerate fields they do not know about and
// keep their raw bytes so a record can be re-encoded without loss. This is
// what makes old readers forward-compatible with newer writers.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Wire types.
const (
	TypeVarint  = 0
	TypeFixed64 = 1
	TypeBytes   = 2
	TypeFixed32 = 5
)

// ErrTruncated is returned when a record ends in the middle of a field.
var ErrTruncated = errors.New("wire: truncated record")

// Encoder appends fields to an in-memory buffer. The zero value is ready to
// use.
type Encoder struct {
	buf []byte
}

// Encoded returns the encoded record.
func (e *Encoder) Encoded() []byte { return e.buf }

// Len returns the current encoded size.
func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) tag(field, wt int) {
	e.buf = binary.AppendUvarint(e.buf, uint64(field)<<3|uint64(wt))
}

// Uint encodes an unsigned varint field. Zero values are omitted.
func (e *Encoder) Uint(field int, v uint64) {
	if v == 0 {
		return
	}
	e.tag(field, TypeVarint)
	e.buf = binary.AppendUvarint(e.buf, v)
}

// UintAlways encodes an unsigned varint field even when zero. Used for
// fields where presence itself is meaningful.
func (e *Encoder) UintAlways(field int, v uint64) {
	e.tag(field, TypeVarint)
	e.buf = binary.AppendUvarint(e.buf, v)
}

// Int encodes a signed varint field using zigzag encoding. Zero values are
// omitted.
func (e *Encoder) Int(field int, v int64) {
	if v == 0 {
		return
	}
	e.tag(field, TypeVarint)
	e.buf = binary.AppendUvarint(e.buf, zigzag(v))
}

// Bool encodes a bool field. False is omitted.
func (e *Encoder) Bool(field int, v bool) {
	if v {
		e.Uint(field, 1)
	}
}

// Fixed64 encodes an 8-byte little-endian field. Zero values are omitted.
func (e *Encoder) Fixed64(field int, v uint64) {
	if v == 0 {
		return
	}
	e.tag(field, TypeFixed64)
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// Fixed64Always encodes an 8-byte little-endian field even when zero. Its
// encoded size does not depend on the value, which lets writers patch the
// value without shifting the record.
func (e *Encoder) Fixed64Always(field int, v uint64) {
	e.tag(field, TypeFixed64)
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// Fixed32 encodes a 4-byte little-endian field. Zero values are omitted.
func (e *Encoder) Fixed32(field int, v uint32) {
	if v == 0 {
		return
	}
	e.tag(field, TypeFixed32)
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

// Bytes encodes a length-delimited field. Empty slices are omitted.
func (e *Encoder) Bytes(field int, b []byte) {
	if len(b) == 0 {
		return
	}
	e.tag(field, TypeBytes)
	e.buf = binary.AppendUvarint(e.buf, uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// BytesAlways encodes a length-delimited field even when empty. Used for
// fields where presence itself is meaningful.
func (e *Encoder) BytesAlways(field int, b []byte) {
	e.tag(field, TypeBytes)
	e.buf = binary.AppendUvarint(e.buf, uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// String encodes a string field. Empty strings are omitted.
func (e *Encoder) String(field int, s string) {
	if s == "" {
		return
	}
	e.tag(field, TypeBytes)
	e.buf = binary.AppendUvarint(e.buf, uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// StringAlways encodes a string field even when empty.
func (e *Encoder) StringAlways(field int, s string) {
	e.tag(field, TypeBytes)
	e.buf = binary.AppendUvarint(e.buf, uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// Message encodes a nested record produced by fn as a length-delimited field.
// The nested record is always written, even when empty, so presence of
// optional sub-records survives round-trips.
func (e *Encoder) Message(field int, fn func(*Encoder)) {
	var sub Encoder
	fn(&sub)
	e.BytesAlways(field, sub.buf)
}

// Raw appends pre-encoded field bytes verbatim. Used to re-emit unknown
// fields captured by a Decoder.
func (e *Encoder) Raw(b []byte) {
	e.buf = append(e.buf, b...)
}

func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// Decoder iterates the fields of an encoded record.
type Decoder struct {
	buf     []byte
	pos     int
	tagPos  int // start of the current field's tag, for Keep
	field   int
	wt      int
	unknown []byte
}

// NewDecoder returns a Decoder over b. The Decoder does not copy b; callers
// must not mutate it while decoding.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// Next advances to the next field. It returns false at the end of the record.
func (d *Decoder) Next() (bool, error) {
	if d.pos >= len(d.buf) {
		return false, nil
	}
	d.tagPos = d.pos
	tag, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return false, ErrTruncated
	}
	d.pos += n
	d.field = int(tag >> 3)
	d.wt = int(tag & 7)
	return true, nil
}

// Field returns the current field number.
func (d *Decoder) Field() int { return d.field }

// WireType returns the current field's wire type.
func (d *Decoder) WireType() int { return d.wt }

// Uint reads the current varint field.
func (d *Decoder) Uint() (uint64, error) {
	if d.wt != TypeVarint {
		return 0, fmt.Errorf("wire: field %d: want varint, got wire type %d", d.field, d.wt)
	}
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	d.pos += n
	return v, nil
}

// Int reads the current zigzag varint field.
func (d *Decoder) Int() (int64, error) {
	v, err := d.Uint()
	if err != nil {
		return 0, err
	}
	return unzigzag(v), nil
}

// Bool reads the current varint field as a bool.
func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint()
	return v != 0, err
}

// Fixed64 reads the current fixed64 field.
func (d *Decoder) Fixed64() (uint64, error) {
	if d.wt != TypeFixed64 {
		return 0, fmt.Errorf("wire: field %d: want fixed64, got wire type %d", d.field, d.wt)
	}
	if d.pos+8 > len(d.buf) {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

// Fixed32 reads the current fixed32 field.
func (d *Decoder) Fixed32() (uint32, error) {
	if d.wt != TypeFixed32 {
		return 0, fmt.Errorf("wire: field %d: want fixed32, got wire type %d", d.field, d.wt)
	}
	if d.pos+4 > len(d.buf) {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

// Bytes reads the current length-delimited field. The returned slice aliases
// the underlying buffer.
func (d *Decoder) Bytes() ([]byte, error) {
	if d.wt != TypeBytes {
		return nil, fmt.Errorf("wire: field %d: want bytes, got wire type %d", d.field, d.wt)
	}
	l, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return nil, ErrTruncated
	}
	d.pos += n
	if l > math.MaxInt32 || d.pos+int(l) > len(d.buf) {
		return nil, ErrTruncated
	}
	b := d.buf[d.pos : d.pos+int(l)]
	d.pos += int(l)
	return b, nil
}

// String reads the current length-delimited field as a string.
func (d *Decoder) String() (string, error) {
	b, err := d.Bytes()
	return string(b), err
}

// Keep skips the current field and records its raw tag+payload bytes so they
// can be re-emitted on encode. This is how unknown fields survive a
// decode/encode round-trip.
func (d *Decoder) Keep() error {
	if err := d.skipPayload(); err != nil {
		return err
	}
	d.unknown = append(d.unknown, d.buf[d.tagPos:d.pos]...)
	return nil
}

// Unknown returns the accumulated raw bytes of all fields passed to Keep.
func (d *Decoder) Unknown() []byte { return d.unknown }

func (d *Decoder) skipPayload() error {
	switch d.wt {
	case TypeVarint:
		_, n := binary.Uvarint(d.buf[d.pos:])
		if n <= 0 {
			return ErrTruncated
		}
		d.pos += n
	case TypeFixed64:
		if d.pos+8 > len(d.buf) {
			return ErrTruncated
		}
		d.pos += 8
	case TypeFixed32:
		if d.pos+4 > len(d.buf) {
			return ErrTruncated
		}
		d.pos += 4
	case TypeBytes:
		l, n := binary.Uvarint(d.buf[d.pos:])
		if n <= 0 {
			return ErrTruncated
		}
		d.pos += n
		if l > math.MaxInt32 || d.pos+int(l) > len(d.buf) {
			return ErrTruncated
		}
		d.pos += int(l)
	default:
		return fmt.Errorf("wire: field %d: unsupported wire type %d", d.field, d.wt)
	}
	return nil
}
