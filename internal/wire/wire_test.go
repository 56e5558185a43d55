package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, b []byte) map[int][]any {
	t.Helper()
	out := make(map[int][]any)
	d := NewDecoder(b)
	for {
		ok, err := d.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		switch d.WireType() {
		case TypeVarint:
			v, err := d.Uint()
			require.NoError(t, err)
			out[d.Field()] = append(out[d.Field()], v)
		case TypeFixed64:
			v, err := d.Fixed64()
			require.NoError(t, err)
			out[d.Field()] = append(out[d.Field()], v)
		case TypeFixed32:
			v, err := d.Fixed32()
			require.NoError(t, err)
			out[d.Field()] = append(out[d.Field()], v)
		case TypeBytes:
			v, err := d.Bytes()
			require.NoError(t, err)
			out[d.Field()] = append(out[d.Field()], append([]byte(nil), v...))
		default:
			t.Fatalf("unexpected wire type %d", d.WireType())
		}
	}
}

func TestScalarRoundTrip(t *testing.T) {
	var e Encoder
	e.Uint(1, 42)
	e.Int(2, -7)
	e.Bool(3, true)
	e.Fixed64(4, 0xdeadbeef)
	e.Fixed32(5, 99)
	e.String(6, "hello")
	e.Bytes(7, []byte{0, 1, 2})

	d := NewDecoder(e.Encoded())
	ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, d.Field())
	v, err := d.Uint()
	require.NoError(t, err)
	require.EqualValues(t, 42, v)

	ok, err = d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	i, err := d.Int()
	require.NoError(t, err)
	require.EqualValues(t, -7, i)

	ok, err = d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	b, err := d.Bool()
	require.NoError(t, err)
	require.True(t, b)

	ok, err = d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	f64, err := d.Fixed64()
	require.NoError(t, err)
	require.EqualValues(t, 0xdeadbeef, f64)

	ok, err = d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	f32, err := d.Fixed32()
	require.NoError(t, err)
	require.EqualValues(t, 99, f32)

	ok, err = d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	s, err := d.String()
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	ok, err = d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	raw, err := d.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 2}, raw)

	ok, err = d.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestZeroValuesOmitted(t *testing.T) {
	var e Encoder
	e.Uint(1, 0)
	e.Int(2, 0)
	e.Bool(3, false)
	e.Fixed64(4, 0)
	e.String(5, "")
	e.Bytes(6, nil)
	require.Zero(t, e.Len())
}

func TestAlwaysVariantsEncodeZero(t *testing.T) {
	var e Encoder
	e.UintAlways(1, 0)
	e.Fixed64Always(2, 0)
	e.StringAlways(3, "")
	e.BytesAlways(4, nil)

	fields := decodeAll(t, e.Encoded())
	require.Len(t, fields, 4)
	require.EqualValues(t, uint64(0), fields[1][0])
	require.EqualValues(t, uint64(0), fields[2][0])
	require.Empty(t, fields[3][0])
	require.Empty(t, fields[4][0])
}

func TestFixed64AlwaysIsStableWidth(t *testing.T) {
	// Two-pass encoders patch fixed64 fields in place, so the width must
	// not depend on the value.
	sizeOf := func(v uint64) int {
		var e Encoder
		e.Fixed64Always(1, v)
		return e.Len()
	}
	require.Equal(t, sizeOf(0), sizeOf(1<<63))
}

func TestSignedZigzag(t *testing.T) {
	for _, v := range []int64{1, -1, 1 << 40, -(1 << 40), -9223372036854775808, 9223372036854775807} {
		var e Encoder
		e.Int(1, v)
		d := NewDecoder(e.Encoded())
		ok, err := d.Next()
		require.NoError(t, err)
		require.True(t, ok)
		got, err := d.Int()
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestNestedMessage(t *testing.T) {
	var e Encoder
	e.Message(1, func(inner *Encoder) {
		inner.Uint(1, 10)
		inner.Message(2, func(deep *Encoder) {
			deep.String(1, "leaf")
		})
	})

	d := NewDecoder(e.Encoded())
	ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	body, err := d.Bytes()
	require.NoError(t, err)

	inner := NewDecoder(body)
	ok, err = inner.Next()
	require.NoError(t, err)
	require.True(t, ok)
	v, err := inner.Uint()
	require.NoError(t, err)
	require.EqualValues(t, 10, v)

	ok, err = inner.Next()
	require.NoError(t, err)
	require.True(t, ok)
	deep, err := inner.Bytes()
	require.NoError(t, err)

	leaf := NewDecoder(deep)
	ok, err = leaf.Next()
	require.NoError(t, err)
	require.True(t, ok)
	s, err := leaf.String()
	require.NoError(t, err)
	require.Equal(t, "leaf", s)
}

func TestKeepPreservesUnknownFields(t *testing.T) {
	// A record written by a newer generation with field numbers this
	// decoder has never seen.
	var newer Encoder
	newer.Uint(1, 7)
	newer.String(900, "future feature")
	newer.Fixed64Always(901, 123456)
	original := append([]byte(nil), newer.Encoded()...)

	var rewritten Encoder
	d := NewDecoder(original)
	for {
		ok, err := d.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		switch d.Field() {
		case 1:
			v, err := d.Uint()
			require.NoError(t, err)
			rewritten.Uint(1, v)
		default:
			require.NoError(t, d.Keep())
		}
	}
	rewritten.Raw(d.Unknown())

	require.Equal(t, original, rewritten.Encoded())
}

func TestTruncatedRecords(t *testing.T) {
	var e Encoder
	e.String(1, "payload")
	full := e.Encoded()

	for cut := 1; cut < len(full); cut++ {
		d := NewDecoder(full[:cut])
		_, err := d.Next()
		if err != nil {
			require.ErrorIs(t, err, ErrTruncated)
			continue
		}
		_, err = d.Bytes()
		require.ErrorIs(t, err, ErrTruncated)
	}
}
