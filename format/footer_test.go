package format

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFooterRoundTrip(t *testing.T) {
	ftr := Footer{MetadataOffset: 1234, MajorVersion: 2, MinorVersion: 1}
	payload := make([]byte, 2000)
	buf := ftr.Encode(payload)
	require.Len(t, buf, len(payload)+FooterSize)

	got, err := DecodeFooter(buf[len(buf)-FooterSize:], uint64(len(buf)))
	require.NoError(t, err)
	require.Equal(t, ftr, *got)
}

func TestFooterBadMagic(t *testing.T) {
	ftr := Footer{MetadataOffset: 4}
	buf := ftr.Encode(make([]byte, 100))
	buf[len(buf)-1] = 'X'

	_, err := DecodeFooter(buf[len(buf)-FooterSize:], uint64(len(buf)))
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestFooterTruncated(t *testing.T) {
	_, err := DecodeFooter([]byte{1, 2, 3}, 3)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestFooterOffsetOutOfBounds(t *testing.T) {
	ftr := Footer{MetadataOffset: 999999}
	buf := ftr.Encode(make([]byte, 10))

	_, err := DecodeFooter(buf[len(buf)-FooterSize:], uint64(len(buf)))
	require.ErrorIs(t, err, ErrBadMetadata)
}
