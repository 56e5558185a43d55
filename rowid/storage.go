package rowid

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/majin1102/lance/blobstore"
	"github.com/majin1102/lance/format"
)

// InlineCutoff is the encoded size above which a sequence is written to an
// external file instead of being inlined in the fragment record.
const InlineCutoff = 200 << 10

// Compression codecs for external sequence files. Selected by the manifest
// config key "lance.rowid.compression".
const (
	ConfigCompressionKey = "lance.rowid.compression"

	codecRaw  byte = 0
	codecZstd byte = 1
	codecLZ4  byte = 2
)

// Store persists row id sequences that are too large to inline.
type Store struct {
	store blobstore.ObjectStore
}

// NewStore returns a sequence store over the dataset's object store.
func NewStore(store blobstore.ObjectStore) *Store {
	return &Store{store: store}
}

// Save encodes the sequence and attaches it to the fragment: inline when
// small, otherwise as an external compressed file under _rowids/. The
// compression codec comes from the manifest config, defaulting to zstd.
func (s *Store) Save(ctx context.Context, seq *Sequence, frag *format.Fragment, config map[string]string) error {
	encoded := seq.Encode()
	if len(encoded) <= InlineCutoff {
		frag.RowIdMeta = &format.RowIdMeta{Inline: encoded}
		return nil
	}

	compressed, err := compress(encoded, config[ConfigCompressionKey])
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/%d-%s.rix", format.RowIDsDir, frag.ID, uuid.NewString())
	if err := s.store.Put(ctx, path, compressed); err != nil {
		return fmt.Errorf("write row id sequence: %w", err)
	}
	frag.RowIdMeta = &format.RowIdMeta{External: &format.ExternalFile{
		Path:   path,
		Offset: 0,
		Size:   uint64(len(compressed)),
	}}
	return nil
}

// Load reads a fragment's sequence back, decompressing external files as
// needed.
func (s *Store) Load(ctx context.Context, frag *format.Fragment) (*Sequence, error) {
	meta := frag.RowIdMeta
	if meta == nil {
		return nil, fmt.Errorf("fragment %d: %w", frag.ID, format.ErrMissingRowIDs)
	}
	if meta.External == nil {
		return Decode(meta.Inline)
	}

	blob, err := s.store.Open(ctx, meta.External.Path)
	if err != nil {
		return nil, fmt.Errorf("open row id sequence: %w", err)
	}
	defer blob.Close()
	buf := make([]byte, meta.External.Size)
	if _, err := blob.ReadAt(ctx, buf, int64(meta.External.Offset)); err != nil {
		return nil, fmt.Errorf("read row id sequence: %w", err)
	}
	raw, err := decompress(buf)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

func compress(data []byte, codec string) ([]byte, error) {
	switch codec {
	case "", "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, []byte{codecZstd}), nil
	case "lz4":
		tmp := make([]byte, lz4.CompressBlockBound(len(data)))
		var c lz4.Compressor
		n, err := c.CompressBlock(data, tmp)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			// Incompressible, store raw.
			return append([]byte{codecRaw}, data...), nil
		}
		// Block decompression needs the raw size; prepend it.
		out := append([]byte{codecLZ4}, encodeU32(uint32(len(data)))...)
		return append(out, tmp[:n]...), nil
	default:
		return nil, fmt.Errorf("unknown row id compression %q", codec)
	}
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrCorruptSequence
	}
	switch data[0] {
	case codecRaw:
		return data[1:], nil
	case codecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data[1:], nil)
	case codecLZ4:
		if len(data) < 5 {
			return nil, ErrCorruptSequence
		}
		rawSize := decodeU32(data[1:5])
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(data[5:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("row id codec %d: %w", data[0], ErrCorruptSequence)
	}
}

func encodeU32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func decodeU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
