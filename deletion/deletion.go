// Package deletion tracks tombstoned rows per fragment.
//
// Deletes never touch data files. Each delete against a fragment writes a
// fresh deletion file holding the full set of tombstoned row offsets and
// swaps the fragment's reference to it; the old file stays behind for
// readers pinned to older versions.
package deletion

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/majin1102/lance/blobstore"
	"github.com/majin1102/lance/format"
)

// sparsityDenominator selects the encoding: fewer than 1 in 128 rows deleted
// writes the sparse array form, anything denser writes a roaring bitmap.
const sparsityDenominator = 128

var (
	// ErrOffsetOutOfRange is returned when a deleted row offset is not a
	// valid physical row of the fragment.
	ErrOffsetOutOfRange = errors.New("deleted row offset past physical rows")

	// ErrCorruptDeletionFile is returned when deletion file bytes cannot
	// be decoded.
	ErrCorruptDeletionFile = errors.New("malformed deletion file")
)

// Vector is the set of tombstoned row offsets within one fragment.
type Vector struct {
	bitmap *roaring.Bitmap
}

// NewVector returns an empty vector.
func NewVector() *Vector {
	return &Vector{bitmap: roaring.New()}
}

// FromOffsets builds a vector from explicit row offsets.
func FromOffsets(offsets []uint32) *Vector {
	v := NewVector()
	v.bitmap.AddMany(offsets)
	return v
}

// Add marks a row offset deleted.
func (v *Vector) Add(offset uint32) { v.bitmap.Add(offset) }

// Contains reports whether the row offset is deleted.
func (v *Vector) Contains(offset uint32) bool { return v.bitmap.Contains(offset) }

// Len returns the number of deleted rows.
func (v *Vector) Len() uint64 { return v.bitmap.GetCardinality() }

// Union merges other into v.
func (v *Vector) Union(other *Vector) { v.bitmap.Or(other.bitmap) }

// Offsets returns the deleted offsets in ascending order.
func (v *Vector) Offsets() []uint32 { return v.bitmap.ToArray() }

// Manager reads and writes deletion files for a dataset.
type Manager struct {
	store blobstore.ObjectStore
}

// NewManager returns a manager over the dataset's object store.
func NewManager(store blobstore.ObjectStore) *Manager {
	return &Manager{store: store}
}

// Record writes the fragment's full deletion set and returns the updated
// fragment referencing it. The input offsets are merged with any already
// tombstoned rows: a deletion file always carries the complete set, so
// swapping the reference is enough for readers.
//
// readVersion is the dataset version the delete was computed against; the
// file id is drawn randomly so concurrent writers against the same fragment
// and version cannot collide on a path.
func (m *Manager) Record(ctx context.Context, frag *format.Fragment, offsets []uint32, readVersion uint64) (*format.Fragment, error) {
	vec := FromOffsets(offsets)
	for _, off := range offsets {
		if uint64(off) >= frag.PhysicalRows {
			return nil, fmt.Errorf("fragment %d: offset %d of %d rows: %w",
				frag.ID, off, frag.PhysicalRows, ErrOffsetOutOfRange)
		}
	}
	if frag.DeletionFile != nil {
		existing, err := m.Read(ctx, frag)
		if err != nil {
			return nil, err
		}
		vec.Union(existing)
	}
	if vec.Len() > frag.PhysicalRows {
		return nil, fmt.Errorf("fragment %d: %d deleted of %d rows: %w",
			frag.ID, vec.Len(), frag.PhysicalRows, format.ErrDeletionOverflow)
	}

	df := &format.DeletionFile{
		FileType:       chooseEncoding(vec.Len(), frag.PhysicalRows),
		ReadVersion:    readVersion,
		ID:             newFileID(),
		NumDeletedRows: vec.Len(),
	}
	payload := encode(df.FileType, vec)
	if err := m.store.Put(ctx, df.Path(frag.ID), payload); err != nil {
		return nil, fmt.Errorf("write deletion file: %w", err)
	}

	out := frag.Clone()
	out.DeletionFile = df
	return out, nil
}

// Read loads the fragment's deletion vector. A fragment without a deletion
// file has an empty vector.
func (m *Manager) Read(ctx context.Context, frag *format.Fragment) (*Vector, error) {
	if frag.DeletionFile == nil {
		return NewVector(), nil
	}
	data, err := blobstore.ReadAll(ctx, m.store, frag.DeletionFile.Path(frag.ID))
	if err != nil {
		return nil, fmt.Errorf("read deletion file: %w", err)
	}
	return decode(frag.DeletionFile.FileType, data)
}

func chooseEncoding(deleted, physical uint64) format.DeletionFileType {
	if deleted*sparsityDenominator < physical {
		return format.DeletionArray
	}
	return format.DeletionBitmap
}

// newFileID derives a random 64-bit discriminator from a fresh uuid.
func newFileID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

func encode(ft format.DeletionFileType, v *Vector) []byte {
	if ft == format.DeletionArray {
		offsets := v.Offsets()
		buf := make([]byte, 4*len(offsets))
		for i, off := range offsets {
			binary.LittleEndian.PutUint32(buf[4*i:], off)
		}
		return buf
	}
	data, err := v.bitmap.MarshalBinary()
	if err != nil {
		// Marshal of an in-memory bitmap cannot fail.
		panic(err)
	}
	return data
}

func decode(ft format.DeletionFileType, data []byte) (*Vector, error) {
	v := NewVector()
	if ft == format.DeletionArray {
		if len(data)%4 != 0 {
			return nil, fmt.Errorf("array length %d: %w", len(data), ErrCorruptDeletionFile)
		}
		for i := 0; i < len(data); i += 4 {
			v.bitmap.Add(binary.LittleEndian.Uint32(data[i:]))
		}
		return v, nil
	}
	if err := v.bitmap.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptDeletionFile, err)
	}
	return v, nil
}
