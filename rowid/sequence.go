// Package rowid manages the dataset-wide row identity space.
//
// Row ids are drawn from a single monotonic counter on the manifest and are
// never reused, even after the rows they identify are deleted. Each fragment
// carries a sequence mapping its physical row positions to ids. Compaction
// rewrites the physical layout but must carry every surviving id across
// unchanged; only value updates (delete plus reinsert) mint fresh ids.
package rowid

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// ErrCorruptSequence is returned when encoded sequence bytes cannot be
// decoded.
var ErrCorruptSequence = errors.New("malformed row id sequence")

// Range is a half-open run of contiguous row ids [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of ids in the range.
func (r Range) Len() uint64 { return r.End - r.Start }

// Sequence maps a fragment's physical row positions to row ids. Ranges are
// kept in row order, which is not necessarily id order after a compaction
// interleaves source fragments.
type Sequence struct {
	ranges []Range
}

// NewContiguous returns a sequence of count fresh ids starting at start.
func NewContiguous(start, count uint64) *Sequence {
	if count == 0 {
		return &Sequence{}
	}
	return &Sequence{ranges: []Range{{Start: start, End: start + count}}}
}

// FromRanges builds a sequence from ranges in row order.
func FromRanges(ranges []Range) *Sequence {
	s := &Sequence{}
	for _, r := range ranges {
		s.appendRange(r)
	}
	return s
}

func (s *Sequence) appendRange(r Range) {
	if r.Len() == 0 {
		return
	}
	if n := len(s.ranges); n > 0 && s.ranges[n-1].End == r.Start {
		s.ranges[n-1].End = r.End
		return
	}
	s.ranges = append(s.ranges, r)
}

// Len returns the number of rows the sequence covers.
func (s *Sequence) Len() uint64 {
	var n uint64
	for _, r := range s.ranges {
		n += r.Len()
	}
	return n
}

// Get returns the row id at physical position pos.
func (s *Sequence) Get(pos uint64) (uint64, error) {
	for _, r := range s.ranges {
		if pos < r.Len() {
			return r.Start + pos, nil
		}
		pos -= r.Len()
	}
	return 0, fmt.Errorf("row position %d past sequence of %d rows", pos, s.Len())
}

// Ranges returns the underlying ranges in row order.
func (s *Sequence) Ranges() []Range { return s.ranges }

// Bitmap returns the set of ids in the sequence.
func (s *Sequence) Bitmap() *roaring64.Bitmap {
	b := roaring64.New()
	for _, r := range s.ranges {
		b.AddRange(r.Start, r.End)
	}
	return b
}

// Mask returns a new sequence with the given physical row positions removed,
// preserving the ids of every surviving row. Positions must be sorted
// ascending. This is the compaction path: rows move, ids do not.
func (s *Sequence) Mask(deleted []uint32) *Sequence {
	out := &Sequence{}
	di := 0
	var pos uint64
	for _, r := range s.ranges {
		cur := r.Start
		end := pos + r.Len()
		for di < len(deleted) && uint64(deleted[di]) < end {
			id := r.Start + (uint64(deleted[di]) - pos)
			if cur < id {
				out.appendRange(Range{Start: cur, End: id})
			}
			cur = id + 1
			di++
		}
		if cur < r.End {
			out.appendRange(Range{Start: cur, End: r.End})
		}
		pos = end
	}
	return out
}

// Concat appends other's rows after s's rows, as compaction does when it
// merges source fragments into one output.
func (s *Sequence) Concat(other *Sequence) *Sequence {
	out := &Sequence{ranges: append([]Range(nil), s.ranges...)}
	for _, r := range other.ranges {
		out.appendRange(r)
	}
	return out
}

// Encode serializes the sequence: a range count followed by per-range
// (zigzag start delta, length) pairs. Deltas are relative to the previous
// range's end so contiguous allocations encode in a few bytes.
func (s *Sequence) Encode() []byte {
	buf := binary.AppendUvarint(nil, uint64(len(s.ranges)))
	var prevEnd uint64
	for _, r := range s.ranges {
		delta := int64(r.Start) - int64(prevEnd)
		buf = binary.AppendUvarint(buf, uint64(delta)<<1^uint64(delta>>63))
		buf = binary.AppendUvarint(buf, r.Len())
		prevEnd = r.End
	}
	return buf
}

// Decode parses bytes produced by Encode.
func Decode(b []byte) (*Sequence, error) {
	n, sz := binary.Uvarint(b)
	if sz <= 0 {
		return nil, fmt.Errorf("range count: %w", ErrCorruptSequence)
	}
	b = b[sz:]
	s := &Sequence{}
	var prevEnd uint64
	for i := uint64(0); i < n; i++ {
		zz, sz := binary.Uvarint(b)
		if sz <= 0 {
			return nil, fmt.Errorf("range %d start: %w", i, ErrCorruptSequence)
		}
		b = b[sz:]
		delta := int64(zz>>1) ^ -int64(zz&1)
		length, sz := binary.Uvarint(b)
		if sz <= 0 {
			return nil, fmt.Errorf("range %d length: %w", i, ErrCorruptSequence)
		}
		b = b[sz:]
		start := uint64(int64(prevEnd) + delta)
		s.ranges = append(s.ranges, Range{Start: start, End: start + length})
		prevEnd = start + length
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%d trailing bytes: %w", len(b), ErrCorruptSequence)
	}
	return s, nil
}
