package format

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrMemWalRegression reports a lifecycle transition going backwards.
	ErrMemWalRegression = errors.New("lance: memwal state regression")
	// ErrMemWalFlushed reports a mutation of a FLUSHED record. FLUSHED is
	// terminal; the record may only be deleted.
	ErrMemWalFlushed = errors.New("lance: memwal already flushed")
	// ErrWalLocationChanged reports an attempt to move the WAL root.
	ErrWalLocationChanged = errors.New("lance: wal location is immutable")
)

// MemWalState is the lifecycle state of a MemWAL generation. Transitions are
// strictly forward: OPEN -> SEALED -> FLUSHED.
type MemWalState uint8

const (
	MemWalOpen MemWalState = iota
	MemWalSealed
	MemWalFlushed
)

func (s MemWalState) String() string {
	switch s {
	case MemWalOpen:
		return "OPEN"
	case MemWalSealed:
		return "SEALED"
	case MemWalFlushed:
		return "FLUSHED"
	default:
		return fmt.Sprintf("MemWalState(%d)", uint8(s))
	}
}

// MemWalId addresses one MemWAL generation. Generation increases each time
// the open MemWAL of a region is sealed and replaced; at most one generation
// per region is OPEN at any time.
type MemWalId struct {
	Region     string
	Generation uint64
}

func (id MemWalId) String() string {
	return fmt.Sprintf("%s/%d", id.Region, id.Generation)
}

// SeqRange is a half-open range [Start, End) of WAL sequence ids.
type SeqRange struct {
	Start uint64
	End   uint64
}

// MemWal is one generation of a region's mem-table + write-ahead-log pair.
type MemWal struct {
	ID MemWalId
	// MemTableLocation is an opaque reference to the mem-table.
	MemTableLocation string
	// WalLocation is the WAL root. Immutable once set.
	WalLocation string
	// WalEntries is the compact segment encoding of the WAL's sequence
	// ids: sorted, disjoint, non-adjacent ranges. Holes are permanent and
	// expected when two writers raced for an id; replay treats a hole as
	// an entry that never existed.
	WalEntries []SeqRange
	State      MemWalState
	// OwnerID is the compare-and-swap lock token. Every mutation must
	// present the current value.
	OwnerID string
	// LastUpdatedDatasetVersion is the dataset version that last touched
	// this record.
	LastUpdatedDatasetVersion uint64

	unknown []byte
}

// ValidateTransition checks that replacing this record with next respects
// the record's immutability rules: the state machine moves only forward,
// FLUSHED records accept no further mutation, and the WAL root never moves
// once set.
func (w *MemWal) ValidateTransition(next *MemWal) error {
	if w.ID != next.ID {
		return fmt.Errorf("lance: memwal transition across ids %s -> %s", w.ID, next.ID)
	}
	if w.State == MemWalFlushed {
		return fmt.Errorf("%w: %s", ErrMemWalFlushed, w.ID)
	}
	if next.State < w.State {
		return fmt.Errorf("%w: %s %s -> %s", ErrMemWalRegression, w.ID, w.State, next.State)
	}
	if w.WalLocation != "" && next.WalLocation != w.WalLocation {
		return fmt.Errorf("%w: %s", ErrWalLocationChanged, w.ID)
	}
	return nil
}

// Clone deep-copies the record.
func (w *MemWal) Clone() *MemWal {
	out := *w
	out.WalEntries = append([]SeqRange(nil), w.WalEntries...)
	return &out
}

// ContainsSeq reports whether the WAL holds the given sequence id.
func (w *MemWal) ContainsSeq(seq uint64) bool {
	i := sort.Search(len(w.WalEntries), func(i int) bool {
		return w.WalEntries[i].End > seq
	})
	return i < len(w.WalEntries) && w.WalEntries[i].Start <= seq
}

// LastSeq returns the highest sequence id present. ok is false when the WAL
// is empty.
func (w *MemWal) LastSeq() (uint64, bool) {
	if len(w.WalEntries) == 0 {
		return 0, false
	}
	return w.WalEntries[len(w.WalEntries)-1].End - 1, true
}

// AddSeq inserts a sequence id, merging adjacent ranges. Returns false when
// the id is already present.
func (w *MemWal) AddSeq(seq uint64) bool {
	if w.ContainsSeq(seq) {
		return false
	}
	i := sort.Search(len(w.WalEntries), func(i int) bool {
		return w.WalEntries[i].Start > seq
	})
	// Try to extend the predecessor or successor range.
	extendPrev := i > 0 && w.WalEntries[i-1].End == seq
	extendNext := i < len(w.WalEntries) && w.WalEntries[i].Start == seq+1
	switch {
	case extendPrev && extendNext:
		w.WalEntries[i-1].End = w.WalEntries[i].End
		w.WalEntries = append(w.WalEntries[:i], w.WalEntries[i+1:]...)
	case extendPrev:
		w.WalEntries[i-1].End = seq + 1
	case extendNext:
		w.WalEntries[i].Start = seq
	default:
		w.WalEntries = append(w.WalEntries, SeqRange{})
		copy(w.WalEntries[i+1:], w.WalEntries[i:])
		w.WalEntries[i] = SeqRange{Start: seq, End: seq + 1}
	}
	return true
}
