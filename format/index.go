package format

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
)

// IndexKind tags the polymorphic index details payload.
type IndexKind uint32

const (
	IndexKindBTree IndexKind = iota
	IndexKindBitmap
	IndexKindLabelList
	IndexKindInverted
	IndexKindNGram
	IndexKindVector
	IndexKindFragmentReuse
	IndexKindMemWal
)

func (k IndexKind) String() string {
	switch k {
	case IndexKindBTree:
		return "btree"
	case IndexKindBitmap:
		return "bitmap"
	case IndexKindLabelList:
		return "label_list"
	case IndexKindInverted:
		return "inverted"
	case IndexKindNGram:
		return "ngram"
	case IndexKindVector:
		return "vector"
	case IndexKindFragmentReuse:
		return "fragment_reuse"
	case IndexKindMemWal:
		return "mem_wal"
	default:
		return "unknown"
	}
}

// IndexDetails is the closed union of per-kind index payloads. Kinds this
// implementation does not know round-trip as UnknownIndexDetails; they are
// preserved byte-for-byte, never dropped.
type IndexDetails interface {
	Kind() IndexKind
}

// BTreeIndexDetails describes a scalar btree index.
type BTreeIndexDetails struct{}

func (BTreeIndexDetails) Kind() IndexKind { return IndexKindBTree }

// BitmapIndexDetails describes a scalar bitmap index.
type BitmapIndexDetails struct{}

func (BitmapIndexDetails) Kind() IndexKind { return IndexKindBitmap }

// LabelListIndexDetails describes a label-list index.
type LabelListIndexDetails struct{}

func (LabelListIndexDetails) Kind() IndexKind { return IndexKindLabelList }

// InvertedIndexDetails describes a full-text inverted index.
type InvertedIndexDetails struct {
	WithPositions bool
}

func (InvertedIndexDetails) Kind() IndexKind { return IndexKindInverted }

// NGramIndexDetails describes an n-gram index.
type NGramIndexDetails struct {
	NGramLength uint32
}

func (NGramIndexDetails) Kind() IndexKind { return IndexKindNGram }

// VectorIndexDetails describes a vector index.
type VectorIndexDetails struct {
	Metric    string
	Dimension uint32
}

func (VectorIndexDetails) Kind() IndexKind { return IndexKindVector }

// FragmentDigest summarizes one fragment at the time of a rewrite, enough to
// remap references without loading the historical manifest.
type FragmentDigest struct {
	ID             uint64
	PhysicalRows   uint64
	NumDeletedRows uint64
}

// ReuseGroup records one compaction group: the row addresses that moved, the
// fragments that were replaced and the fragments that replaced them.
type ReuseGroup struct {
	ChangedRowAddrs *roaring64.Bitmap
	OldFragments    []FragmentDigest
	NewFragments    []FragmentDigest
}

// ReuseVersion is the ledger entry recorded by one rewrite commit.
type ReuseVersion struct {
	DatasetVersion uint64
	Groups         []ReuseGroup
}

// FragmentReuseIndexDetails is the append-only ledger of rewrite events. Any
// index built against an old fragment set consults it to remap fragment and
// row references forward without a rebuild.
type FragmentReuseIndexDetails struct {
	Versions []ReuseVersion
}

func (FragmentReuseIndexDetails) Kind() IndexKind { return IndexKindFragmentReuse }

// MemWalIndexDetails holds the MemWAL records of the dataset.
type MemWalIndexDetails struct {
	MemWals []MemWal
}

func (MemWalIndexDetails) Kind() IndexKind { return IndexKindMemWal }

// UnknownIndexDetails preserves the encoded payload of an index kind this
// implementation does not understand.
type UnknownIndexDetails struct {
	RawKind uint32
	Raw     []byte
}

func (u UnknownIndexDetails) Kind() IndexKind { return IndexKind(u.RawKind) }

// IndexMetadata describes one built index. Entries are superseded, never
// edited: a rebuild or extension registers a new entry.
type IndexMetadata struct {
	// UUID is unique across every dataset version ever created.
	UUID uuid.UUID
	// Name is unique within one dataset version only.
	Name string
	// Fields are the file-level field ids covered.
	Fields []int32
	// DatasetVersion is the snapshot the index was built from.
	DatasetVersion uint64
	// FragmentBitmap is the set of fragment ids the index covers. It must
	// be kept accurate across rewrites (see the index package).
	FragmentBitmap *roaring.Bitmap
	// Details is the kind-specific payload.
	Details IndexDetails
	// MinimumVersion is the lowest library version able to read the
	// index, 0 when unconstrained.
	MinimumVersion uint32
	// CreatedAtNanos is the build time, 0 when unknown.
	CreatedAtNanos uint64

	unknown []byte
}

// Clone deep-copies the metadata. Immutable details payloads are shared;
// the reuse ledger and MemWAL records, which commits extend, are copied.
func (im *IndexMetadata) Clone() *IndexMetadata {
	out := *im
	out.Fields = append([]int32(nil), im.Fields...)
	if im.FragmentBitmap != nil {
		out.FragmentBitmap = im.FragmentBitmap.Clone()
	}
	switch d := im.Details.(type) {
	case *FragmentReuseIndexDetails:
		out.Details = &FragmentReuseIndexDetails{Versions: append([]ReuseVersion(nil), d.Versions...)}
	case *MemWalIndexDetails:
		cp := &MemWalIndexDetails{MemWals: make([]MemWal, len(d.MemWals))}
		for i := range d.MemWals {
			cp.MemWals[i] = *d.MemWals[i].Clone()
		}
		out.Details = cp
	}
	return &out
}
