package rowid

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/majin1102/lance/format"
)

// ErrRowIDsLost is returned when a rewrite drops or invents row ids.
var ErrRowIDsLost = errors.New("rewrite changed the surviving row id set")

// Allocate draws count fresh ids from the manifest's counter and advances
// it. Must be called only on the successor manifest inside a commit, so the
// advance and the owning fragment land in the same version.
func Allocate(m *format.Manifest, count uint64) Range {
	r := Range{Start: m.NextRowID, End: m.NextRowID + count}
	m.NextRowID += count
	return r
}

// ContiguousMeta allocates count ids from the manifest and returns them as
// an inline sequence attachment. Contiguous runs encode in a handful of
// bytes, so the inline form always suffices here.
func ContiguousMeta(m *format.Manifest, count uint64) *format.RowIdMeta {
	r := Allocate(m, count)
	return &format.RowIdMeta{Inline: NewContiguous(r.Start, r.Len()).Encode()}
}

// VerifyRewrite checks that a compaction preserved row identity: the ids of
// the output sequences must be exactly the input ids minus those the rewrite
// tombstoned. deleted holds, per input sequence, the physical row positions
// removed (sorted ascending, may be nil).
func VerifyRewrite(inputs []*Sequence, deleted [][]uint32, outputs []*Sequence) error {
	if len(deleted) != 0 && len(deleted) != len(inputs) {
		return fmt.Errorf("deleted masks for %d of %d inputs", len(deleted), len(inputs))
	}
	want := roaring64.New()
	for i, in := range inputs {
		survivors := in
		if len(deleted) != 0 && len(deleted[i]) != 0 {
			survivors = in.Mask(deleted[i])
		}
		want.Or(survivors.Bitmap())
	}
	got := roaring64.New()
	for _, out := range outputs {
		got.Or(out.Bitmap())
	}
	if !want.Equals(got) {
		return fmt.Errorf("%d ids in, %d ids out: %w", want.GetCardinality(), got.GetCardinality(), ErrRowIDsLost)
	}
	// Equal sets can still hide a duplicated id across outputs.
	var rows uint64
	for _, out := range outputs {
		rows += out.Len()
	}
	if rows != got.GetCardinality() {
		return fmt.Errorf("%d output rows share %d ids: %w", rows, got.GetCardinality(), ErrRowIDsLost)
	}
	return nil
}
