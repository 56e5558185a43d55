package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func twoFragments() []*Fragment {
	return []*Fragment{
		{ID: 0, PhysicalRows: 10, Files: []DataFile{{Path: "data/0.lance", Fields: []int32{0}}}},
		{ID: 1, PhysicalRows: 20, Files: []DataFile{{Path: "data/1.lance", Fields: []int32{0}}}},
	}
}

func intSchema() Schema {
	return Schema{{ID: 0, ParentID: UnassignedFieldID, Name: "id", LogicalType: "int64"}}
}

func TestMaxFragmentIDSurvivesDeletion(t *testing.T) {
	m := NewManifest(intSchema(), twoFragments())
	require.EqualValues(t, 1, m.MaxFragmentID)

	m.ResetFragments(nil)
	id, ok := m.MaxUsedFragmentID()
	require.True(t, ok)
	require.EqualValues(t, 1, id)
	require.EqualValues(t, 2, AssignFragmentID(m))
}

func TestAssignFragmentIDFreshDataset(t *testing.T) {
	m := NewManifest(intSchema(), nil)
	require.Zero(t, AssignFragmentID(m))
}

func TestAssignFieldIDs(t *testing.T) {
	m := NewManifest(intSchema(), nil)
	extra := Schema{
		{ID: UnassignedFieldID, ParentID: UnassignedFieldID, Name: "a", LogicalType: "string"},
		{ID: UnassignedFieldID, ParentID: UnassignedFieldID, Name: "b", LogicalType: "int32"},
	}
	require.NoError(t, AssignFieldIDs(m, extra))
	require.EqualValues(t, 1, extra[0].ID)
	require.EqualValues(t, 2, extra[1].ID)

	// Already assigned ids are a caller bug.
	require.Error(t, AssignFieldIDs(m, Schema{{ID: 5, Name: "dup"}}))

	// Tombstoned slots are skipped, their ids stay reserved.
	mixed := Schema{
		{ID: TombstonedFieldID, Name: "gone"},
		{ID: UnassignedFieldID, ParentID: UnassignedFieldID, Name: "c", LogicalType: "bool"},
	}
	require.NoError(t, AssignFieldIDs(m, mixed))
	require.EqualValues(t, 1, mixed[1].ID)
}

func TestMaxFieldIDCountsDroppedColumns(t *testing.T) {
	// A data file still storing field 3 reserves the id even after the
	// column left the schema.
	m := NewManifest(intSchema(), []*Fragment{{
		ID:           0,
		PhysicalRows: 1,
		Files:        []DataFile{{Path: "data/0.lance", Fields: []int32{0, 3}}},
	}})
	require.EqualValues(t, 3, m.MaxFieldID())
}

func TestComputeColumnIndices(t *testing.T) {
	out, err := ComputeColumnIndices([]int32{0, 5, 2}, []int32{0, 2})
	require.NoError(t, err)
	require.Equal(t, []int32{0, -1, 1}, out)

	_, err = ComputeColumnIndices([]int32{0}, []int32{0, 0})
	require.ErrorIs(t, err, ErrDuplicateColumnIndex)
}

func TestFragmentsSince(t *testing.T) {
	old := NewManifest(intSchema(), twoFragments())
	next := NewManifestFromPrevious(old, old.Schema, append(twoFragments(), &Fragment{
		ID: 2, PhysicalRows: 5, Files: []DataFile{{Path: "data/2.lance", Fields: []int32{0}}},
	}))

	fresh, err := next.FragmentsSince(old)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.EqualValues(t, 2, fresh[0].ID)

	_, err = old.FragmentsSince(next)
	require.Error(t, err)
}

func TestNewManifestFromPreviousCarriesCounters(t *testing.T) {
	m := NewManifest(intSchema(), twoFragments())
	m.NextRowID = 30
	m.ReaderFeatureFlags = FlagStableRowIDs
	m.Config = map[string]string{"k": "v"}

	next := NewManifestFromPrevious(m, m.Schema, nil)
	require.EqualValues(t, 2, next.Version)
	require.EqualValues(t, 30, next.NextRowID)
	require.Equal(t, FlagStableRowIDs, next.ReaderFeatureFlags)
	require.Equal(t, "v", next.Config["k"])
	require.True(t, next.MaxFragmentIDSet)
	require.EqualValues(t, 1, next.MaxFragmentID)

	// The copy is independent of the parent.
	next.Config["k"] = "changed"
	require.Equal(t, "v", m.Config["k"])
}

func TestFragmentsByOffsetRange(t *testing.T) {
	frags := twoFragments()
	frags[1].DeletionFile = &DeletionFile{FileType: DeletionArray, NumDeletedRows: 5}
	m := NewManifest(intSchema(), frags)
	require.EqualValues(t, 25, m.NumRows())

	hits := m.FragmentsByOffsetRange(5, 12)
	require.Len(t, hits, 2)
	require.EqualValues(t, 0, hits[0].Offset)
	require.EqualValues(t, 10, hits[1].Offset)

	hits = m.FragmentsByOffsetRange(10, 11)
	require.Len(t, hits, 1)
	require.EqualValues(t, 1, hits[0].Fragment.ID)

	require.Empty(t, m.FragmentsByOffsetRange(25, 30))
	require.Empty(t, m.FragmentsByOffsetRange(7, 7))
}

func TestValidateStableRowIDsRequireMeta(t *testing.T) {
	m := NewManifest(intSchema(), twoFragments())
	m.ReaderFeatureFlags = FlagStableRowIDs
	require.ErrorIs(t, m.Validate(), ErrMissingRowIDs)

	for _, f := range m.Fragments {
		f.RowIdMeta = &RowIdMeta{Inline: []byte{0}}
	}
	require.NoError(t, m.Validate())
}

func TestTimestampRoundTrip(t *testing.T) {
	m := NewManifest(intSchema(), nil)
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetTimestamp(at)
	require.True(t, m.Timestamp().Equal(at))
}

func TestWriterVersionComparison(t *testing.T) {
	w := &WriterVersion{Library: LibraryName, Version: "0.4.0"}
	require.True(t, w.OlderThan(0, 5, 0))
	require.True(t, w.OlderThan(1, 0, 0))
	require.False(t, w.OlderThan(0, 4, 0))
	require.False(t, w.OlderThan(0, 3, 9))

	odd := &WriterVersion{Library: "other", Version: "nightly"}
	require.False(t, odd.OlderThan(99, 0, 0))
}

func TestDetachedVersionMask(t *testing.T) {
	require.False(t, IsDetachedVersion(7))
	require.True(t, IsDetachedVersion(7|DetachedVersionMask))
}

func TestFlagGating(t *testing.T) {
	require.NoError(t, CheckReaderFlags(KnownReaderFlags))
	require.NoError(t, CheckWriterFlags(0))

	err := CheckReaderFlags(KnownReaderFlags | 1<<40)
	var unknown *UnknownFlagsError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "reader", unknown.Kind)
	require.Equal(t, uint64(1)<<40, unknown.Flags)

	err = CheckWriterFlags(1 << 41)
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "writer", unknown.Kind)
}
