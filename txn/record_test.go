package txn_test

import (
	"strings"
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/majin1102/lance/format"
	"github.com/majin1102/lance/testutil"
	"github.com/majin1102/lance/txn"
)

func roundTrip(t *testing.T, op txn.Operation) *txn.Transaction {
	t.Helper()
	record := txn.NewTransaction(7, op)
	data, err := record.Marshal()
	require.NoError(t, err)
	decoded, err := txn.UnmarshalTransaction(data)
	require.NoError(t, err)
	require.EqualValues(t, 7, decoded.ReadVersion)
	require.Equal(t, record.UUID, decoded.UUID)
	require.Equal(t, op.Kind(), decoded.Operation.Kind())
	return decoded
}

func TestTransactionPath(t *testing.T) {
	record := txn.NewTransaction(12, &txn.Append{})
	require.True(t, strings.HasPrefix(record.Path(), "_transactions/12-"))
	require.True(t, strings.HasSuffix(record.Path(), ".txn"))
}

func TestAppendRecordRoundTrip(t *testing.T) {
	f := testutil.Fragment(42)
	f.ID = 3
	decoded := roundTrip(t, &txn.Append{Fragments: []*format.Fragment{f}})

	got := decoded.Operation.(*txn.Append)
	require.Len(t, got.Fragments, 1)
	require.EqualValues(t, 3, got.Fragments[0].ID)
	require.EqualValues(t, 42, got.Fragments[0].PhysicalRows)
	require.Equal(t, "data/file.lance", got.Fragments[0].Files[0].Path)
}

func TestOverwriteRecordRoundTrip(t *testing.T) {
	decoded := roundTrip(t, &txn.Overwrite{
		Schema:       testutil.Schema(),
		Fragments:    []*format.Fragment{testutil.Fragment(5)},
		ConfigUpsert: map[string]string{"b": "2", "a": "1"},
	})

	got := decoded.Operation.(*txn.Overwrite)
	require.Len(t, got.Schema, 2)
	require.Equal(t, "value", got.Schema[1].Name)
	require.Len(t, got.Fragments, 1)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, got.ConfigUpsert)
}

func TestDeleteRecordRoundTrip(t *testing.T) {
	f := testutil.Fragment(100)
	f.ID = 4
	f.DeletionFile = &format.DeletionFile{ReadVersion: 7, ID: 9, NumDeletedRows: 3}
	decoded := roundTrip(t, &txn.Delete{
		UpdatedFragments:   []*format.Fragment{f},
		DeletedFragmentIDs: []uint64{1, 2},
		Predicate:          "value IS NULL",
	})

	got := decoded.Operation.(*txn.Delete)
	require.Len(t, got.UpdatedFragments, 1)
	require.NotNil(t, got.UpdatedFragments[0].DeletionFile)
	require.EqualValues(t, 3, got.UpdatedFragments[0].DeletionFile.NumDeletedRows)
	require.Equal(t, []uint64{1, 2}, got.DeletedFragmentIDs)
	require.Equal(t, "value IS NULL", got.Predicate)
}

func TestRewriteRecordRoundTrip(t *testing.T) {
	moved := roaring64.New()
	moved.AddRange(0, 128)
	decoded := roundTrip(t, &txn.Rewrite{Groups: []txn.RewriteGroup{{
		OldFragmentIDs:  []uint64{0, 1},
		NewFragments:    []*format.Fragment{testutil.Fragment(20)},
		ChangedRowAddrs: moved,
	}}})

	got := decoded.Operation.(*txn.Rewrite)
	require.Len(t, got.Groups, 1)
	require.Equal(t, []uint64{0, 1}, got.Groups[0].OldFragmentIDs)
	require.Len(t, got.Groups[0].NewFragments, 1)
	require.EqualValues(t, 128, got.Groups[0].ChangedRowAddrs.GetCardinality())
}

func TestCreateIndexRecordRoundTrip(t *testing.T) {
	id := uuid.New()
	removed := uuid.New()
	decoded := roundTrip(t, &txn.CreateIndex{
		New: []*format.IndexMetadata{{
			UUID:           id,
			Name:           "value_btree",
			Fields:         []int32{1},
			DatasetVersion: 6,
			FragmentBitmap: bitmap32(0, 1),
			Details:        format.BTreeIndexDetails{},
		}},
		Removed: []uuid.UUID{removed},
	})

	got := decoded.Operation.(*txn.CreateIndex)
	require.Len(t, got.New, 1)
	require.Equal(t, id, got.New[0].UUID)
	require.Equal(t, "value_btree", got.New[0].Name)
	require.Equal(t, format.IndexKindBTree, got.New[0].Details.Kind())
	require.True(t, got.New[0].FragmentBitmap.Contains(1))
	require.Equal(t, []uuid.UUID{removed}, got.Removed)
}

func TestUpdateConfigRecordRoundTrip(t *testing.T) {
	decoded := roundTrip(t, &txn.UpdateConfig{
		Upsert:         map[string]string{"lance.rowid.compression": "zstd"},
		DeleteKeys:     []string{"stale"},
		SchemaMetadata: map[string]string{"owner": "ingest"},
		FieldMetadata:  map[int32]map[string]string{1: {"encoding": "dictionary"}},
	})

	got := decoded.Operation.(*txn.UpdateConfig)
	require.Equal(t, "zstd", got.Upsert["lance.rowid.compression"])
	require.Equal(t, []string{"stale"}, got.DeleteKeys)
	require.Equal(t, map[string]string{"owner": "ingest"}, got.SchemaMetadata)
	require.Equal(t, map[string]string{"encoding": "dictionary"}, got.FieldMetadata[1])
}

func TestUpdateMemWalRecordRoundTrip(t *testing.T) {
	decoded := roundTrip(t, &txn.UpdateMemWal{
		Added: []format.MemWal{{
			ID:          format.MemWalId{Region: "r1", Generation: 1},
			WalLocation: "wal://r1/1",
			State:       format.MemWalOpen,
			OwnerID:     "writer-1",
		}},
		Updated: []format.MemWal{{
			ID:          format.MemWalId{Region: "r1", Generation: 0},
			WalLocation: "wal://r1/0",
			WalEntries:  []format.SeqRange{{Start: 0, End: 4}, {Start: 6, End: 7}},
			State:       format.MemWalSealed,
			OwnerID:     "writer-1",
		}},
		Removed:       []format.MemWalId{{Region: "r0", Generation: 3}},
		NewFragments:  []*format.Fragment{testutil.Fragment(9)},
		ExpectedOwner: "writer-1",
	})

	got := decoded.Operation.(*txn.UpdateMemWal)
	require.Len(t, got.Added, 1)
	require.EqualValues(t, 1, got.Added[0].ID.Generation)
	require.Len(t, got.Updated, 1)
	require.Equal(t, format.MemWalSealed, got.Updated[0].State)
	require.Equal(t, []format.SeqRange{{Start: 0, End: 4}, {Start: 6, End: 7}}, got.Updated[0].WalEntries)
	require.Equal(t, []format.MemWalId{{Region: "r0", Generation: 3}}, got.Removed)
	require.Len(t, got.NewFragments, 1)
	require.Equal(t, "writer-1", got.ExpectedOwner)
}

func TestUnmarshalGarbageRecord(t *testing.T) {
	_, err := txn.UnmarshalTransaction([]byte{0xff, 0xff, 0xff})
	require.ErrorIs(t, err, txn.ErrCorruptTransaction)

	// A structurally valid record without an operation is also corrupt.
	_, err = txn.UnmarshalTransaction(nil)
	require.ErrorIs(t, err, txn.ErrCorruptTransaction)
}
