package txn_test

import (
	"context"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/require"

	"github.com/majin1102/lance/blobstore"
	"github.com/majin1102/lance/format"
	"github.com/majin1102/lance/index"
	"github.com/majin1102/lance/testutil"
	"github.com/majin1102/lance/txn"
)

// seed commits an initial manifest directly and returns it with its engine.
func seed(t *testing.T, store blobstore.ObjectStore, m *format.Manifest) (*txn.Engine, *format.Manifest, *index.Catalog) {
	t.Helper()
	require.NoError(t, testutil.SeedVersion(context.Background(), store, m, nil))
	engine := txn.NewEngine(store, testutil.NewStoreSource(store))
	return engine, m, index.NewCatalog(nil)
}

func TestAppendAdvancesVersionAndWatermark(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	base := format.NewManifest(testutil.Schema(), nil)
	base.Version = 5
	base.MaxFragmentID = 7
	base.MaxFragmentIDSet = true
	engine, base, catalog := seed(t, store, base)

	res, err := engine.Propose(ctx, base, catalog, &txn.Append{
		Fragments: []*format.Fragment{testutil.Fragment(10), testutil.Fragment(20)},
	})
	require.NoError(t, err)
	require.EqualValues(t, 6, res.Manifest.Version)
	require.EqualValues(t, 9, res.Manifest.MaxFragmentID)
	require.Len(t, res.Manifest.Fragments, 2)
	require.EqualValues(t, 8, res.Manifest.Fragments[0].ID)
	require.EqualValues(t, 9, res.Manifest.Fragments[1].ID)
	require.Equal(t, 1, res.Attempts)

	// The published object decodes back to the same snapshot.
	head, _, err := testutil.NewStoreSource(store).Head(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 6, head.Version)
	require.EqualValues(t, 30, head.NumRows())
	require.NotEmpty(t, head.TransactionFile)

	// The transaction record is durable and names the operation.
	data, err := blobstore.ReadAll(ctx, store, head.TransactionFile)
	require.NoError(t, err)
	record, err := txn.UnmarshalTransaction(data)
	require.NoError(t, err)
	require.EqualValues(t, 5, record.ReadVersion)
	require.Equal(t, txn.KindAppend, record.Operation.Kind())
}

func TestConcurrentAppendsBothCommit(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	engine, base, catalog := seed(t, store, format.NewManifest(testutil.Schema(), nil))

	first, err := engine.Propose(ctx, base, catalog, &txn.Append{Fragments: []*format.Fragment{testutil.Fragment(10)}})
	require.NoError(t, err)
	require.EqualValues(t, 2, first.Manifest.Version)

	// Second writer still holds the stale base and must rebase once.
	second, err := engine.Propose(ctx, base, catalog, &txn.Append{Fragments: []*format.Fragment{testutil.Fragment(20)}})
	require.NoError(t, err)
	require.EqualValues(t, 3, second.Manifest.Version)
	require.Equal(t, 2, second.Attempts)

	// Both fragment sets survive with disjoint ids.
	require.Len(t, second.Manifest.Fragments, 2)
	require.NotEqual(t, second.Manifest.Fragments[0].ID, second.Manifest.Fragments[1].ID)
}

func TestConcurrentOverlappingRewritesConflict(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	base := format.NewManifest(testutil.Schema(), []*format.Fragment{testutil.Fragment(10), testutil.Fragment(10)})
	base.Fragments[0].ID = 0
	base.Fragments[1].ID = 1
	base.UpdateMaxFragmentID()
	engine, base, catalog := seed(t, store, base)

	rewrite := func() *txn.Rewrite {
		return &txn.Rewrite{Groups: []txn.RewriteGroup{{
			OldFragmentIDs: []uint64{0, 1},
			NewFragments:   []*format.Fragment{testutil.Fragment(20)},
		}}}
	}

	first, err := engine.Propose(ctx, base, catalog, rewrite())
	require.NoError(t, err)
	require.EqualValues(t, 2, first.Manifest.Version)

	_, err = engine.Propose(ctx, base, catalog, rewrite())
	require.ErrorIs(t, err, txn.ErrConcurrentModification)
	var conflict *txn.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, txn.KindRewrite, conflict.Committed)
}

func TestDeleteVsAppendRebases(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	base := format.NewManifest(testutil.Schema(), []*format.Fragment{testutil.Fragment(100)})
	engine, base, catalog := seed(t, store, base)

	_, err := engine.Propose(ctx, base, catalog, &txn.Append{Fragments: []*format.Fragment{testutil.Fragment(10)}})
	require.NoError(t, err)

	updated := base.Fragments[0].Clone()
	updated.DeletionFile = &format.DeletionFile{ReadVersion: 1, ID: 99, NumDeletedRows: 5}
	res, err := engine.Propose(ctx, base, catalog, &txn.Delete{
		UpdatedFragments: []*format.Fragment{updated},
		Predicate:        "value = 'stale'",
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Attempts)
	require.EqualValues(t, 105, res.Manifest.NumRows())
	require.NotZero(t, res.Manifest.ReaderFeatureFlags&format.FlagDeletionFiles)
}

func TestConcurrentDeletesSameFragmentConflict(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	base := format.NewManifest(testutil.Schema(), []*format.Fragment{testutil.Fragment(100)})
	engine, base, catalog := seed(t, store, base)

	del := func(id uint64) *txn.Delete {
		updated := base.Fragments[0].Clone()
		updated.DeletionFile = &format.DeletionFile{ReadVersion: 1, ID: id, NumDeletedRows: 1}
		return &txn.Delete{UpdatedFragments: []*format.Fragment{updated}}
	}

	_, err := engine.Propose(ctx, base, catalog, del(1))
	require.NoError(t, err)

	_, err = engine.Propose(ctx, base, catalog, del(2))
	require.ErrorIs(t, err, txn.ErrConcurrentModification)
}

func TestOverwriteRacingAnythingConflicts(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	engine, base, catalog := seed(t, store, format.NewManifest(testutil.Schema(), nil))

	_, err := engine.Propose(ctx, base, catalog, &txn.Append{Fragments: []*format.Fragment{testutil.Fragment(10)}})
	require.NoError(t, err)

	_, err = engine.Propose(ctx, base, catalog, &txn.Overwrite{Schema: testutil.Schema()})
	require.ErrorIs(t, err, txn.ErrConcurrentModification)
}

func TestUpdateConfigDisjointKeysRebase(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	engine, base, catalog := seed(t, store, format.NewManifest(testutil.Schema(), nil))

	_, err := engine.Propose(ctx, base, catalog, &txn.UpdateConfig{Upsert: map[string]string{"a": "1"}})
	require.NoError(t, err)

	res, err := engine.Propose(ctx, base, catalog, &txn.UpdateConfig{Upsert: map[string]string{"b": "2"}})
	require.NoError(t, err)
	require.Equal(t, "1", res.Manifest.Config["a"])
	require.Equal(t, "2", res.Manifest.Config["b"])

	// Same key from a third stale writer is a permanent conflict.
	_, err = engine.Propose(ctx, base, catalog, &txn.UpdateConfig{Upsert: map[string]string{"b": "3"}})
	require.ErrorIs(t, err, txn.ErrConcurrentModification)
}

func TestCreateIndexRegistersInVersionObject(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	base := format.NewManifest(testutil.Schema(), []*format.Fragment{testutil.Fragment(10)})
	engine, base, catalog := seed(t, store, base)

	res, err := engine.Propose(ctx, base, catalog, &txn.CreateIndex{
		New: []*format.IndexMetadata{{
			Name:    "value_btree",
			Fields:  []int32{1},
			Details: format.BTreeIndexDetails{},
		}},
	})
	require.NoError(t, err)

	_, loaded, err := testutil.NewStoreSource(store).Load(ctx, res.Manifest.Version)
	require.NoError(t, err)
	require.NotNil(t, loaded.Get("value_btree"))
	require.EqualValues(t, res.Manifest.Version, loaded.Get("value_btree").DatasetVersion)
}

func TestRewriteRecordsReuseLedgerAndRemapsIndex(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	base := format.NewManifest(testutil.Schema(), []*format.Fragment{testutil.Fragment(10), testutil.Fragment(10)})
	base.Fragments[0].ID = 0
	base.Fragments[1].ID = 1
	base.UpdateMaxFragmentID()
	engine, base, catalog := seed(t, store, base)

	idxRes, err := engine.Propose(ctx, base, catalog, &txn.CreateIndex{
		New: []*format.IndexMetadata{{
			Name:           "value_btree",
			Fields:         []int32{1},
			Details:        format.BTreeIndexDetails{},
			FragmentBitmap: bitmap32(0, 1),
		}},
	})
	require.NoError(t, err)

	res, err := engine.Propose(ctx, idxRes.Manifest, idxRes.Catalog, &txn.Rewrite{
		Groups: []txn.RewriteGroup{{
			OldFragmentIDs: []uint64{0, 1},
			NewFragments:   []*format.Fragment{testutil.Fragment(20)},
		}},
	})
	require.NoError(t, err)

	require.Len(t, res.Manifest.Fragments, 1)
	newID := res.Manifest.Fragments[0].ID
	require.EqualValues(t, 2, newID)

	ledger := res.Catalog.ReuseLedger()
	require.Len(t, ledger, 1)
	require.EqualValues(t, res.Manifest.Version, ledger[0].DatasetVersion)
	require.Len(t, ledger[0].Groups, 1)
	require.Len(t, ledger[0].Groups[0].OldFragments, 2)

	// The index's coverage followed the rewrite.
	im := res.Catalog.Get("value_btree")
	require.True(t, im.FragmentBitmap.Contains(uint32(newID)))
	require.False(t, im.FragmentBitmap.Contains(0))
}

func TestStableRowIDsAllocatedOnAppend(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	base := format.NewManifest(testutil.Schema(), nil)
	base.ReaderFeatureFlags |= format.FlagStableRowIDs
	base.WriterFeatureFlags |= format.FlagStableRowIDs
	engine, base, catalog := seed(t, store, base)

	res, err := engine.Propose(ctx, base, catalog, &txn.Append{Fragments: []*format.Fragment{testutil.Fragment(100)}})
	require.NoError(t, err)
	require.EqualValues(t, 100, res.Manifest.NextRowID)
	require.NotNil(t, res.Manifest.Fragments[0].RowIdMeta)

	res, err = engine.Propose(ctx, res.Manifest, res.Catalog, &txn.Append{Fragments: []*format.Fragment{testutil.Fragment(50)}})
	require.NoError(t, err)
	require.EqualValues(t, 150, res.Manifest.NextRowID)
}

func TestRetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	_, base, catalog := seed(t, store, format.NewManifest(testutil.Schema(), nil))

	// A handler that always loses forces the rebase loop to its bound;
	// the head never moves, so each rebase finds nothing to conflict with.
	losing := txn.NewEngine(store, testutil.NewStoreSource(store),
		txn.WithMaxRetries(3),
		txn.WithCommitHandler(alwaysTaken{}))

	_, err := losing.Propose(ctx, base, catalog, &txn.Append{Fragments: []*format.Fragment{testutil.Fragment(1)}})
	require.ErrorIs(t, err, txn.ErrRetriesExhausted)
}

type alwaysTaken struct{}

func (alwaysTaken) Publish(ctx context.Context, version uint64, path string, payload []byte) error {
	return blobstore.ErrAlreadyExists
}

func bitmap32(ids ...uint32) *roaring.Bitmap {
	bm := roaring.New()
	bm.AddMany(ids)
	return bm
}
