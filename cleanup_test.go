package lance_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/majin1102/lance"
	"github.com/majin1102/lance/blobstore"
	"github.com/majin1102/lance/format"
	"github.com/majin1102/lance/txn"
)

func TestCleanupSweepsUntaggedVersions(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	ds, err := lance.Create(ctx, store, eventSchema())
	require.NoError(t, err)
	ds, err = ds.Append(ctx, []*format.Fragment{newFragment(10)})
	require.NoError(t, err)
	require.NoError(t, ds.Tag(ctx, "keep"))
	ds, err = ds.Append(ctx, []*format.Fragment{newFragment(5)})
	require.NoError(t, err)

	// Mark rows deleted so version 4 references a deletion file.
	target := ds.Manifest().FragmentByID(0).Clone()
	target.DeletionFile = &format.DeletionFile{
		FileType:       format.DeletionArray,
		ReadVersion:    ds.Version(),
		NumDeletedRows: 3,
	}
	require.NoError(t, store.Put(ctx, target.DeletionFile.Path(target.ID), []byte("tombstones")))
	ds, err = ds.Commit(ctx, &txn.Delete{
		UpdatedFragments: []*format.Fragment{target},
		Predicate:        "id < 3",
	})
	require.NoError(t, err)
	require.EqualValues(t, 4, ds.Version())
	require.EqualValues(t, 12, ds.NumRows())

	// Retain version 4 by age and version 2 by tag. Versions 1 and 3 go,
	// along with version 3's transaction record; version 1 was written by
	// Create and has none.
	removed, err := ds.Cleanup(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	_, err = lance.Checkout(ctx, store, 3)
	var notFound *lance.ErrVersionNotFound
	require.ErrorAs(t, err, &notFound)

	tagged, err := lance.CheckoutTag(ctx, store, "keep")
	require.NoError(t, err)
	require.EqualValues(t, 2, tagged.Version())

	head, err := lance.Open(ctx, store)
	require.NoError(t, err)
	require.EqualValues(t, 4, head.Version())
	require.EqualValues(t, 12, head.NumRows())

	// The deletion file version 4 references survives the sweep.
	_, err = blobstore.ReadAll(ctx, store, target.DeletionFile.Path(target.ID))
	require.NoError(t, err)
}

func TestCleanupKeepsEverythingWhenAllRetained(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	ds, err := lance.Create(ctx, store, eventSchema())
	require.NoError(t, err)
	ds, err = ds.Append(ctx, []*format.Fragment{newFragment(10)})
	require.NoError(t, err)

	removed, err := ds.Cleanup(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, removed)

	for v := uint64(1); v <= 2; v++ {
		_, err := lance.Checkout(ctx, store, v)
		require.NoError(t, err)
	}
}

func TestCleanupSweepsAbandonedTransactionRecords(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	ds, err := lance.Create(ctx, store, eventSchema())
	require.NoError(t, err)
	ds, err = ds.Append(ctx, []*format.Fragment{newFragment(10)})
	require.NoError(t, err)

	// A writer that staged its record but crashed before publishing.
	abandoned := format.TransactionsDir + "/dead-writer.txn"
	require.NoError(t, store.Put(ctx, abandoned, []byte("orphan")))

	removed, err := ds.Cleanup(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = blobstore.ReadAll(ctx, store, abandoned)
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}
