package lance_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/majin1102/lance"
	"github.com/majin1102/lance/blobstore"
	"github.com/majin1102/lance/cache"
	"github.com/majin1102/lance/format"
	"github.com/majin1102/lance/index"
	"github.com/majin1102/lance/txn"
)

func eventSchema() format.Schema {
	return format.Schema{
		{ID: format.UnassignedFieldID, ParentID: format.UnassignedFieldID, Name: "id", LogicalType: "int64"},
		{ID: format.UnassignedFieldID, ParentID: format.UnassignedFieldID, Name: "payload", LogicalType: "string", Nullable: true},
	}
}

func newFragment(rows uint64) *format.Fragment {
	return &format.Fragment{
		PhysicalRows: rows,
		Files: []format.DataFile{{
			Path:             "data/chunk.lance",
			Fields:           []int32{0, 1},
			ColumnIndices:    []int32{0, 1},
			FileMajorVersion: 2,
		}},
	}
}

func TestCreateAssignsFieldIDs(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	ds, err := lance.Create(ctx, store, eventSchema())
	require.NoError(t, err)
	require.EqualValues(t, 1, ds.Version())
	require.EqualValues(t, 0, ds.Schema()[0].ID)
	require.EqualValues(t, 1, ds.Schema()[1].ID)

	_, err = lance.Create(ctx, store, eventSchema())
	require.ErrorIs(t, err, lance.ErrDatasetExists)
}

func TestOpenPinsHead(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	ds, err := lance.Create(ctx, store, eventSchema())
	require.NoError(t, err)
	ds2, err := ds.Append(ctx, []*format.Fragment{newFragment(10)})
	require.NoError(t, err)
	require.EqualValues(t, 2, ds2.Version())

	// The original handle still observes version 1.
	require.EqualValues(t, 1, ds.Version())
	require.Zero(t, ds.NumRows())
	head, err := ds.HeadVersion(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, head)

	opened, err := lance.Open(ctx, store)
	require.NoError(t, err)
	require.EqualValues(t, 2, opened.Version())
	require.EqualValues(t, 10, opened.NumRows())
}

func TestOpenEmptyRoot(t *testing.T) {
	_, err := lance.Open(context.Background(), blobstore.NewMemoryStore())
	require.ErrorIs(t, err, lance.ErrDatasetNotFound)
}

func TestCheckoutTimeTravel(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	ds, err := lance.Create(ctx, store, eventSchema())
	require.NoError(t, err)
	ds, err = ds.Append(ctx, []*format.Fragment{newFragment(10)})
	require.NoError(t, err)
	ds, err = ds.Append(ctx, []*format.Fragment{newFragment(5)})
	require.NoError(t, err)
	require.EqualValues(t, 15, ds.NumRows())

	old, err := lance.Checkout(ctx, store, 2)
	require.NoError(t, err)
	require.EqualValues(t, 10, old.NumRows())

	_, err = lance.Checkout(ctx, store, 42)
	var notFound *lance.ErrVersionNotFound
	require.ErrorAs(t, err, &notFound)
	require.EqualValues(t, 42, notFound.Version)

	_, err = lance.Checkout(ctx, store, 2|format.DetachedVersionMask)
	require.ErrorIs(t, err, lance.ErrDetachedVersion)
}

func TestOpenRefusesUnknownReaderFlags(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	m := format.NewManifest(eventSchema(), nil)
	require.NoError(t, format.AssignFieldIDs(m, m.Schema))
	m.ReaderFeatureFlags = 1 << 40
	payload, err := format.EncodeVersionObject(m, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, format.ManifestPath(1), payload))

	_, err = lance.Open(ctx, store)
	var flags *format.UnknownFlagsError
	require.ErrorAs(t, err, &flags)
	require.Equal(t, "reader", flags.Kind)
}

func TestStableRowIDsOption(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	ds, err := lance.Create(ctx, store, eventSchema(), lance.WithStableRowIDs())
	require.NoError(t, err)
	ds, err = ds.Append(ctx, []*format.Fragment{newFragment(100)})
	require.NoError(t, err)
	require.EqualValues(t, 100, ds.Manifest().NextRowID)
	require.NotNil(t, ds.Manifest().Fragments[0].RowIdMeta)
}

func TestUpdateConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	ds, err := lance.Create(ctx, store, eventSchema())
	require.NoError(t, err)
	ds, err = ds.UpdateConfig(ctx, map[string]string{"lance.rowid.compression": "zstd"})
	require.NoError(t, err)
	require.Equal(t, "zstd", ds.Config()["lance.rowid.compression"])

	opened, err := lance.Open(ctx, store)
	require.NoError(t, err)
	require.Equal(t, "zstd", opened.Config()["lance.rowid.compression"])
}

func TestIndicesHideSystemEntries(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	ds, err := lance.Create(ctx, store, eventSchema())
	require.NoError(t, err)
	ds, err = ds.Append(ctx, []*format.Fragment{newFragment(10), newFragment(10)})
	require.NoError(t, err)

	ds, err = ds.Commit(ctx, &txn.CreateIndex{New: []*format.IndexMetadata{{
		Name:    "payload_btree",
		Fields:  []int32{1},
		Details: format.BTreeIndexDetails{},
	}}})
	require.NoError(t, err)

	// A rewrite creates the system reuse ledger entry; Indices must not
	// surface it.
	ds, err = ds.Commit(ctx, &txn.Rewrite{Groups: []txn.RewriteGroup{{
		OldFragmentIDs: []uint64{0, 1},
		NewFragments:   []*format.Fragment{newFragment(20)},
	}}})
	require.NoError(t, err)

	entries := ds.Indices(index.Criteria{})
	require.Len(t, entries, 1)
	require.Equal(t, "payload_btree", entries[0].Name)
}

func TestVersionCacheServesRepeatCheckouts(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	vc := cache.NewVersionCache(1 << 20)

	ds, err := lance.Create(ctx, store, eventSchema())
	require.NoError(t, err)
	ds, err = ds.Append(ctx, []*format.Fragment{newFragment(10)})
	require.NoError(t, err)
	_ = ds

	pinned, err := lance.Checkout(ctx, store, 2, lance.WithVersionCache(vc))
	require.NoError(t, err)
	require.EqualValues(t, 10, pinned.NumRows())
	require.Equal(t, 1, vc.Len())

	// The snapshot now comes from the cache, not the store.
	require.NoError(t, store.Delete(ctx, format.ManifestPath(2)))
	again, err := lance.Checkout(ctx, store, 2, lance.WithVersionCache(vc))
	require.NoError(t, err)
	require.EqualValues(t, 10, again.NumRows())

	_, err = lance.Checkout(ctx, store, 2)
	var notFound *lance.ErrVersionNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestMetricsCollectorObservesCommits(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	metrics := &lance.BasicMetricsCollector{}

	ds, err := lance.Create(ctx, store, eventSchema(), lance.WithMetricsCollector(metrics))
	require.NoError(t, err)
	_, err = ds.Append(ctx, []*format.Fragment{newFragment(10)})
	require.NoError(t, err)

	stats := metrics.GetStats()
	require.EqualValues(t, 1, stats.CommitCount)
	require.Zero(t, stats.CommitErrors)
}
