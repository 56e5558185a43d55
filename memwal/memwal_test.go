package memwal_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/majin1102/lance/blobstore"
	"github.com/majin1102/lance/format"
	"github.com/majin1102/lance/memwal"
	"github.com/majin1102/lance/testutil"
	"github.com/majin1102/lance/txn"
)

func newDataset(t *testing.T) (blobstore.ObjectStore, txn.ManifestSource) {
	t.Helper()
	store := blobstore.NewMemoryStore()
	m := format.NewManifest(format.Schema{
		{ID: 0, ParentID: format.UnassignedFieldID, Name: "id", LogicalType: "int64"},
	}, nil)
	require.NoError(t, testutil.SeedVersion(context.Background(), store, m, nil))
	return store, testutil.NewStoreSource(store)
}

func newEngine(t *testing.T, owner string) (*memwal.Engine, txn.ManifestSource) {
	t.Helper()
	store, source := newDataset(t)
	commits := txn.NewEngine(store, source)
	return memwal.NewEngine(commits, source, owner), source
}

func regionRecords(t *testing.T, source txn.ManifestSource, region string) []format.MemWal {
	t.Helper()
	_, catalog, err := source.Head(context.Background())
	require.NoError(t, err)
	var out []format.MemWal
	for _, w := range catalog.MemWals() {
		if w.ID.Region == region {
			out = append(out, w)
		}
	}
	return out
}

func TestOpenCreatesGenerationZero(t *testing.T) {
	ctx := context.Background()
	engine, source := newEngine(t, "writer-1")

	id, err := engine.Open(ctx, "r1", "mem://r1/0", "wal://r1/0")
	require.NoError(t, err)
	require.Equal(t, format.MemWalId{Region: "r1", Generation: 0}, id)

	records := regionRecords(t, source, "r1")
	require.Len(t, records, 1)
	require.Equal(t, format.MemWalOpen, records[0].State)
	require.Equal(t, "writer-1", records[0].OwnerID)

	_, err = engine.Open(ctx, "r1", "mem://r1/x", "wal://r1/x")
	require.ErrorIs(t, err, memwal.ErrRegionOpen)
}

func TestSealIsAtomic(t *testing.T) {
	ctx := context.Background()
	engine, source := newEngine(t, "writer-1")

	_, err := engine.Open(ctx, "r1", "mem://r1/0", "wal://r1/0")
	require.NoError(t, err)

	successor, err := engine.Seal(ctx, "r1", "mem://r1/1", "wal://r1/1")
	require.NoError(t, err)
	require.EqualValues(t, 1, successor.Generation)

	// The sealing commit left exactly one OPEN generation; the version
	// before it also had exactly one. No committed version exposes zero
	// or two.
	for version := uint64(2); ; version++ {
		_, catalog, err := source.Load(ctx, version)
		if err != nil {
			break
		}
		var open int
		for _, w := range catalog.MemWals() {
			if w.ID.Region == "r1" && w.State == format.MemWalOpen {
				open++
			}
		}
		require.Equal(t, 1, open, "version %d", version)
	}

	records := regionRecords(t, source, "r1")
	require.Len(t, records, 2)
	require.Equal(t, format.MemWalSealed, records[0].State)
	require.Equal(t, format.MemWalOpen, records[1].State)
}

func TestFlushCommitsFragmentsAndState(t *testing.T) {
	ctx := context.Background()
	engine, source := newEngine(t, "writer-1")

	id, err := engine.Open(ctx, "r1", "mem://r1/0", "wal://r1/0")
	require.NoError(t, err)
	_, err = engine.Seal(ctx, "r1", "mem://r1/1", "wal://r1/1")
	require.NoError(t, err)

	frag := &format.Fragment{
		PhysicalRows: 500,
		Files: []format.DataFile{{
			Path:             "data/flush-0.lance",
			Fields:           []int32{0},
			ColumnIndices:    []int32{0},
			FileMajorVersion: 2,
		}},
	}
	res, err := engine.Flush(ctx, id, []*format.Fragment{frag})
	require.NoError(t, err)
	require.EqualValues(t, 500, res.Manifest.NumRows())

	records := regionRecords(t, source, "r1")
	require.Equal(t, format.MemWalFlushed, records[0].State)
	require.EqualValues(t, res.Manifest.Version, records[0].LastUpdatedDatasetVersion)

	// FLUSHED is terminal.
	_, err = engine.Flush(ctx, id, nil)
	require.Error(t, err)

	require.NoError(t, engine.Drop(ctx, id))
	require.Len(t, regionRecords(t, source, "r1"), 1)
}

func TestDropRequiresFlush(t *testing.T) {
	ctx := context.Background()
	engine, _ := newEngine(t, "writer-1")

	id, err := engine.Open(ctx, "r1", "mem://r1/0", "wal://r1/0")
	require.NoError(t, err)
	require.Error(t, engine.Drop(ctx, id))
}

func TestOwnerClaimFencesCompetitor(t *testing.T) {
	ctx := context.Background()
	store, source := newDataset(t)
	commits := txn.NewEngine(store, source)
	first := memwal.NewEngine(commits, source, "writer-1")
	second := memwal.NewEngine(commits, source, "writer-2")

	_, err := first.Open(ctx, "r1", "mem://r1/0", "wal://r1/0")
	require.NoError(t, err)
	_, err = first.AppendEntry(ctx, "r1")
	require.NoError(t, err)

	require.NoError(t, second.Claim(ctx, "r1"))

	_, err = first.AppendEntry(ctx, "r1")
	require.ErrorIs(t, err, txn.ErrNotOwner)
	_, err = first.Seal(ctx, "r1", "mem://r1/1", "wal://r1/1")
	require.ErrorIs(t, err, txn.ErrNotOwner)

	_, err = second.AppendEntry(ctx, "r1")
	require.NoError(t, err)
}

func TestAppendEntrySequencesAndState(t *testing.T) {
	ctx := context.Background()
	engine, source := newEngine(t, "writer-1")

	_, err := engine.Open(ctx, "r1", "mem://r1/0", "wal://r1/0")
	require.NoError(t, err)

	for want := uint64(0); want < 5; want++ {
		seq, err := engine.AppendEntry(ctx, "r1")
		require.NoError(t, err)
		require.Equal(t, want, seq)
	}

	records := regionRecords(t, source, "r1")
	require.Equal(t, []format.SeqRange{{Start: 0, End: 5}}, records[0].WalEntries)
}

func TestAppendEntryRequiresOpenGeneration(t *testing.T) {
	ctx := context.Background()
	engine, _ := newEngine(t, "writer-1")

	_, err := engine.AppendEntry(ctx, "missing")
	require.ErrorIs(t, err, memwal.ErrNoOpenGeneration)
}

func TestStateRegressionRejected(t *testing.T) {
	ctx := context.Background()
	store, source := newDataset(t)
	commits := txn.NewEngine(store, source)
	engine := memwal.NewEngine(commits, source, "writer-1")

	_, err := engine.Open(ctx, "r1", "mem://r1/0", "wal://r1/0")
	require.NoError(t, err)
	_, err = engine.Seal(ctx, "r1", "mem://r1/1", "wal://r1/1")
	require.NoError(t, err)

	// Reverting the sealed generation to OPEN must fail, even with the
	// right owner token.
	head, catalog, err := source.Head(ctx)
	require.NoError(t, err)
	sealed := *catalog.MemWals()[0].Clone()
	sealed.State = format.MemWalOpen
	_, err = commits.Propose(ctx, head, catalog, &txn.UpdateMemWal{
		Updated:       []format.MemWal{sealed},
		ExpectedOwner: "writer-1",
	})
	require.ErrorIs(t, err, format.ErrMemWalRegression)
}

func TestWalLocationImmutable(t *testing.T) {
	ctx := context.Background()
	store, source := newDataset(t)
	commits := txn.NewEngine(store, source)
	engine := memwal.NewEngine(commits, source, "writer-1")

	_, err := engine.Open(ctx, "r1", "mem://r1/0", "wal://r1/0")
	require.NoError(t, err)

	head, catalog, err := source.Head(ctx)
	require.NoError(t, err)
	moved := *catalog.MemWals()[0].Clone()
	moved.WalLocation = "wal://elsewhere"
	_, err = commits.Propose(ctx, head, catalog, &txn.UpdateMemWal{
		Updated:       []format.MemWal{moved},
		ExpectedOwner: "writer-1",
	})
	require.ErrorIs(t, err, format.ErrWalLocationChanged)
}

func TestMemWalRecordSurvivesVersionObject(t *testing.T) {
	ctx := context.Background()
	engine, source := newEngine(t, "writer-1")

	_, err := engine.Open(ctx, "r1", "mem://r1/0", "wal://r1/0")
	require.NoError(t, err)
	seq, err := engine.AppendEntry(ctx, "r1")
	require.NoError(t, err)
	require.Zero(t, seq)

	// Round-trips through the encoded version object, not just memory.
	_, catalog, err := source.Head(ctx)
	require.NoError(t, err)
	records := catalog.MemWals()
	require.Len(t, records, 1)
	require.Equal(t, "wal://r1/0", records[0].WalLocation)
	require.True(t, records[0].ContainsSeq(0))
}
