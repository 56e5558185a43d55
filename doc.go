// Package lance is the versioned table-format core of a columnar dataset
// store: it turns a sequence of writes into an immutable, snapshot-addressed
// history while letting independent writers commit concurrently without a
// lock service.
//
// Production features include:
//
//   - MVCC version chain: every commit produces a new immutable manifest,
//     writers race for the next version number via the store's conditional
//     put (or a DynamoDB commit lock for stores without one)
//   - A total, symmetric conflict table over the closed operation set:
//     Append, Overwrite, Delete, Rewrite, CreateIndex, UpdateConfig and
//     MemWAL updates
//   - Fragment-level physical layout with write-once data files and
//     replaceable tombstone deletion files (sparse array or roaring bitmap,
//     chosen by density)
//   - Stable row ids that survive compaction, inlined or spilled to
//     external files with optional zstd/lz4 compression
//   - An index catalog with per-version name uniqueness, opaque round-trip
//     of unknown index kinds, and a fragment-reuse ledger that remaps index
//     coverage across rewrites without rebuilds
//   - A MemWAL engine for low-latency upserts with an ownership token and
//     an OPEN -> SEALED -> FLUSHED lifecycle
//
// # Quick Start
//
// Create a dataset over any object store:
//
//	ctx := context.Background()
//	store := blobstore.NewLocalStore("/data/events")
//	ds, err := lance.Create(ctx, store, schema)
//	if err != nil {
//	    panic(err)
//	}
//
// Commit fragments and read them back from a pinned snapshot:
//
//	ds, err = ds.Append(ctx, fragments)
//	...
//	snap, err := lance.Open(ctx, store) // pins the head version
//	rows := snap.NumRows()
//
// Time travel by version or tag:
//
//	old, err := lance.Checkout(ctx, store, 42)
//	rel, err := lance.CheckoutTag(ctx, store, "v1.0")
//
// Concurrent writers need no coordination: both propose, the engine
// rebases the loser when the operations compose and fails it with
// ErrConcurrentModification when they do not.
package lance
