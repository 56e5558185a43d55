package blobstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/majin1102/lance/blobstore"
)

func stores(t *testing.T) map[string]blobstore.ObjectStore {
	t.Helper()
	return map[string]blobstore.ObjectStore{
		"memory": blobstore.NewMemoryStore(),
		"local":  blobstore.NewLocalStore(t.TempDir()),
	}
}

func TestPutOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put(ctx, "_versions/1.manifest", []byte("hello")))

			got, err := blobstore.ReadAll(ctx, store, "_versions/1.manifest")
			require.NoError(t, err)
			require.Equal(t, []byte("hello"), got)

			blob, err := store.Open(ctx, "_versions/1.manifest")
			require.NoError(t, err)
			defer blob.Close()
			require.EqualValues(t, 5, blob.Size())

			p := make([]byte, 3)
			n, err := blob.ReadAt(ctx, p, 2)
			require.NoError(t, err)
			require.Equal(t, 3, n)
			require.Equal(t, []byte("llo"), p)
		})
	}
}

func TestOpenMissing(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Open(ctx, "nope")
			require.ErrorIs(t, err, blobstore.ErrNotFound)
		})
	}
}

func TestPutIfNotExists(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.PutIfNotExists(ctx, "_versions/2.manifest", []byte("first")))

			err := store.PutIfNotExists(ctx, "_versions/2.manifest", []byte("second"))
			require.ErrorIs(t, err, blobstore.ErrAlreadyExists)

			// The loser must not clobber the winner.
			got, err := blobstore.ReadAll(ctx, store, "_versions/2.manifest")
			require.NoError(t, err)
			require.Equal(t, []byte("first"), got)
		})
	}
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put(ctx, "x", []byte("x")))
			require.NoError(t, store.Delete(ctx, "x"))
			require.NoError(t, store.Delete(ctx, "x"))
			_, err := store.Open(ctx, "x")
			require.ErrorIs(t, err, blobstore.ErrNotFound)
		})
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put(ctx, "_versions/1.manifest", []byte("a")))
			require.NoError(t, store.Put(ctx, "_versions/2.manifest", []byte("b")))
			require.NoError(t, store.Put(ctx, "data/f0.lance", []byte("c")))

			names, err := store.List(ctx, "_versions/")
			require.NoError(t, err)
			require.Equal(t, []string{"_versions/1.manifest", "_versions/2.manifest"}, names)

			all, err := store.List(ctx, "")
			require.NoError(t, err)
			require.Len(t, all, 3)
		})
	}
}

func TestReadTail(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put(ctx, "f", []byte("0123456789")))

			tail, size, err := blobstore.ReadTail(ctx, store, "f", 4)
			require.NoError(t, err)
			require.EqualValues(t, 10, size)
			require.Equal(t, []byte("6789"), tail)

			// Asking for more than the object holds returns the whole
			// object.
			tail, size, err = blobstore.ReadTail(ctx, store, "f", 64)
			require.NoError(t, err)
			require.EqualValues(t, 10, size)
			require.Equal(t, []byte("0123456789"), tail)
		})
	}
}

func TestConcurrentPutIfNotExists(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	const writers = 16
	wins := make(chan int, writers)
	done := make(chan struct{})
	for i := 0; i < writers; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			err := store.PutIfNotExists(ctx, "_versions/3.manifest", []byte{byte(id)})
			if err == nil {
				wins <- id
			}
		}(i)
	}
	for i := 0; i < writers; i++ {
		<-done
	}
	close(wins)

	var winners []int
	for id := range wins {
		winners = append(winners, id)
	}
	require.Len(t, winners, 1)

	got, err := blobstore.ReadAll(ctx, store, "_versions/3.manifest")
	require.NoError(t, err)
	require.Equal(t, []byte{byte(winners[0])}, got)
}
