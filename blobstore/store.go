// Package blobstore abstracts the object store a dataset lives in.
//
// The dataset core needs five primitives: get, put, conditional put, list
// and delete. Conditional put (PutIfNotExists) is the atomicity primitive
// that arbitrates concurrent writers; stores that cannot provide it natively
// are paired with an external commit handler instead (see the txn package
// and the s3 subpackage's DynamoDB handler).
package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
)

// ErrNotFound is returned when an object does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// ErrAlreadyExists is returned by PutIfNotExists when the object is already
// present. It is the signal that another writer won a commit race.
var ErrAlreadyExists = errors.New("object already exists")

// ObjectStore is the storage abstraction consumed by the dataset core.
// Implementations must be safe for concurrent use.
type ObjectStore interface {
	// Open opens an object for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// Put writes an object, replacing any existing one.
	Put(ctx context.Context, name string, data []byte) error

	// PutIfNotExists writes an object only if it does not already exist,
	// atomically. Returns ErrAlreadyExists when it does.
	PutIfNotExists(ctx context.Context, name string, data []byte) error

	// Delete removes an object. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all objects with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to an object.
type Blob interface {
	io.Closer
	// ReadAt reads len(p) bytes at the given offset.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// Size returns the object size in bytes.
	Size() int64
}

// ReadAll reads an entire object into memory.
func ReadAll(ctx context.Context, store ObjectStore, name string) ([]byte, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	data := make([]byte, b.Size())
	if len(data) == 0 {
		return data, nil
	}
	n, err := b.ReadAt(ctx, data, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return data[:n], nil
}

// ReadTail reads the last n bytes of an object. Used to locate file footers.
func ReadTail(ctx context.Context, store ObjectStore, name string, n int64) ([]byte, int64, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, 0, err
	}
	defer b.Close()
	size := b.Size()
	if n > size {
		n = size
	}
	buf := make([]byte, n)
	read, err := b.ReadAt(ctx, buf, size-n)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, err
	}
	return buf[:read], size, nil
}
