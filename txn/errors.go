package txn

import (
	"errors"
	"fmt"
)

// ErrConcurrentModification is returned when another writer's committed
// operation cannot be reconciled with ours. Permanent; the caller must
// re-read the dataset and decide anew.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// ErrRetriesExhausted is returned when the bounded rebase loop ran out of
// attempts while the head kept moving. Transient; retry later with backoff.
var ErrRetriesExhausted = errors.New("commit retry budget exhausted")

// ErrCorruptTransaction is returned when a transaction record cannot be
// decoded.
var ErrCorruptTransaction = errors.New("malformed transaction record")

// ConflictError reports which committed operation blocked a rebase.
type ConflictError struct {
	// Op is the operation that failed to commit.
	Op Kind
	// Committed is the interleaved operation it conflicts with.
	Committed Kind
	// Version is the dataset version the conflicting operation produced.
	Version uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflicts with %s committed at version %d", e.Op, e.Committed, e.Version)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrentModification }
