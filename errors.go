package lance

import (
	"errors"
	"fmt"

	"github.com/majin1102/lance/blobstore"
)

var (
	// ErrDatasetExists is returned when creating a dataset at a root that
	// already holds one.
	ErrDatasetExists = errors.New("dataset already exists")

	// ErrDatasetNotFound is returned when opening a root with no dataset.
	ErrDatasetNotFound = errors.New("dataset not found")

	// ErrTagNotFound is returned when checking out an unknown tag.
	ErrTagNotFound = errors.New("tag not found")

	// ErrTagExists is returned when creating a tag name already in use.
	ErrTagExists = errors.New("tag already exists")

	// ErrDetachedVersion is returned when checking out a version number
	// carrying the detached mask. Detached versions are not part of the
	// linear chain.
	ErrDetachedVersion = errors.New("version is detached")
)

// ErrVersionNotFound indicates a checkout of a version that was never
// committed or has been cleaned up.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrVersionNotFound struct {
	Version uint64
	cause   error
}

func (e *ErrVersionNotFound) Error() string {
	return fmt.Sprintf("version %d not found", e.Version)
}

func (e *ErrVersionNotFound) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrDatasetNotFound, err)
	}
	return err
}
