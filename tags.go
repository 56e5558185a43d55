package lance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/majin1102/lance/blobstore"
	"github.com/majin1102/lance/format"
)

// Tag names a committed version. Tags are plain objects under _refs/tags
// holding the version number; they are created once and deleted, never
// redirected, so a tag observed by one reader never silently moves.
type Tag struct {
	Name    string
	Version uint64
}

// Tag names the dataset's pinned version.
func (d *Dataset) Tag(ctx context.Context, name string) error {
	return d.TagVersion(ctx, name, d.manifest.Version)
}

// TagVersion names a specific committed version.
func (d *Dataset) TagVersion(ctx context.Context, name string, version uint64) error {
	if err := validateTagName(name); err != nil {
		return err
	}
	// The version must exist before it gets a name.
	if _, _, err := d.source.Load(ctx, version); err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return &ErrVersionNotFound{Version: version, cause: err}
		}
		return err
	}
	err := d.store.PutIfNotExists(ctx, format.TagPath(name), []byte(strconv.FormatUint(version, 10)))
	if errors.Is(err, blobstore.ErrAlreadyExists) {
		err = fmt.Errorf("%w: %q", ErrTagExists, name)
	}
	d.logger.LogTag(ctx, name, version, err)
	return err
}

// DeleteTag removes a tag. Deleting an absent tag is not an error.
func (d *Dataset) DeleteTag(ctx context.Context, name string) error {
	if err := validateTagName(name); err != nil {
		return err
	}
	err := d.store.Delete(ctx, format.TagPath(name))
	d.logger.LogTag(ctx, name, 0, err)
	return err
}

// Tags lists every tag, sorted by name.
func (d *Dataset) Tags(ctx context.Context) ([]Tag, error) {
	names, err := d.store.List(ctx, format.TagsDir+"/")
	if err != nil {
		return nil, err
	}
	out := make([]Tag, 0, len(names))
	for _, path := range names {
		name := strings.TrimPrefix(path, format.TagsDir+"/")
		version, err := resolveTag(ctx, d.store, name)
		if err != nil {
			return nil, err
		}
		out = append(out, Tag{Name: name, Version: version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func resolveTag(ctx context.Context, store blobstore.ObjectStore, name string) (uint64, error) {
	if err := validateTagName(name); err != nil {
		return 0, err
	}
	data, err := blobstore.ReadAll(ctx, store, format.TagPath(name))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return 0, fmt.Errorf("%w: %q", ErrTagNotFound, name)
		}
		return 0, err
	}
	version, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("lance: tag %q holds malformed version: %w", name, err)
	}
	return version, nil
}

func validateTagName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("lance: invalid tag name %q", name)
	}
	return nil
}
