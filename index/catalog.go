// Package index maintains the catalog of built indices attached to each
// dataset version: registration, lookup, and the coverage bookkeeping that
// keeps fragment bitmaps accurate across compactions.
package index

import (
	"errors"
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/majin1102/lance/format"
)

// Reserved catalog entry names. These carry system state rather than user
// indices and are hidden from Describe.
const (
	FragmentReuseIndexName = "__lance_frag_reuse"
	MemWalIndexName        = "__lance_mem_wal"
)

// ErrDuplicateName is returned when a register would produce two live
// entries with the same name in one dataset version.
var ErrDuplicateName = errors.New("index name already in use")

// Catalog is the set of index entries of one dataset version. The zero
// value is an empty catalog.
type Catalog struct {
	entries []*format.IndexMetadata
}

// NewCatalog wraps the entries decoded from a version object. The slice is
// not copied.
func NewCatalog(entries []*format.IndexMetadata) *Catalog {
	return &Catalog{entries: entries}
}

// Entries returns the catalog contents in registration order.
func (c *Catalog) Entries() []*format.IndexMetadata { return c.entries }

// Len returns the number of entries, reserved ones included.
func (c *Catalog) Len() int { return len(c.entries) }

// Clone deep-copies the catalog. Commits mutate a clone so the base
// version's catalog stays immutable.
func (c *Catalog) Clone() *Catalog {
	out := &Catalog{entries: make([]*format.IndexMetadata, len(c.entries))}
	for i, e := range c.entries {
		out.entries[i] = e.Clone()
	}
	return out
}

// Register adds an index entry, superseding any live entry with the same
// name. Returns the entry's uuid, minting one if unset.
func (c *Catalog) Register(im *format.IndexMetadata) (uuid.UUID, error) {
	if im.Name == "" {
		return uuid.Nil, errors.New("index name required")
	}
	if im.UUID == uuid.Nil {
		im.UUID = uuid.New()
	}
	for i, e := range c.entries {
		if e.Name != im.Name {
			continue
		}
		if e.UUID == im.UUID {
			return uuid.Nil, fmt.Errorf("index %q: %w", im.Name, ErrDuplicateName)
		}
		// Same name, different uuid: a rebuild superseding the old
		// entry.
		c.entries[i] = im
		return im.UUID, nil
	}
	c.entries = append(c.entries, im)
	return im.UUID, nil
}

// Remove drops entries by uuid. Unknown uuids are ignored.
func (c *Catalog) Remove(uuids ...uuid.UUID) {
	c.entries = slices.DeleteFunc(c.entries, func(e *format.IndexMetadata) bool {
		return slices.Contains(uuids, e.UUID)
	})
}

// Criteria filters Describe results. Zero-valued members match everything.
type Criteria struct {
	// Name matches exactly.
	Name string
	// Field matches entries covering the given field id.
	Field int32
	// FieldSet reports whether Field participates in the match.
	FieldSet bool
	// Kind matches the details payload kind.
	Kind format.IndexKind
	// KindSet reports whether Kind participates in the match.
	KindSet bool
}

// Describe returns the user-visible entries matching the criteria,
// in registration order. Reserved system entries never match.
func (c *Catalog) Describe(crit Criteria) []*format.IndexMetadata {
	var out []*format.IndexMetadata
	for _, e := range c.entries {
		if e.Name == FragmentReuseIndexName || e.Name == MemWalIndexName {
			continue
		}
		if crit.Name != "" && e.Name != crit.Name {
			continue
		}
		if crit.FieldSet && !slices.Contains(e.Fields, crit.Field) {
			continue
		}
		if crit.KindSet && (e.Details == nil || e.Details.Kind() != crit.Kind) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Get returns the live entry with the given name, or nil.
func (c *Catalog) Get(name string) *format.IndexMetadata {
	for _, e := range c.entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// Validate checks per-version name uniqueness.
func (c *Catalog) Validate() error {
	seen := make(map[string]struct{}, len(c.entries))
	for _, e := range c.entries {
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("index %q: %w", e.Name, ErrDuplicateName)
		}
		seen[e.Name] = struct{}{}
	}
	return nil
}

// Coverage reports which of the given fragment ids the entry covers.
func Coverage(im *format.IndexMetadata, fragmentIDs []uint64) *roaring.Bitmap {
	out := roaring.New()
	if im.FragmentBitmap == nil {
		return out
	}
	for _, id := range fragmentIDs {
		if im.FragmentBitmap.Contains(uint32(id)) {
			out.Add(uint32(id))
		}
	}
	return out
}
