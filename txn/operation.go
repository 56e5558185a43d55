package txn

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"

	"github.com/majin1102/lance/format"
	"github.com/majin1102/lance/index"
	"github.com/majin1102/lance/rowid"
)

// Kind identifies an operation variant. The set is closed: the conflict
// table must have a verdict for every ordered pair.
type Kind uint32

const (
	KindAppend Kind = iota + 1
	KindOverwrite
	KindDelete
	KindRewrite
	KindCreateIndex
	KindUpdateConfig
	KindUpdateMemWal
)

func (k Kind) String() string {
	switch k {
	case KindAppend:
		return "append"
	case KindOverwrite:
		return "overwrite"
	case KindDelete:
		return "delete"
	case KindRewrite:
		return "rewrite"
	case KindCreateIndex:
		return "create_index"
	case KindUpdateConfig:
		return "update_config"
	case KindUpdateMemWal:
		return "update_mem_wal"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Operation is one member of the closed set of dataset mutations. Apply
// mutates the successor manifest and catalog in place; it is re-run from
// scratch on every rebase, so implementations must not retain state across
// calls.
type Operation interface {
	Kind() Kind
	Apply(next *format.Manifest, catalog *index.Catalog) error
}

// Append registers new fragments. Fragment ids are assigned during Apply,
// never by the caller, so a rebase lands on fresh ids and two appends can
// never collide.
type Append struct {
	Fragments []*format.Fragment
}

func (op *Append) Kind() Kind { return KindAppend }

func (op *Append) Apply(next *format.Manifest, catalog *index.Catalog) error {
	if len(op.Fragments) == 0 {
		return errors.New("append: no fragments")
	}
	for _, f := range op.Fragments {
		fc := f.Clone()
		fc.ID = format.AssignFragmentID(next)
		if next.UsesStableRowIDs() && fc.RowIdMeta == nil {
			fc.RowIdMeta = rowid.ContiguousMeta(next, fc.PhysicalRows)
		}
		if err := fc.Validate(); err != nil {
			return fmt.Errorf("append: %w", err)
		}
		next.AppendFragments(fc)
	}
	return nil
}

// Overwrite replaces the schema and fragment set wholesale. Indices built
// against the old fragments are dropped; the fragment-id high-water mark is
// kept so old ids stay reserved forever.
type Overwrite struct {
	Schema    format.Schema
	Fragments []*format.Fragment
	// ConfigUpsert is applied on top of the carried-over config.
	ConfigUpsert map[string]string
}

func (op *Overwrite) Kind() Kind { return KindOverwrite }

func (op *Overwrite) Apply(next *format.Manifest, catalog *index.Catalog) error {
	next.Schema = op.Schema.Clone()
	next.ResetFragments(nil)
	for _, f := range op.Fragments {
		fc := f.Clone()
		fc.ID = format.AssignFragmentID(next)
		if next.UsesStableRowIDs() && fc.RowIdMeta == nil {
			fc.RowIdMeta = rowid.ContiguousMeta(next, fc.PhysicalRows)
		}
		if err := fc.Validate(); err != nil {
			return fmt.Errorf("overwrite: %w", err)
		}
		next.AppendFragments(fc)
	}
	if len(op.ConfigUpsert) > 0 {
		next.UpdateConfig(op.ConfigUpsert)
		next.WriterFeatureFlags |= format.FlagTableConfig
	}
	// User indices reference replaced fragments; only system entries
	// survive.
	var stale []uuid.UUID
	for _, e := range catalog.Describe(index.Criteria{}) {
		stale = append(stale, e.UUID)
	}
	catalog.Remove(stale...)
	return nil
}

// Delete attaches replacement deletion files to fragments and removes
// fragments whose rows are all tombstoned.
type Delete struct {
	// UpdatedFragments carry the new deletion file references. They are
	// matched by id against the base fragment set.
	UpdatedFragments []*format.Fragment
	// DeletedFragmentIDs lists fragments whose live row count reached
	// zero.
	DeletedFragmentIDs []uint64
	// Predicate records the filter expression for audit; it is not
	// re-evaluated.
	Predicate string
}

func (op *Delete) Kind() Kind { return KindDelete }

func (op *Delete) Apply(next *format.Manifest, catalog *index.Catalog) error {
	updated := make(map[uint64]*format.Fragment, len(op.UpdatedFragments))
	for _, f := range op.UpdatedFragments {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		updated[f.ID] = f
	}
	removed := make(map[uint64]struct{}, len(op.DeletedFragmentIDs))
	for _, id := range op.DeletedFragmentIDs {
		removed[id] = struct{}{}
	}

	out := make([]*format.Fragment, 0, len(next.Fragments))
	for _, f := range next.Fragments {
		if _, gone := removed[f.ID]; gone {
			delete(removed, f.ID)
			continue
		}
		if repl, ok := updated[f.ID]; ok {
			out = append(out, repl.Clone())
			delete(updated, f.ID)
			continue
		}
		out = append(out, f)
	}
	if len(updated) != 0 || len(removed) != 0 {
		return fmt.Errorf("delete: target fragment no longer exists: %w", ErrConcurrentModification)
	}
	next.ResetFragments(out)
	next.ReaderFeatureFlags |= format.FlagDeletionFiles
	next.WriterFeatureFlags |= format.FlagDeletionFiles
	return nil
}

// RewriteGroup is one compaction unit: the old fragments it consumed and
// the new fragments that replace them.
type RewriteGroup struct {
	OldFragmentIDs []uint64
	NewFragments   []*format.Fragment
	// ChangedRowAddrs is the compressed set of row addresses whose
	// physical location moved; recorded in the reuse ledger for lazy
	// index remapping.
	ChangedRowAddrs *roaring64.Bitmap
}

// Rewrite replaces old fragments with compacted ones and records a reuse
// ledger entry so index coverage can be remapped without a rebuild. Under
// the stable row-id flag the new fragments must carry row-id sequences
// preserving every surviving id.
type Rewrite struct {
	Groups []RewriteGroup
}

func (op *Rewrite) Kind() Kind { return KindRewrite }

// OldFragmentIDs returns every fragment id the rewrite consumes, across all
// groups. Used by the conflict table.
func (op *Rewrite) OldFragmentIDs() []uint64 {
	var out []uint64
	for _, g := range op.Groups {
		out = append(out, g.OldFragmentIDs...)
	}
	return out
}

func (op *Rewrite) Apply(next *format.Manifest, catalog *index.Catalog) error {
	if len(op.Groups) == 0 {
		return errors.New("rewrite: no groups")
	}
	rv := format.ReuseVersion{DatasetVersion: next.Version}
	frags := next.Fragments
	for _, g := range op.Groups {
		group := format.ReuseGroup{ChangedRowAddrs: g.ChangedRowAddrs}
		if group.ChangedRowAddrs == nil {
			group.ChangedRowAddrs = roaring64.New()
		}

		oldPos := -1
		oldSet := make(map[uint64]struct{}, len(g.OldFragmentIDs))
		for _, id := range g.OldFragmentIDs {
			f := next.FragmentByID(id)
			if f == nil {
				return fmt.Errorf("rewrite: fragment %d no longer exists: %w", id, ErrConcurrentModification)
			}
			oldSet[id] = struct{}{}
			group.OldFragments = append(group.OldFragments, digest(f))
		}

		kept := make([]*format.Fragment, 0, len(frags))
		for i, f := range frags {
			if _, old := oldSet[f.ID]; old {
				if oldPos < 0 {
					oldPos = i
				}
				continue
			}
			kept = append(kept, f)
		}
		if oldPos < 0 {
			oldPos = len(kept)
		} else if oldPos > len(kept) {
			oldPos = len(kept)
		}

		news := make([]*format.Fragment, 0, len(g.NewFragments))
		for _, f := range g.NewFragments {
			fc := f.Clone()
			fc.ID = format.AssignFragmentID(next)
			if next.UsesStableRowIDs() && fc.RowIdMeta == nil {
				return fmt.Errorf("rewrite: fragment replacing %v: %w", g.OldFragmentIDs, format.ErrMissingRowIDs)
			}
			if err := fc.Validate(); err != nil {
				return fmt.Errorf("rewrite: %w", err)
			}
			// Raise the mark now so the next assignment sees it.
			next.MaxFragmentID = fc.ID
			next.MaxFragmentIDSet = true
			news = append(news, fc)
			group.NewFragments = append(group.NewFragments, digest(fc))
		}

		// New fragments take the slot of the first replaced one, keeping
		// the logical row order stable.
		frags = append(kept[:oldPos:oldPos], append(news, kept[oldPos:]...)...)
		rv.Groups = append(rv.Groups, group)
	}
	next.ResetFragments(frags)
	return catalog.RecordReuse(rv)
}

func digest(f *format.Fragment) format.FragmentDigest {
	d := format.FragmentDigest{ID: f.ID, PhysicalRows: f.PhysicalRows}
	if f.DeletionFile != nil {
		d.NumDeletedRows = f.DeletionFile.NumDeletedRows
	}
	return d
}

// CreateIndex registers newly built index entries and drops superseded
// ones. Covers both first builds and rebuilds; a rebuild reuses the name
// with a fresh uuid.
type CreateIndex struct {
	New     []*format.IndexMetadata
	Removed []uuid.UUID
}

func (op *CreateIndex) Kind() Kind { return KindCreateIndex }

func (op *CreateIndex) Apply(next *format.Manifest, catalog *index.Catalog) error {
	catalog.Remove(op.Removed...)
	for _, im := range op.New {
		entry := im.Clone()
		if entry.DatasetVersion == 0 {
			entry.DatasetVersion = next.Version
		}
		if _, err := catalog.Register(entry); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return catalog.Validate()
}

// NewNames returns the names this operation registers. Used by the conflict
// table.
func (op *CreateIndex) NewNames() []string {
	out := make([]string, 0, len(op.New))
	for _, im := range op.New {
		out = append(out, im.Name)
	}
	return out
}

// UpdateConfig edits the manifest's config map and metadata maps.
type UpdateConfig struct {
	Upsert     map[string]string
	DeleteKeys []string
	// SchemaMetadata, when non-nil, replaces the manifest metadata map
	// wholesale.
	SchemaMetadata map[string]string
	// FieldMetadata replaces the metadata of individual schema fields,
	// keyed by field id.
	FieldMetadata map[int32]map[string]string
}

func (op *UpdateConfig) Kind() Kind { return KindUpdateConfig }

func (op *UpdateConfig) Apply(next *format.Manifest, catalog *index.Catalog) error {
	if len(op.Upsert) > 0 {
		next.UpdateConfig(op.Upsert)
		next.WriterFeatureFlags |= format.FlagTableConfig
	}
	next.DeleteConfigKeys(op.DeleteKeys)
	if op.SchemaMetadata != nil {
		next.ReplaceSchemaMetadata(op.SchemaMetadata)
	}
	for id, md := range op.FieldMetadata {
		if err := next.ReplaceFieldMetadata(id, md); err != nil {
			return fmt.Errorf("update config: %w", err)
		}
	}
	return nil
}

// touchedKeys returns every config key the operation reads or writes.
func (op *UpdateConfig) touchedKeys() map[string]struct{} {
	out := make(map[string]struct{}, len(op.Upsert)+len(op.DeleteKeys))
	for k := range op.Upsert {
		out[k] = struct{}{}
	}
	for _, k := range op.DeleteKeys {
		out[k] = struct{}{}
	}
	return out
}
