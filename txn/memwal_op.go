package txn

import (
	"errors"
	"fmt"

	"github.com/majin1102/lance/format"
	"github.com/majin1102/lance/index"
	"github.com/majin1102/lance/rowid"
)

var (
	// ErrNotOwner reports a MemWAL mutation presenting a stale owner
	// token. The region was claimed by another writer.
	ErrNotOwner = errors.New("txn: not the memwal owner")
	// ErrMemWalNotFound reports a mutation of a record that does not
	// exist at the base version.
	ErrMemWalNotFound = errors.New("txn: memwal record not found")
	// ErrMemWalExists reports an added record whose id is already taken.
	ErrMemWalExists = errors.New("txn: memwal record already exists")
	// ErrMultipleOpenGenerations reports a proposed state with more than
	// one OPEN generation for a region.
	ErrMultipleOpenGenerations = errors.New("txn: multiple open memwal generations")
)

// UpdateMemWal edits the MemWAL record set. A seal carries the sealed
// generation in Updated and its successor in Added so both land in one
// version; a flush carries the FLUSHED transition in Updated and the
// flushed rows in NewFragments for the same reason.
//
// Every record in Updated and every id in Removed is checked against
// ExpectedOwner. An empty ExpectedOwner claims ownership instead: the
// commit itself is the compare-and-swap, and competitors holding the old
// owner token fail their next mutation.
type UpdateMemWal struct {
	Added   []format.MemWal
	Updated []format.MemWal
	Removed []format.MemWalId
	// NewFragments are appended with fresh ids, like an Append.
	NewFragments  []*format.Fragment
	ExpectedOwner string
}

func (op *UpdateMemWal) Kind() Kind { return KindUpdateMemWal }

// Regions returns every region the operation touches. Used by the
// conflict table.
func (op *UpdateMemWal) Regions() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(region string) {
		if _, ok := seen[region]; !ok {
			seen[region] = struct{}{}
			out = append(out, region)
		}
	}
	for _, w := range op.Added {
		add(w.ID.Region)
	}
	for _, w := range op.Updated {
		add(w.ID.Region)
	}
	for _, id := range op.Removed {
		add(id.Region)
	}
	return out
}

func (op *UpdateMemWal) Apply(next *format.Manifest, catalog *index.Catalog) error {
	existing := catalog.MemWals()
	current := make(map[format.MemWalId]*format.MemWal, len(existing))
	order := make([]format.MemWalId, 0, len(existing)+len(op.Added))
	for i := range existing {
		current[existing[i].ID] = existing[i].Clone()
		order = append(order, existing[i].ID)
	}

	for i := range op.Updated {
		w := op.Updated[i].Clone()
		cur, ok := current[w.ID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMemWalNotFound, w.ID)
		}
		if op.ExpectedOwner != "" && cur.OwnerID != op.ExpectedOwner {
			return fmt.Errorf("%w: %s held by %q", ErrNotOwner, w.ID, cur.OwnerID)
		}
		if err := cur.ValidateTransition(w); err != nil {
			return err
		}
		w.LastUpdatedDatasetVersion = next.Version
		current[w.ID] = w
	}
	for i := range op.Added {
		w := op.Added[i].Clone()
		if _, taken := current[w.ID]; taken {
			return fmt.Errorf("%w: %s", ErrMemWalExists, w.ID)
		}
		w.LastUpdatedDatasetVersion = next.Version
		current[w.ID] = w
		order = append(order, w.ID)
	}
	for _, id := range op.Removed {
		cur, ok := current[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMemWalNotFound, id)
		}
		if op.ExpectedOwner != "" && cur.OwnerID != op.ExpectedOwner {
			return fmt.Errorf("%w: %s held by %q", ErrNotOwner, id, cur.OwnerID)
		}
		if cur.State != format.MemWalFlushed {
			return fmt.Errorf("txn: memwal %s removed before flush", id)
		}
		delete(current, id)
	}

	// At most one OPEN generation per region at any committed instant.
	open := make(map[string]uint64)
	for id, w := range current {
		if w.State != format.MemWalOpen {
			continue
		}
		if prev, dup := open[id.Region]; dup {
			return fmt.Errorf("%w: region %q generations %d and %d",
				ErrMultipleOpenGenerations, id.Region, prev, id.Generation)
		}
		open[id.Region] = id.Generation
	}

	records := make([]format.MemWal, 0, len(current))
	for _, id := range order {
		if w, kept := current[id]; kept {
			records = append(records, *w)
		}
	}
	if err := catalog.ReplaceMemWals(records, next.Version); err != nil {
		return err
	}

	for _, f := range op.NewFragments {
		fc := f.Clone()
		fc.ID = format.AssignFragmentID(next)
		if next.UsesStableRowIDs() && fc.RowIdMeta == nil {
			fc.RowIdMeta = rowid.ContiguousMeta(next, fc.PhysicalRows)
		}
		if err := fc.Validate(); err != nil {
			return fmt.Errorf("memwal flush: %w", err)
		}
		next.AppendFragments(fc)
	}
	return nil
}
