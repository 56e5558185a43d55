package txn

import "slices"

// Conflicts reports whether op can NOT be safely rebased over committed,
// where committed is an operation another writer published between op's
// read version and its publish attempt. The classification is total over
// ordered pairs of kinds and refined by fragment, name, or key overlap
// where the kinds alone are not decisive.
func Conflicts(op, committed Operation) bool {
	// Overwrite replaces the world; nothing rebases over it and it
	// rebases over nothing.
	if op.Kind() == KindOverwrite || committed.Kind() == KindOverwrite {
		return true
	}

	switch a := op.(type) {
	case *Append:
		// Ids are reassigned on rebase, so an append composes with any
		// non-overwrite commit.
		return false

	case *Delete:
		switch b := committed.(type) {
		case *Delete:
			return overlaps(deleteTargets(a), deleteTargets(b))
		case *Rewrite:
			// The rows we tombstoned may have moved.
			return overlaps(deleteTargets(a), b.OldFragmentIDs())
		default:
			return false
		}

	case *Rewrite:
		switch b := committed.(type) {
		case *Rewrite:
			return overlaps(a.OldFragmentIDs(), b.OldFragmentIDs())
		case *Delete:
			// A concurrent delete changed rows we compacted away.
			return overlaps(a.OldFragmentIDs(), deleteTargets(b))
		case *CreateIndex:
			// An index snapshot and a fragment rewrite cannot be
			// ordered either way without a rebuild.
			return true
		default:
			// Appends land on fresh ids.
			return false
		}

	case *CreateIndex:
		switch b := committed.(type) {
		case *CreateIndex:
			for _, name := range a.NewNames() {
				if slices.Contains(b.NewNames(), name) {
					return true
				}
			}
			return false
		case *Rewrite:
			// The index was built against fragments that no longer
			// exist; it must be rebuilt, not rebased.
			return true
		default:
			return false
		}

	case *UpdateMemWal:
		// Disjoint regions compose; same-region races are arbitrated by
		// the owner token, so a rebase cannot be trusted to preserve the
		// loser's intent.
		if b, ok := committed.(*UpdateMemWal); ok {
			return overlapsStrings(a.Regions(), b.Regions())
		}
		return false

	case *UpdateConfig:
		if b, ok := committed.(*UpdateConfig); ok {
			mine := a.touchedKeys()
			for k := range b.touchedKeys() {
				if _, clash := mine[k]; clash {
					return true
				}
			}
			// Competing wholesale metadata replacement is
			// last-writer-wins only if exactly one side replaces.
			return a.SchemaMetadata != nil && b.SchemaMetadata != nil
		}
		return false

	default:
		// An unknown operation kind cannot be reasoned about. Fail
		// closed.
		return true
	}
}

// deleteTargets returns every fragment id a delete touches.
func deleteTargets(op *Delete) []uint64 {
	out := make([]uint64, 0, len(op.UpdatedFragments)+len(op.DeletedFragmentIDs))
	for _, f := range op.UpdatedFragments {
		out = append(out, f.ID)
	}
	return append(out, op.DeletedFragmentIDs...)
}

func overlapsStrings(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, hit := set[s]; hit {
			return true
		}
	}
	return false
}

func overlaps(a, b []uint64) bool {
	set := make(map[uint64]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, hit := set[id]; hit {
			return true
		}
	}
	return false
}
