package format

import "fmt"

// AssignFragmentID returns the next unused fragment id for the manifest.
// The returned id only becomes durable when the fragment carrying it is
// committed; two writers racing for the same id are resolved by the
// transaction engine's conflict rules.
func AssignFragmentID(m *Manifest) uint64 {
	if max, ok := m.MaxUsedFragmentID(); ok {
		return max + 1
	}
	return 0
}

// AssignFieldIDs assigns a contiguous block of global field ids to every
// unassigned field of the schema, starting after the manifest's highest field
// id ever used. Nested struct/list members receive their own ids; a
// fixed-size list of a primitive type is a single schema entry and therefore
// gets exactly one id. The schema is modified in place.
func AssignFieldIDs(m *Manifest, schema Schema) error {
	next := m.MaxFieldID() + 1
	for i := range schema {
		if schema[i].ID == TombstonedFieldID {
			continue
		}
		if schema[i].ID != UnassignedFieldID {
			return fmt.Errorf("assign field ids: field %q already has id %d", schema[i].Name, schema[i].ID)
		}
		schema[i].ID = next
		next++
	}
	return nil
}

// ComputeColumnIndices maps each field id to its top-level physical column
// position. topLevelColumns lists, in physical order, the field id owning
// each top-level column. Fields not owning a top-level column (e.g. members
// of a packed struct) map to -1. Required for the newer storage generation
// only.
func ComputeColumnIndices(fields []int32, topLevelColumns []int32) ([]int32, error) {
	position := make(map[int32]int32, len(topLevelColumns))
	for i, id := range topLevelColumns {
		if _, dup := position[id]; dup {
			return nil, fmt.Errorf("compute column indices: field %d owns two top-level columns: %w", id, ErrDuplicateColumnIndex)
		}
		position[id] = int32(i)
	}
	out := make([]int32, len(fields))
	for i, id := range fields {
		if pos, ok := position[id]; ok {
			out[i] = pos
		} else {
			out[i] = -1
		}
	}
	return out, nil
}
