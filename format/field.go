package format

// Field id sentinels.
const (
	// UnassignedFieldID marks a field that has not been assigned a global
	// id yet. It must never appear in a persisted record.
	UnassignedFieldID int32 = -1
	// TombstonedFieldID marks a slot whose field id was reassigned
	// elsewhere after a schema change.
	TombstonedFieldID int32 = -2
)

// Field is one entry of the flattened schema. Nested struct/list members are
// separate entries pointing at their parent; a fixed-size list of a primitive
// type is a single entry (the element carries no id of its own).
type Field struct {
	ID          int32
	ParentID    int32 // UnassignedFieldID for top-level fields
	Name        string
	LogicalType string // e.g. "int64", "struct", "list", "fixed_size_list:float32:128"
	Nullable    bool
	Metadata    map[string]string
}

// Schema is the ordered, flattened field list of a dataset.
type Schema []Field

// MaxFieldID returns the highest assigned field id, or -1 when the schema is
// empty or entirely unassigned.
func (s Schema) MaxFieldID() int32 {
	max := int32(-1)
	for i := range s {
		if s[i].ID > max {
			max = s[i].ID
		}
	}
	return max
}

// FieldByID returns a pointer to the field with the given id, or nil.
func (s Schema) FieldByID(id int32) *Field {
	for i := range s {
		if s[i].ID == id {
			return &s[i]
		}
	}
	return nil
}

// FieldByName returns a pointer to the first field with the given name, or
// nil.
func (s Schema) FieldByName(name string) *Field {
	for i := range s {
		if s[i].Name == name {
			return &s[i]
		}
	}
	return nil
}

// Children returns the ids of the direct children of the given field.
func (s Schema) Children(id int32) []int32 {
	var out []int32
	for i := range s {
		if s[i].ParentID == id {
			out = append(out, s[i].ID)
		}
	}
	return out
}

// Clone deep-copies the schema, including field metadata maps.
func (s Schema) Clone() Schema {
	out := make(Schema, len(s))
	copy(out, s)
	for i := range out {
		if out[i].Metadata != nil {
			md := make(map[string]string, len(out[i].Metadata))
			for k, v := range out[i].Metadata {
				md[k] = v
			}
			out[i].Metadata = md
		}
	}
	return out
}
