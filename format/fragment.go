package format

import (
	"errors"
	"fmt"
)

// DeletionFileType selects the encoding of a deletion file.
type DeletionFileType uint8

const (
	// DeletionArray is an explicit sorted list of deleted row offsets.
	// Used when deletions are sparse.
	DeletionArray DeletionFileType = iota
	// DeletionBitmap is a compressed roaring bitmap of deleted row
	// offsets. Used when deletions are dense.
	DeletionBitmap
)

// Ext returns the file extension for the encoding.
func (t DeletionFileType) Ext() string {
	if t == DeletionArray {
		return "arrow"
	}
	return "bin"
}

func (t DeletionFileType) String() string {
	if t == DeletionArray {
		return "array"
	}
	return "bitmap"
}

// DeletionFile records the tombstoned rows of one fragment. A fragment's
// deletion file is replaced wholesale on every new delete; it is never edited
// in place.
type DeletionFile struct {
	FileType DeletionFileType
	// ReadVersion is the dataset version the deletion was computed
	// against. The transaction engine uses it to detect conflicting
	// concurrent deletes.
	ReadVersion uint64
	// ID disambiguates deletion files written by concurrent writers
	// against the same fragment and read version.
	ID uint64
	// NumDeletedRows must never exceed the owning fragment's
	// PhysicalRows.
	NumDeletedRows uint64
}

// Path returns the deletion file path relative to the dataset root.
func (d *DeletionFile) Path(fragmentID uint64) string {
	return fmt.Sprintf("%s/%d-%d-%d.%s", DeletionsDir, fragmentID, d.ReadVersion, d.ID, d.FileType.Ext())
}

// ExternalFile references a byte range of a file outside the manifest.
type ExternalFile struct {
	Path   string
	Offset uint64
	Size   uint64
}

// RowIdMeta carries a fragment's row-id sequence, either inlined (small
// sequences) or as an external file reference.
type RowIdMeta struct {
	Inline   []byte
	External *ExternalFile
}

// DataFile is one physical file of a fragment. Files are write-once.
type DataFile struct {
	// Path is relative to the dataset root.
	Path string
	// Fields lists the global field ids stored in this file, assigned
	// once at creation.
	Fields []int32
	// ColumnIndices maps each entry of Fields to its top-level physical
	// column position, -1 where the field owns no top-level column.
	// Only present for the newer storage generation.
	ColumnIndices []int32
	// File format version of the data file payload.
	FileMajorVersion uint32
	FileMinorVersion uint32
	// FileSizeBytes is the known size, or 0 when unknown.
	FileSizeBytes uint64

	unknown []byte
}

// Validate checks the data file invariants: no unassigned field ids may be
// persisted, and column indices (when present) must have exactly one entry
// per field with no duplicate other than -1.
func (f *DataFile) Validate() error {
	for _, id := range f.Fields {
		if id == UnassignedFieldID {
			return fmt.Errorf("data file %s: %w", f.Path, ErrUnassignedField)
		}
	}
	if len(f.ColumnIndices) == 0 {
		return nil
	}
	if len(f.ColumnIndices) != len(f.Fields) {
		return fmt.Errorf("data file %s: %d column indices for %d fields: %w",
			f.Path, len(f.ColumnIndices), len(f.Fields), ErrColumnIndexArity)
	}
	seen := make(map[int32]struct{}, len(f.ColumnIndices))
	for _, ci := range f.ColumnIndices {
		if ci == -1 {
			continue
		}
		if _, dup := seen[ci]; dup {
			return fmt.Errorf("data file %s: column index %d: %w", f.Path, ci, ErrDuplicateColumnIndex)
		}
		seen[ci] = struct{}{}
	}
	return nil
}

// Fragment is a horizontal slice of rows. Its id is unique within the
// dataset and never reused. Files and the row-id sequence are write-once;
// only the deletion file reference may be replaced.
type Fragment struct {
	ID           uint64
	Files        []DataFile
	DeletionFile *DeletionFile
	RowIdMeta    *RowIdMeta
	// PhysicalRows is the original row count, including rows that have
	// since been tombstoned.
	PhysicalRows uint64

	unknown []byte
}

// Invariant violations surfaced by Validate. These indicate a programming or
// concurrency-protocol bug, never a transient condition.
var (
	ErrDeletionOverflow     = errors.New("deletion count exceeds physical rows")
	ErrDuplicateColumnIndex = errors.New("duplicate column index")
	ErrColumnIndexArity     = errors.New("column indices do not match field count")
	ErrUnassignedField      = errors.New("unassigned field id persisted")
	ErrMissingRowIDs        = errors.New("stable row ids enabled but fragment has no row-id metadata")
)

// NumRows returns the live row count: physical rows minus tombstones.
func (f *Fragment) NumRows() uint64 {
	if f.DeletionFile == nil {
		return f.PhysicalRows
	}
	return f.PhysicalRows - f.DeletionFile.NumDeletedRows
}

// Validate checks the fragment invariants.
func (f *Fragment) Validate() error {
	if f.DeletionFile != nil && f.DeletionFile.NumDeletedRows > f.PhysicalRows {
		return fmt.Errorf("fragment %d: %d deleted of %d physical: %w",
			f.ID, f.DeletionFile.NumDeletedRows, f.PhysicalRows, ErrDeletionOverflow)
	}
	for i := range f.Files {
		if err := f.Files[i].Validate(); err != nil {
			return fmt.Errorf("fragment %d: %w", f.ID, err)
		}
	}
	return nil
}

// Clone deep-copies the fragment.
func (f *Fragment) Clone() *Fragment {
	out := *f
	out.Files = make([]DataFile, len(f.Files))
	copy(out.Files, f.Files)
	for i := range out.Files {
		out.Files[i].Fields = append([]int32(nil), f.Files[i].Fields...)
		out.Files[i].ColumnIndices = append([]int32(nil), f.Files[i].ColumnIndices...)
	}
	if f.DeletionFile != nil {
		df := *f.DeletionFile
		out.DeletionFile = &df
	}
	if f.RowIdMeta != nil {
		rm := *f.RowIdMeta
		rm.Inline = append([]byte(nil), f.RowIdMeta.Inline...)
		if f.RowIdMeta.External != nil {
			ext := *f.RowIdMeta.External
			rm.External = &ext
		}
		out.RowIdMeta = &rm
	}
	return &out
}

// MaxFieldID returns the highest field id referenced by the fragment's data
// files, or -1 when none.
func (f *Fragment) MaxFieldID() int32 {
	max := int32(-1)
	for i := range f.Files {
		for _, id := range f.Files[i].Fields {
			if id > max {
				max = id
			}
		}
	}
	return max
}
