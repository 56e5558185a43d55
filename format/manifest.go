package format

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LibraryName identifies this writer implementation in manifests it
// produces.
const LibraryName = "lance-go"

// LibraryVersion is the version string recorded as the writer version.
const LibraryVersion = "0.4.0"

// FormatName is the data storage format recorded in manifests.
const FormatName = "lance"

// Data storage format generations.
const (
	// LegacyFormatVersion is the older storage generation. Data files of
	// this generation carry no column indices.
	LegacyFormatVersion = "0.1"
	// StableFormatVersion is the current storage generation.
	StableFormatVersion = "2.0"
)

// DetachedVersionMask marks a version number as detached: written but never
// linked into the linear version chain.
const DetachedVersionMask uint64 = 0x8000000000000000

// IsDetachedVersion reports whether v is a detached version number.
func IsDetachedVersion(v uint64) bool {
	return v&DetachedVersionMask != 0
}

// WriterVersion identifies the library that wrote a manifest.
type WriterVersion struct {
	Library string
	Version string
}

// NewWriterVersion returns the writer version of this library.
func NewWriterVersion() *WriterVersion {
	return &WriterVersion{Library: LibraryName, Version: LibraryVersion}
}

// Semver parses the version string as major.minor.patch with an optional
// trailing tag. ok is false when the string is not a semver.
func (w *WriterVersion) Semver() (major, minor, patch int, tag string, ok bool) {
	parts := strings.SplitN(w.Version, ".", 4)
	get := func(i int) (int, bool) {
		if i >= len(parts) {
			return 0, true
		}
		v, err := strconv.Atoi(parts[i])
		return v, err == nil
	}
	var okMaj, okMin, okPat bool
	major, okMaj = get(0)
	minor, okMin = get(1)
	patch, okPat = get(2)
	if len(parts) == 4 {
		tag = parts[3]
	}
	return major, minor, patch, tag, okMaj && okMin && okPat
}

// OlderThan reports whether w is older than the given version triple.
func (w *WriterVersion) OlderThan(major, minor, patch int) bool {
	maj, min, pat, _, ok := w.Semver()
	if !ok {
		return false
	}
	if maj != major {
		return maj < major
	}
	if min != minor {
		return min < minor
	}
	return pat < patch
}

// DataStorageFormat describes the encoding generation of the data file
// payloads.
type DataStorageFormat struct {
	FileFormat string
	Version    string
}

// NewDataStorageFormat returns the current storage format descriptor.
func NewDataStorageFormat() DataStorageFormat {
	return DataStorageFormat{FileFormat: FormatName, Version: StableFormatVersion}
}

// IsLegacy reports whether the format is the legacy storage generation.
func (f DataStorageFormat) IsLegacy() bool {
	return f.Version == LegacyFormatVersion
}

// Manifest is one immutable snapshot of a dataset. It is created only by a
// successful transactional commit and is never mutated afterwards.
type Manifest struct {
	// Schema is the ordered, flattened field list.
	Schema Schema
	// Metadata is the opaque schema-level metadata map.
	Metadata map[string]string
	// Fragments holds the dataset's fragments, sorted by id. The id
	// sequence may have gaps.
	Fragments []*Fragment
	// Version increases by exactly 1 per successful commit.
	Version uint64
	// WriterVersion identifies the library that wrote this manifest, when
	// known.
	WriterVersion *WriterVersion
	// VersionAuxData is the file position of auxiliary version data, 0 if
	// absent.
	VersionAuxData uint64
	// IndexSection is the file position of the index metadata section, 0
	// if absent.
	IndexSection uint64
	// TimestampNanos is the creation time, set on commit.
	TimestampNanos uint64
	// Tag is an optional name for this version.
	Tag string
	// ReaderFeatureFlags and WriterFeatureFlags gate access; see flags.go.
	ReaderFeatureFlags uint64
	WriterFeatureFlags uint64
	// MaxFragmentID is the high-water mark of fragment ids ever used.
	// It survives fragment deletion. maxFragmentIDSet distinguishes
	// "never set" from zero.
	MaxFragmentID    uint64
	MaxFragmentIDSet bool
	// TransactionFile is the path of the transaction record that produced
	// this version, relative to the dataset root.
	TransactionFile string
	// NextRowID is the next unused row id. Advanced only inside a commit.
	NextRowID uint64
	// DataStorageFormat describes the data file payload encoding.
	DataStorageFormat DataStorageFormat
	// Config is the table configuration map.
	Config map[string]string
	// BlobDatasetVersion is the version of the companion blob dataset,
	// 0 when the dataset has no blob columns.
	BlobDatasetVersion uint64

	// fragmentOffsets[i] is the logical row offset of Fragments[i]; the
	// final entry is the dataset length.
	fragmentOffsets []uint64

	unknown []byte
}

// NewManifest creates the version-1 manifest of a fresh dataset.
func NewManifest(schema Schema, fragments []*Fragment) *Manifest {
	m := &Manifest{
		Schema:            schema,
		Fragments:         fragments,
		Version:           1,
		WriterVersion:     NewWriterVersion(),
		DataStorageFormat: NewDataStorageFormat(),
	}
	m.UpdateMaxFragmentID()
	m.recomputeOffsets()
	return m
}

// NewManifestFromPrevious creates the successor manifest of previous with the
// given schema and fragment set. Counters and config carry over; the index
// section does not (the caller re-attaches indices it wants to keep).
func NewManifestFromPrevious(previous *Manifest, schema Schema, fragments []*Fragment) *Manifest {
	m := &Manifest{
		Schema:             schema,
		Fragments:          fragments,
		Version:            previous.Version + 1,
		WriterVersion:      NewWriterVersion(),
		ReaderFeatureFlags: previous.ReaderFeatureFlags,
		WriterFeatureFlags: previous.WriterFeatureFlags,
		MaxFragmentID:      previous.MaxFragmentID,
		MaxFragmentIDSet:   previous.MaxFragmentIDSet,
		NextRowID:          previous.NextRowID,
		DataStorageFormat:  previous.DataStorageFormat,
		BlobDatasetVersion: previous.BlobDatasetVersion,
		Config:             cloneStringMap(previous.Config),
		Metadata:           cloneStringMap(previous.Metadata),
		unknown:            append([]byte(nil), previous.unknown...),
	}
	m.recomputeOffsets()
	return m
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Timestamp returns the creation time.
func (m *Manifest) Timestamp() time.Time {
	return time.Unix(0, int64(m.TimestampNanos)).UTC()
}

// SetTimestamp records the creation time. Called on commit.
func (m *Manifest) SetTimestamp(t time.Time) {
	m.TimestampNanos = uint64(t.UnixNano())
}

// UpdateConfig upserts the given keys into the table configuration.
func (m *Manifest) UpdateConfig(upserts map[string]string) {
	if m.Config == nil {
		m.Config = make(map[string]string, len(upserts))
	}
	for k, v := range upserts {
		m.Config[k] = v
	}
}

// DeleteConfigKeys removes the given keys from the table configuration.
func (m *Manifest) DeleteConfigKeys(keys []string) {
	for _, k := range keys {
		delete(m.Config, k)
	}
}

// ReplaceSchemaMetadata replaces the schema-level metadata map.
func (m *Manifest) ReplaceSchemaMetadata(metadata map[string]string) {
	m.Metadata = metadata
}

// ReplaceFieldMetadata replaces the metadata of the field with the given id.
func (m *Manifest) ReplaceFieldMetadata(fieldID int32, metadata map[string]string) error {
	f := m.Schema.FieldByID(fieldID)
	if f == nil {
		return fmt.Errorf("replace field metadata: no field with id %d", fieldID)
	}
	f.Metadata = metadata
	return nil
}

// UpdateMaxFragmentID raises the fragment-id high-water mark to the current
// fragment list's maximum. It never lowers the mark, so it survives fragment
// deletion.
func (m *Manifest) UpdateMaxFragmentID() {
	if len(m.Fragments) == 0 {
		return
	}
	max := m.Fragments[0].ID
	for _, f := range m.Fragments[1:] {
		if f.ID > max {
			max = f.ID
		}
	}
	if !m.MaxFragmentIDSet || max > m.MaxFragmentID {
		m.MaxFragmentID = max
		m.MaxFragmentIDSet = true
	}
}

// MaxUsedFragmentID returns the fragment-id high-water mark. ok is false when
// no fragment was ever registered.
func (m *Manifest) MaxUsedFragmentID() (uint64, bool) {
	if m.MaxFragmentIDSet {
		return m.MaxFragmentID, true
	}
	if len(m.Fragments) == 0 {
		return 0, false
	}
	max := m.Fragments[0].ID
	for _, f := range m.Fragments[1:] {
		if f.ID > max {
			max = f.ID
		}
	}
	return max, true
}

// MaxFieldID returns the highest field id used anywhere in the dataset:
// schema fields plus data-file fields whose columns were since dropped from
// the schema. Those ids remain reserved.
func (m *Manifest) MaxFieldID() int32 {
	max := m.Schema.MaxFieldID()
	for _, f := range m.Fragments {
		if fm := f.MaxFieldID(); fm > max {
			max = fm
		}
	}
	return max
}

// FragmentByID returns the fragment with the given id, or nil.
func (m *Manifest) FragmentByID(id uint64) *Fragment {
	for _, f := range m.Fragments {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// FragmentsSince returns the fragments newer than the given older manifest,
// judged by the older manifest's fragment-id high-water mark.
func (m *Manifest) FragmentsSince(since *Manifest) ([]*Fragment, error) {
	if since.Version >= m.Version {
		return nil, fmt.Errorf("fragments since: version %d is not older than %d", since.Version, m.Version)
	}
	start, ok := since.MaxUsedFragmentID()
	var out []*Fragment
	for _, f := range m.Fragments {
		if !ok || f.ID > start {
			out = append(out, f)
		}
	}
	return out, nil
}

// NumRows returns the dataset's live row count.
func (m *Manifest) NumRows() uint64 {
	var n uint64
	for _, f := range m.Fragments {
		n += f.NumRows()
	}
	return n
}

// FragmentsByOffsetRange returns the fragments containing the rows in the
// logical offset range [start, end), paired with each fragment's starting
// offset. Offsets count live rows, not row ids.
func (m *Manifest) FragmentsByOffsetRange(start, end uint64) []FragmentAtOffset {
	if len(m.Fragments) == 0 || start >= end {
		return nil
	}
	idx := sort.Search(len(m.fragmentOffsets)-1, func(i int) bool {
		return m.fragmentOffsets[i] > start
	})
	if idx > 0 {
		idx--
	}
	var out []FragmentAtOffset
	for i := idx; i < len(m.Fragments); i++ {
		off := m.fragmentOffsets[i]
		if off >= end {
			break
		}
		if off+m.Fragments[i].NumRows() <= start {
			continue
		}
		out = append(out, FragmentAtOffset{Offset: off, Fragment: m.Fragments[i]})
	}
	return out
}

// FragmentAtOffset pairs a fragment with its starting logical row offset.
type FragmentAtOffset struct {
	Offset   uint64
	Fragment *Fragment
}

// UsesStableRowIDs reports whether the stable row-id feature is active.
func (m *Manifest) UsesStableRowIDs() bool {
	return m.ReaderFeatureFlags&FlagStableRowIDs != 0
}

// Validate checks manifest-wide invariants, including every fragment's.
func (m *Manifest) Validate() error {
	for _, f := range m.Fragments {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	if m.UsesStableRowIDs() {
		for _, f := range m.Fragments {
			if f.RowIdMeta == nil {
				return fmt.Errorf("fragment %d: %w", f.ID, ErrMissingRowIDs)
			}
		}
	}
	return nil
}

// AppendFragments adds fragments to the manifest, raising the id high-water
// mark and refreshing derived offsets.
func (m *Manifest) AppendFragments(frags ...*Fragment) {
	m.Fragments = append(m.Fragments, frags...)
	m.UpdateMaxFragmentID()
	m.recomputeOffsets()
}

// ResetFragments replaces the fragment list wholesale. The id high-water
// mark only ever rises, so ids of dropped fragments stay reserved.
func (m *Manifest) ResetFragments(frags []*Fragment) {
	m.Fragments = frags
	m.UpdateMaxFragmentID()
	m.recomputeOffsets()
}

func (m *Manifest) recomputeOffsets() {
	m.fragmentOffsets = make([]uint64, len(m.Fragments)+1)
	var off uint64
	for i, f := range m.Fragments {
		m.fragmentOffsets[i] = off
		off += f.NumRows()
	}
	m.fragmentOffsets[len(m.Fragments)] = off
}
