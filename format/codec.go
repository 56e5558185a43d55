package format

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"

	"github.com/majin1102/lance/internal/wire"
)

// Manifest field numbers. Numbers are part of the persisted format and must
// never be renumbered.
const (
	mfFields         = 1
	mfFragments      = 2
	mfVersion        = 3
	mfWriterVersion  = 4
	mfMetadata       = 5
	mfVersionAux     = 6
	mfIndexSection   = 7
	mfTimestamp      = 8
	mfTag            = 9
	mfReaderFlags    = 10
	mfWriterFlags    = 11
	mfMaxFragmentID  = 12
	mfTransactionFil = 13
	mfNextRowID      = 14
	mfDataFormat     = 15
	mfConfig         = 16
	mfBlobVersion    = 17
)

// Marshal encodes the manifest. Unknown fields captured by a previous
// Unmarshal are re-emitted so newer writers' fields survive a round-trip.
func (m *Manifest) Marshal() ([]byte, error) {
	var e wire.Encoder
	for i := range m.Schema {
		f := &m.Schema[i]
		e.Message(mfFields, func(sub *wire.Encoder) { encodeField(sub, f) })
	}
	for _, frag := range m.Fragments {
		e.Message(mfFragments, func(sub *wire.Encoder) { encodeFragment(sub, frag) })
	}
	e.Uint(mfVersion, m.Version)
	if m.WriterVersion != nil {
		e.Message(mfWriterVersion, func(sub *wire.Encoder) {
			sub.String(1, m.WriterVersion.Library)
			sub.String(2, m.WriterVersion.Version)
		})
	}
	encodeStringMap(&e, mfMetadata, m.Metadata)
	e.Uint(mfVersionAux, m.VersionAuxData)
	if m.IndexSection != 0 {
		// Fixed width so the record length is stable while the writer
		// resolves the section position.
		e.Fixed64Always(mfIndexSection, m.IndexSection)
	}
	e.Uint(mfTimestamp, m.TimestampNanos)
	e.String(mfTag, m.Tag)
	e.Uint(mfReaderFlags, m.ReaderFeatureFlags)
	e.Uint(mfWriterFlags, m.WriterFeatureFlags)
	if m.MaxFragmentIDSet {
		e.UintAlways(mfMaxFragmentID, m.MaxFragmentID)
	}
	e.String(mfTransactionFil, m.TransactionFile)
	e.Uint(mfNextRowID, m.NextRowID)
	e.Message(mfDataFormat, func(sub *wire.Encoder) {
		sub.String(1, m.DataStorageFormat.FileFormat)
		sub.String(2, m.DataStorageFormat.Version)
	})
	encodeStringMap(&e, mfConfig, m.Config)
	e.Uint(mfBlobVersion, m.BlobDatasetVersion)
	e.Raw(m.unknown)
	return e.Encoded(), nil
}

// UnmarshalManifest decodes a manifest record. Fields written by newer
// library versions are preserved opaquely.
func UnmarshalManifest(b []byte) (*Manifest, error) {
	m := &Manifest{DataStorageFormat: DataStorageFormat{FileFormat: FormatName, Version: LegacyFormatVersion}}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, fmt.Errorf("manifest: %w (%w)", ErrCorruptBytes, err)
		}
		if !ok {
			break
		}
		switch d.Field() {
		case mfFields:
			sub, err := d.Bytes()
			if err != nil {
				return nil, corrupt("manifest schema", err)
			}
			f, err := decodeField(sub)
			if err != nil {
				return nil, err
			}
			m.Schema = append(m.Schema, f)
		case mfFragments:
			sub, err := d.Bytes()
			if err != nil {
				return nil, corrupt("manifest fragments", err)
			}
			frag, err := decodeFragment(sub)
			if err != nil {
				return nil, err
			}
			m.Fragments = append(m.Fragments, frag)
		case mfVersion:
			if m.Version, err = d.Uint(); err != nil {
				return nil, corrupt("manifest version", err)
			}
		case mfWriterVersion:
			sub, err := d.Bytes()
			if err != nil {
				return nil, corrupt("writer version", err)
			}
			wv, err := decodeWriterVersion(sub)
			if err != nil {
				return nil, err
			}
			m.WriterVersion = wv
		case mfMetadata:
			if err := decodeStringMapEntry(d, &m.Metadata); err != nil {
				return nil, err
			}
		case mfVersionAux:
			if m.VersionAuxData, err = d.Uint(); err != nil {
				return nil, corrupt("version aux data", err)
			}
		case mfIndexSection:
			if d.WireType() == wire.TypeFixed64 {
				m.IndexSection, err = d.Fixed64()
			} else {
				m.IndexSection, err = d.Uint()
			}
			if err != nil {
				return nil, corrupt("index section", err)
			}
		case mfTimestamp:
			if m.TimestampNanos, err = d.Uint(); err != nil {
				return nil, corrupt("timestamp", err)
			}
		case mfTag:
			if m.Tag, err = d.String(); err != nil {
				return nil, corrupt("tag", err)
			}
		case mfReaderFlags:
			if m.ReaderFeatureFlags, err = d.Uint(); err != nil {
				return nil, corrupt("reader flags", err)
			}
		case mfWriterFlags:
			if m.WriterFeatureFlags, err = d.Uint(); err != nil {
				return nil, corrupt("writer flags", err)
			}
		case mfMaxFragmentID:
			if m.MaxFragmentID, err = d.Uint(); err != nil {
				return nil, corrupt("max fragment id", err)
			}
			m.MaxFragmentIDSet = true
		case mfTransactionFil:
			if m.TransactionFile, err = d.String(); err != nil {
				return nil, corrupt("transaction file", err)
			}
		case mfNextRowID:
			if m.NextRowID, err = d.Uint(); err != nil {
				return nil, corrupt("next row id", err)
			}
		case mfDataFormat:
			sub, err := d.Bytes()
			if err != nil {
				return nil, corrupt("data format", err)
			}
			if err := decodeDataFormat(sub, &m.DataStorageFormat); err != nil {
				return nil, err
			}
		case mfConfig:
			if err := decodeStringMapEntry(d, &m.Config); err != nil {
				return nil, err
			}
		case mfBlobVersion:
			if m.BlobDatasetVersion, err = d.Uint(); err != nil {
				return nil, corrupt("blob dataset version", err)
			}
		default:
			if err := d.Keep(); err != nil {
				return nil, corrupt("manifest", err)
			}
		}
	}
	m.unknown = d.Unknown()
	m.recomputeOffsets()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func corrupt(what string, cause error) error {
	return fmt.Errorf("%s: %w (%w)", what, ErrCorruptBytes, cause)
}

func encodeStringMap(e *wire.Encoder, field int, m map[string]string) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		e.Message(field, func(sub *wire.Encoder) {
			sub.String(1, k)
			sub.String(2, v)
		})
	}
}

func decodeStringMapEntry(d *wire.Decoder, m *map[string]string) error {
	sub, err := d.Bytes()
	if err != nil {
		return corrupt("map entry", err)
	}
	var k, v string
	sd := wire.NewDecoder(sub)
	for {
		ok, err := sd.Next()
		if err != nil {
			return corrupt("map entry", err)
		}
		if !ok {
			break
		}
		switch sd.Field() {
		case 1:
			if k, err = sd.String(); err != nil {
				return corrupt("map key", err)
			}
		case 2:
			if v, err = sd.String(); err != nil {
				return corrupt("map value", err)
			}
		default:
			if err := sd.Keep(); err != nil {
				return corrupt("map entry", err)
			}
		}
	}
	if *m == nil {
		*m = make(map[string]string)
	}
	(*m)[k] = v
	return nil
}

func decodeWriterVersion(b []byte) (*WriterVersion, error) {
	wv := &WriterVersion{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, corrupt("writer version", err)
		}
		if !ok {
			break
		}
		switch d.Field() {
		case 1:
			if wv.Library, err = d.String(); err != nil {
				return nil, corrupt("writer library", err)
			}
		case 2:
			if wv.Version, err = d.String(); err != nil {
				return nil, corrupt("writer version string", err)
			}
		default:
			if err := d.Keep(); err != nil {
				return nil, corrupt("writer version", err)
			}
		}
	}
	return wv, nil
}

func decodeDataFormat(b []byte, out *DataStorageFormat) error {
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return corrupt("data format", err)
		}
		if !ok {
			return nil
		}
		switch d.Field() {
		case 1:
			if out.FileFormat, err = d.String(); err != nil {
				return corrupt("file format", err)
			}
		case 2:
			if out.Version, err = d.String(); err != nil {
				return corrupt("format version", err)
			}
		default:
			if err := d.Keep(); err != nil {
				return corrupt("data format", err)
			}
		}
	}
}

func encodeField(e *wire.Encoder, f *Field) {
	e.Int(1, int64(f.ID))
	// Parent ids are stored offset by one so that absence means top-level.
	e.Uint(2, uint64(f.ParentID+1))
	e.String(3, f.Name)
	e.String(4, f.LogicalType)
	e.Bool(5, f.Nullable)
	encodeStringMap(e, 6, f.Metadata)
}

func decodeField(b []byte) (Field, error) {
	f := Field{ParentID: UnassignedFieldID}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return f, corrupt("field", err)
		}
		if !ok {
			return f, nil
		}
		switch d.Field() {
		case 1:
			v, err := d.Int()
			if err != nil {
				return f, corrupt("field id", err)
			}
			f.ID = int32(v)
		case 2:
			v, err := d.Uint()
			if err != nil {
				return f, corrupt("field parent", err)
			}
			f.ParentID = int32(v) - 1
		case 3:
			if f.Name, err = d.String(); err != nil {
				return f, corrupt("field name", err)
			}
		case 4:
			if f.LogicalType, err = d.String(); err != nil {
				return f, corrupt("field type", err)
			}
		case 5:
			if f.Nullable, err = d.Bool(); err != nil {
				return f, corrupt("field nullable", err)
			}
		case 6:
			if err := decodeStringMapEntry(d, &f.Metadata); err != nil {
				return f, err
			}
		default:
			if err := d.Keep(); err != nil {
				return f, corrupt("field", err)
			}
		}
	}
}

// MarshalSchema encodes a schema as a standalone record; used by
// transaction records, which carry schemas outside a manifest.
func MarshalSchema(s Schema) []byte {
	var e wire.Encoder
	for i := range s {
		f := &s[i]
		e.Message(1, func(sub *wire.Encoder) { encodeField(sub, f) })
	}
	return e.Encoded()
}

// UnmarshalSchema decodes a standalone schema record.
func UnmarshalSchema(b []byte) (Schema, error) {
	var s Schema
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, corrupt("schema", err)
		}
		if !ok {
			return s, nil
		}
		switch d.Field() {
		case 1:
			sub, err := d.Bytes()
			if err != nil {
				return nil, corrupt("schema field", err)
			}
			f, err := decodeField(sub)
			if err != nil {
				return nil, err
			}
			s = append(s, f)
		default:
			if err := d.Keep(); err != nil {
				return nil, corrupt("schema", err)
			}
		}
	}
}

func appendPackedInt32(dst []byte, vals []int32) []byte {
	for _, v := range vals {
		dst = binary.AppendUvarint(dst, uint64(uint32(v<<1))^uint64(uint32(v>>31)))
	}
	return dst
}

func decodePackedInt32(b []byte) ([]int32, error) {
	var out []int32
	for len(b) > 0 {
		v, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, corrupt("packed ints", wire.ErrTruncated)
		}
		b = b[n:]
		out = append(out, int32(uint32(v)>>1)^-int32(v&1))
	}
	return out, nil
}

func encodeFragment(e *wire.Encoder, f *Fragment) {
	e.Uint(1, f.ID)
	for i := range f.Files {
		df := &f.Files[i]
		e.Message(2, func(sub *wire.Encoder) { encodeDataFile(sub, df) })
	}
	if f.DeletionFile != nil {
		e.Message(3, func(sub *wire.Encoder) {
			sub.Uint(1, uint64(f.DeletionFile.FileType))
			sub.Uint(2, f.DeletionFile.ReadVersion)
			sub.Uint(3, f.DeletionFile.ID)
			sub.Uint(4, f.DeletionFile.NumDeletedRows)
		})
	}
	e.Uint(4, f.PhysicalRows)
	if f.RowIdMeta != nil {
		e.Message(5, func(sub *wire.Encoder) {
			sub.Bytes(1, f.RowIdMeta.Inline)
			if ext := f.RowIdMeta.External; ext != nil {
				sub.Message(2, func(es *wire.Encoder) {
					es.String(1, ext.Path)
					es.Uint(2, ext.Offset)
					es.Uint(3, ext.Size)
				})
			}
		})
	}
	e.Raw(f.unknown)
}

// MarshalFragment encodes a single fragment record; used by transaction
// records, which carry fragments outside a manifest.
func MarshalFragment(f *Fragment) []byte {
	var e wire.Encoder
	encodeFragment(&e, f)
	return e.Encoded()
}

// UnmarshalFragment decodes a single fragment record.
func UnmarshalFragment(b []byte) (*Fragment, error) {
	return decodeFragment(b)
}

func decodeFragment(b []byte) (*Fragment, error) {
	f := &Fragment{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, corrupt("fragment", err)
		}
		if !ok {
			break
		}
		switch d.Field() {
		case 1:
			if f.ID, err = d.Uint(); err != nil {
				return nil, corrupt("fragment id", err)
			}
		case 2:
			sub, err := d.Bytes()
			if err != nil {
				return nil, corrupt("data file", err)
			}
			df, err := decodeDataFile(sub)
			if err != nil {
				return nil, err
			}
			f.Files = append(f.Files, df)
		case 3:
			sub, err := d.Bytes()
			if err != nil {
				return nil, corrupt("deletion file", err)
			}
			del, err := decodeDeletionFile(sub)
			if err != nil {
				return nil, err
			}
			f.DeletionFile = del
		case 4:
			if f.PhysicalRows, err = d.Uint(); err != nil {
				return nil, corrupt("physical rows", err)
			}
		case 5:
			sub, err := d.Bytes()
			if err != nil {
				return nil, corrupt("row id meta", err)
			}
			rm, err := decodeRowIdMeta(sub)
			if err != nil {
				return nil, err
			}
			f.RowIdMeta = rm
		default:
			if err := d.Keep(); err != nil {
				return nil, corrupt("fragment", err)
			}
		}
	}
	f.unknown = d.Unknown()
	return f, nil
}

func encodeDataFile(e *wire.Encoder, df *DataFile) {
	e.String(1, df.Path)
	e.Bytes(2, appendPackedInt32(nil, df.Fields))
	e.Bytes(3, appendPackedInt32(nil, df.ColumnIndices))
	e.Uint(4, uint64(df.FileMajorVersion))
	e.Uint(5, uint64(df.FileMinorVersion))
	e.Uint(6, df.FileSizeBytes)
	e.Raw(df.unknown)
}

func decodeDataFile(b []byte) (DataFile, error) {
	df := DataFile{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return df, corrupt("data file", err)
		}
		if !ok {
			break
		}
		switch d.Field() {
		case 1:
			if df.Path, err = d.String(); err != nil {
				return df, corrupt("data file path", err)
			}
		case 2:
			raw, err := d.Bytes()
			if err != nil {
				return df, corrupt("data file fields", err)
			}
			if df.Fields, err = decodePackedInt32(raw); err != nil {
				return df, err
			}
		case 3:
			raw, err := d.Bytes()
			if err != nil {
				return df, corrupt("column indices", err)
			}
			if df.ColumnIndices, err = decodePackedInt32(raw); err != nil {
				return df, err
			}
		case 4:
			v, err := d.Uint()
			if err != nil {
				return df, corrupt("file major version", err)
			}
			df.FileMajorVersion = uint32(v)
		case 5:
			v, err := d.Uint()
			if err != nil {
				return df, corrupt("file minor version", err)
			}
			df.FileMinorVersion = uint32(v)
		case 6:
			if df.FileSizeBytes, err = d.Uint(); err != nil {
				return df, corrupt("file size", err)
			}
		default:
			if err := d.Keep(); err != nil {
				return df, corrupt("data file", err)
			}
		}
	}
	df.unknown = d.Unknown()
	return df, nil
}

func decodeDeletionFile(b []byte) (*DeletionFile, error) {
	del := &DeletionFile{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, corrupt("deletion file", err)
		}
		if !ok {
			return del, nil
		}
		switch d.Field() {
		case 1:
			v, err := d.Uint()
			if err != nil {
				return nil, corrupt("deletion file type", err)
			}
			del.FileType = DeletionFileType(v)
		case 2:
			if del.ReadVersion, err = d.Uint(); err != nil {
				return nil, corrupt("deletion read version", err)
			}
		case 3:
			if del.ID, err = d.Uint(); err != nil {
				return nil, corrupt("deletion id", err)
			}
		case 4:
			if del.NumDeletedRows, err = d.Uint(); err != nil {
				return nil, corrupt("num deleted rows", err)
			}
		default:
			if err := d.Keep(); err != nil {
				return nil, corrupt("deletion file", err)
			}
		}
	}
}

func decodeRowIdMeta(b []byte) (*RowIdMeta, error) {
	rm := &RowIdMeta{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, corrupt("row id meta", err)
		}
		if !ok {
			return rm, nil
		}
		switch d.Field() {
		case 1:
			raw, err := d.Bytes()
			if err != nil {
				return nil, corrupt("inline row ids", err)
			}
			rm.Inline = append([]byte(nil), raw...)
		case 2:
			sub, err := d.Bytes()
			if err != nil {
				return nil, corrupt("external row ids", err)
			}
			ext := &ExternalFile{}
			sd := wire.NewDecoder(sub)
			for {
				ok, err := sd.Next()
				if err != nil {
					return nil, corrupt("external row ids", err)
				}
				if !ok {
					break
				}
				switch sd.Field() {
				case 1:
					if ext.Path, err = sd.String(); err != nil {
						return nil, corrupt("external path", err)
					}
				case 2:
					if ext.Offset, err = sd.Uint(); err != nil {
						return nil, corrupt("external offset", err)
					}
				case 3:
					if ext.Size, err = sd.Uint(); err != nil {
						return nil, corrupt("external size", err)
					}
				default:
					if err := sd.Keep(); err != nil {
						return nil, corrupt("external row ids", err)
					}
				}
			}
			rm.External = ext
		default:
			if err := d.Keep(); err != nil {
				return nil, corrupt("row id meta", err)
			}
		}
	}
}

// MarshalIndexSection encodes the index metadata section stored alongside a
// manifest.
func MarshalIndexSection(indices []*IndexMetadata) ([]byte, error) {
	var e wire.Encoder
	for _, im := range indices {
		b, err := marshalIndexMetadata(im)
		if err != nil {
			return nil, err
		}
		e.Bytes(1, b)
	}
	return e.Encoded(), nil
}

// UnmarshalIndexSection decodes an index metadata section.
func UnmarshalIndexSection(b []byte) ([]*IndexMetadata, error) {
	var out []*IndexMetadata
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, corrupt("index section", err)
		}
		if !ok {
			return out, nil
		}
		switch d.Field() {
		case 1:
			sub, err := d.Bytes()
			if err != nil {
				return nil, corrupt("index metadata", err)
			}
			im, err := unmarshalIndexMetadata(sub)
			if err != nil {
				return nil, err
			}
			out = append(out, im)
		default:
			if err := d.Keep(); err != nil {
				return nil, corrupt("index section", err)
			}
		}
	}
}

func marshalIndexMetadata(im *IndexMetadata) ([]byte, error) {
	var e wire.Encoder
	e.Bytes(1, im.UUID[:])
	e.String(2, im.Name)
	e.Bytes(3, appendPackedInt32(nil, im.Fields))
	e.Uint(4, im.DatasetVersion)
	if im.FragmentBitmap != nil {
		bm, err := im.FragmentBitmap.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("fragment bitmap: %w", err)
		}
		e.Bytes(5, bm)
	}
	if im.Details != nil {
		payload, kind, err := marshalIndexDetails(im.Details)
		if err != nil {
			return nil, err
		}
		e.Message(6, func(sub *wire.Encoder) {
			sub.UintAlways(1, uint64(kind))
			sub.BytesAlways(2, payload)
		})
	}
	e.Uint(7, uint64(im.MinimumVersion))
	e.Uint(8, im.CreatedAtNanos)
	e.Raw(im.unknown)
	return e.Encoded(), nil
}

func unmarshalIndexMetadata(b []byte) (*IndexMetadata, error) {
	im := &IndexMetadata{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, corrupt("index metadata", err)
		}
		if !ok {
			break
		}
		switch d.Field() {
		case 1:
			raw, err := d.Bytes()
			if err != nil {
				return nil, corrupt("index uuid", err)
			}
			u, err := uuid.FromBytes(raw)
			if err != nil {
				return nil, corrupt("index uuid", err)
			}
			im.UUID = u
		case 2:
			if im.Name, err = d.String(); err != nil {
				return nil, corrupt("index name", err)
			}
		case 3:
			raw, err := d.Bytes()
			if err != nil {
				return nil, corrupt("index fields", err)
			}
			if im.Fields, err = decodePackedInt32(raw); err != nil {
				return nil, err
			}
		case 4:
			if im.DatasetVersion, err = d.Uint(); err != nil {
				return nil, corrupt("index dataset version", err)
			}
		case 5:
			raw, err := d.Bytes()
			if err != nil {
				return nil, corrupt("fragment bitmap", err)
			}
			bm := roaring.New()
			if err := bm.UnmarshalBinary(raw); err != nil {
				return nil, corrupt("fragment bitmap", err)
			}
			im.FragmentBitmap = bm
		case 6:
			raw, err := d.Bytes()
			if err != nil {
				return nil, corrupt("index details", err)
			}
			det, err := unmarshalIndexDetails(raw)
			if err != nil {
				return nil, err
			}
			im.Details = det
		case 7:
			v, err := d.Uint()
			if err != nil {
				return nil, corrupt("minimum version", err)
			}
			im.MinimumVersion = uint32(v)
		case 8:
			if im.CreatedAtNanos, err = d.Uint(); err != nil {
				return nil, corrupt("created at", err)
			}
		default:
			if err := d.Keep(); err != nil {
				return nil, corrupt("index metadata", err)
			}
		}
	}
	im.unknown = d.Unknown()
	return im, nil
}

func marshalIndexDetails(det IndexDetails) (payload []byte, kind IndexKind, err error) {
	var e wire.Encoder
	switch v := det.(type) {
	case BTreeIndexDetails, BitmapIndexDetails, LabelListIndexDetails:
		// No payload.
	case InvertedIndexDetails:
		e.Bool(1, v.WithPositions)
	case NGramIndexDetails:
		e.Uint(1, uint64(v.NGramLength))
	case VectorIndexDetails:
		e.String(1, v.Metric)
		e.Uint(2, uint64(v.Dimension))
	case *FragmentReuseIndexDetails:
		for i := range v.Versions {
			rv := &v.Versions[i]
			var sub []byte
			if sub, err = marshalReuseVersion(rv); err != nil {
				return nil, 0, err
			}
			e.Bytes(1, sub)
		}
	case *MemWalIndexDetails:
		for i := range v.MemWals {
			e.Bytes(1, marshalMemWal(&v.MemWals[i]))
		}
	case UnknownIndexDetails:
		return v.Raw, IndexKind(v.RawKind), nil
	default:
		return nil, 0, fmt.Errorf("index details: unsupported type %T", det)
	}
	return e.Encoded(), det.Kind(), nil
}

func unmarshalIndexDetails(b []byte) (IndexDetails, error) {
	var kind uint64
	var payload []byte
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, corrupt("index details", err)
		}
		if !ok {
			break
		}
		switch d.Field() {
		case 1:
			if kind, err = d.Uint(); err != nil {
				return nil, corrupt("index kind", err)
			}
		case 2:
			raw, err := d.Bytes()
			if err != nil {
				return nil, corrupt("index details payload", err)
			}
			payload = append([]byte(nil), raw...)
		default:
			if err := d.Keep(); err != nil {
				return nil, corrupt("index details", err)
			}
		}
	}
	return decodeIndexDetails(IndexKind(kind), payload)
}

func decodeIndexDetails(kind IndexKind, payload []byte) (IndexDetails, error) {
	switch kind {
	case IndexKindBTree:
		return BTreeIndexDetails{}, nil
	case IndexKindBitmap:
		return BitmapIndexDetails{}, nil
	case IndexKindLabelList:
		return LabelListIndexDetails{}, nil
	case IndexKindInverted:
		det := InvertedIndexDetails{}
		d := wire.NewDecoder(payload)
		for {
			ok, err := d.Next()
			if err != nil {
				return nil, corrupt("inverted details", err)
			}
			if !ok {
				return det, nil
			}
			if d.Field() == 1 {
				if det.WithPositions, err = d.Bool(); err != nil {
					return nil, corrupt("inverted details", err)
				}
			} else if err := d.Keep(); err != nil {
				return nil, corrupt("inverted details", err)
			}
		}
	case IndexKindNGram:
		det := NGramIndexDetails{}
		d := wire.NewDecoder(payload)
		for {
			ok, err := d.Next()
			if err != nil {
				return nil, corrupt("ngram details", err)
			}
			if !ok {
				return det, nil
			}
			if d.Field() == 1 {
				v, err := d.Uint()
				if err != nil {
					return nil, corrupt("ngram details", err)
				}
				det.NGramLength = uint32(v)
			} else if err := d.Keep(); err != nil {
				return nil, corrupt("ngram details", err)
			}
		}
	case IndexKindVector:
		det := VectorIndexDetails{}
		d := wire.NewDecoder(payload)
		for {
			ok, err := d.Next()
			if err != nil {
				return nil, corrupt("vector details", err)
			}
			if !ok {
				return det, nil
			}
			switch d.Field() {
			case 1:
				if det.Metric, err = d.String(); err != nil {
					return nil, corrupt("vector details", err)
				}
			case 2:
				v, err := d.Uint()
				if err != nil {
					return nil, corrupt("vector details", err)
				}
				det.Dimension = uint32(v)
			default:
				if err := d.Keep(); err != nil {
					return nil, corrupt("vector details", err)
				}
			}
		}
	case IndexKindFragmentReuse:
		det := &FragmentReuseIndexDetails{}
		d := wire.NewDecoder(payload)
		for {
			ok, err := d.Next()
			if err != nil {
				return nil, corrupt("reuse details", err)
			}
			if !ok {
				return det, nil
			}
			if d.Field() == 1 {
				raw, err := d.Bytes()
				if err != nil {
					return nil, corrupt("reuse details", err)
				}
				rv, err := unmarshalReuseVersion(raw)
				if err != nil {
					return nil, err
				}
				det.Versions = append(det.Versions, rv)
			} else if err := d.Keep(); err != nil {
				return nil, corrupt("reuse details", err)
			}
		}
	case IndexKindMemWal:
		det := &MemWalIndexDetails{}
		d := wire.NewDecoder(payload)
		for {
			ok, err := d.Next()
			if err != nil {
				return nil, corrupt("memwal details", err)
			}
			if !ok {
				return det, nil
			}
			if d.Field() == 1 {
				raw, err := d.Bytes()
				if err != nil {
					return nil, corrupt("memwal details", err)
				}
				w, err := unmarshalMemWal(raw)
				if err != nil {
					return nil, err
				}
				det.MemWals = append(det.MemWals, *w)
			} else if err := d.Keep(); err != nil {
				return nil, corrupt("memwal details", err)
			}
		}
	default:
		return UnknownIndexDetails{RawKind: uint32(kind), Raw: payload}, nil
	}
}

func marshalReuseVersion(rv *ReuseVersion) ([]byte, error) {
	var e wire.Encoder
	e.Uint(1, rv.DatasetVersion)
	for i := range rv.Groups {
		g := &rv.Groups[i]
		var addrBytes []byte
		if g.ChangedRowAddrs != nil {
			b, err := g.ChangedRowAddrs.MarshalBinary()
			if err != nil {
				return nil, fmt.Errorf("changed row addrs: %w", err)
			}
			addrBytes = b
		}
		e.Message(2, func(sub *wire.Encoder) {
			sub.Bytes(1, addrBytes)
			for _, d := range g.OldFragments {
				encodeFragmentDigest(sub, 2, d)
			}
			for _, d := range g.NewFragments {
				encodeFragmentDigest(sub, 3, d)
			}
		})
	}
	return e.Encoded(), nil
}

func encodeFragmentDigest(e *wire.Encoder, field int, d FragmentDigest) {
	e.Message(field, func(sub *wire.Encoder) {
		sub.Uint(1, d.ID)
		sub.Uint(2, d.PhysicalRows)
		sub.Uint(3, d.NumDeletedRows)
	})
}

func decodeFragmentDigest(b []byte) (FragmentDigest, error) {
	var out FragmentDigest
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return out, corrupt("fragment digest", err)
		}
		if !ok {
			return out, nil
		}
		switch d.Field() {
		case 1:
			if out.ID, err = d.Uint(); err != nil {
				return out, corrupt("digest id", err)
			}
		case 2:
			if out.PhysicalRows, err = d.Uint(); err != nil {
				return out, corrupt("digest rows", err)
			}
		case 3:
			if out.NumDeletedRows, err = d.Uint(); err != nil {
				return out, corrupt("digest deleted", err)
			}
		default:
			if err := d.Keep(); err != nil {
				return out, corrupt("fragment digest", err)
			}
		}
	}
}

func unmarshalReuseVersion(b []byte) (ReuseVersion, error) {
	rv := ReuseVersion{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return rv, corrupt("reuse version", err)
		}
		if !ok {
			return rv, nil
		}
		switch d.Field() {
		case 1:
			if rv.DatasetVersion, err = d.Uint(); err != nil {
				return rv, corrupt("reuse version", err)
			}
		case 2:
			raw, err := d.Bytes()
			if err != nil {
				return rv, corrupt("reuse group", err)
			}
			g := ReuseGroup{}
			gd := wire.NewDecoder(raw)
			for {
				ok, err := gd.Next()
				if err != nil {
					return rv, corrupt("reuse group", err)
				}
				if !ok {
					break
				}
				switch gd.Field() {
				case 1:
					bmRaw, err := gd.Bytes()
					if err != nil {
						return rv, corrupt("changed row addrs", err)
					}
					bm := roaring64.New()
					if err := bm.UnmarshalBinary(bmRaw); err != nil {
						return rv, corrupt("changed row addrs", err)
					}
					g.ChangedRowAddrs = bm
				case 2:
					dRaw, err := gd.Bytes()
					if err != nil {
						return rv, corrupt("old fragment digest", err)
					}
					dig, err := decodeFragmentDigest(dRaw)
					if err != nil {
						return rv, err
					}
					g.OldFragments = append(g.OldFragments, dig)
				case 3:
					dRaw, err := gd.Bytes()
					if err != nil {
						return rv, corrupt("new fragment digest", err)
					}
					dig, err := decodeFragmentDigest(dRaw)
					if err != nil {
						return rv, err
					}
					g.NewFragments = append(g.NewFragments, dig)
				default:
					if err := gd.Keep(); err != nil {
						return rv, corrupt("reuse group", err)
					}
				}
			}
			rv.Groups = append(rv.Groups, g)
		default:
			if err := d.Keep(); err != nil {
				return rv, corrupt("reuse version", err)
			}
		}
	}
}

// MarshalMemWal encodes one MemWAL record.
func MarshalMemWal(w *MemWal) []byte { return marshalMemWal(w) }

// UnmarshalMemWal decodes one MemWAL record.
func UnmarshalMemWal(b []byte) (*MemWal, error) { return unmarshalMemWal(b) }

func marshalMemWal(w *MemWal) []byte {
	var e wire.Encoder
	e.String(1, w.ID.Region)
	e.Uint(2, w.ID.Generation)
	e.String(3, w.MemTableLocation)
	e.String(4, w.WalLocation)
	for _, r := range w.WalEntries {
		e.Message(5, func(sub *wire.Encoder) {
			sub.Uint(1, r.Start)
			sub.Uint(2, r.End)
		})
	}
	e.Uint(6, uint64(w.State))
	e.String(7, w.OwnerID)
	e.Uint(8, w.LastUpdatedDatasetVersion)
	e.Raw(w.unknown)
	return e.Encoded()
}

func unmarshalMemWal(b []byte) (*MemWal, error) {
	w := &MemWal{}
	d := wire.NewDecoder(b)
	for {
		ok, err := d.Next()
		if err != nil {
			return nil, corrupt("memwal", err)
		}
		if !ok {
			break
		}
		switch d.Field() {
		case 1:
			if w.ID.Region, err = d.String(); err != nil {
				return nil, corrupt("memwal region", err)
			}
		case 2:
			if w.ID.Generation, err = d.Uint(); err != nil {
				return nil, corrupt("memwal generation", err)
			}
		case 3:
			if w.MemTableLocation, err = d.String(); err != nil {
				return nil, corrupt("memtable location", err)
			}
		case 4:
			if w.WalLocation, err = d.String(); err != nil {
				return nil, corrupt("wal location", err)
			}
		case 5:
			raw, err := d.Bytes()
			if err != nil {
				return nil, corrupt("wal entries", err)
			}
			r := SeqRange{}
			sd := wire.NewDecoder(raw)
			for {
				ok, err := sd.Next()
				if err != nil {
					return nil, corrupt("wal entries", err)
				}
				if !ok {
					break
				}
				switch sd.Field() {
				case 1:
					if r.Start, err = sd.Uint(); err != nil {
						return nil, corrupt("wal entries", err)
					}
				case 2:
					if r.End, err = sd.Uint(); err != nil {
						return nil, corrupt("wal entries", err)
					}
				default:
					if err := sd.Keep(); err != nil {
						return nil, corrupt("wal entries", err)
					}
				}
			}
			w.WalEntries = append(w.WalEntries, r)
		case 6:
			v, err := d.Uint()
			if err != nil {
				return nil, corrupt("memwal state", err)
			}
			w.State = MemWalState(v)
		case 7:
			if w.OwnerID, err = d.String(); err != nil {
				return nil, corrupt("memwal owner", err)
			}
		case 8:
			if w.LastUpdatedDatasetVersion, err = d.Uint(); err != nil {
				return nil, corrupt("memwal version", err)
			}
		default:
			if err := d.Keep(); err != nil {
				return nil, corrupt("memwal", err)
			}
		}
	}
	w.unknown = d.Unknown()
	return w, nil
}
