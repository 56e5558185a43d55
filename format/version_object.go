package format

import (
	"fmt"
)

// A version object is the payload stored at _versions/{n}.manifest. It holds
// the manifest record, an optional index metadata section, and a trailing
// footer locating the boundary between the two:
//
//	[manifest record][index section][footer]
//
// Footer.MetadataOffset is the length of the manifest record, which is also
// where the index section begins when one is present. Manifest.IndexSection
// carries the same offset inside the record itself, encoded fixed-width so
// setting it does not change the record length.

// EncodeVersionObject serializes a manifest and its index metadata into a
// single version object.
func EncodeVersionObject(m *Manifest, indices []*IndexMetadata) ([]byte, error) {
	if len(indices) > 0 {
		// Provisional nonzero value so the fixed-width field is emitted;
		// the final offset replaces it on the second pass.
		m.IndexSection = 1
	} else {
		m.IndexSection = 0
	}
	body, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	if len(indices) > 0 {
		m.IndexSection = uint64(len(body))
		if body, err = m.Marshal(); err != nil {
			return nil, err
		}
		if uint64(len(body)) != m.IndexSection {
			return nil, fmt.Errorf("manifest: unstable record length %d != %d", len(body), m.IndexSection)
		}
	}

	if len(indices) > 0 {
		section, err := MarshalIndexSection(indices)
		if err != nil {
			return nil, err
		}
		body = append(body, section...)
	}

	ftr := Footer{
		MetadataOffset: func() uint64 {
			if m.IndexSection != 0 {
				return m.IndexSection
			}
			return uint64(len(body))
		}(),
		MajorVersion: 2,
		MinorVersion: 0,
	}
	return ftr.Encode(body), nil
}

// DecodeVersionObject parses a version object back into its manifest and
// index metadata.
func DecodeVersionObject(b []byte) (*Manifest, []*IndexMetadata, error) {
	if len(b) < FooterSize {
		return nil, nil, fmt.Errorf("version object: %w", ErrTruncated)
	}
	ftr, err := DecodeFooter(b[len(b)-FooterSize:], uint64(len(b)))
	if err != nil {
		return nil, nil, err
	}
	end := len(b) - FooterSize
	if ftr.MetadataOffset > uint64(end) {
		return nil, nil, corrupt("version object", fmt.Errorf("manifest end %d past payload %d", ftr.MetadataOffset, end))
	}
	m, err := UnmarshalManifest(b[:ftr.MetadataOffset])
	if err != nil {
		return nil, nil, err
	}

	var indices []*IndexMetadata
	if m.IndexSection != 0 {
		if m.IndexSection != ftr.MetadataOffset {
			return nil, nil, corrupt("version object", fmt.Errorf("index section offset %d disagrees with footer %d", m.IndexSection, ftr.MetadataOffset))
		}
		if indices, err = UnmarshalIndexSection(b[m.IndexSection:end]); err != nil {
			return nil, nil, err
		}
	}
	return m, indices, nil
}
