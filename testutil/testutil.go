// Package testutil provides shared fixtures for tests: a store-backed
// manifest source and canonical schema/fragment builders. Test code only.
package testutil

import (
	"context"
	"strconv"
	"strings"

	"github.com/majin1102/lance/blobstore"
	"github.com/majin1102/lance/format"
	"github.com/majin1102/lance/index"
)

// StoreSource resolves committed snapshots straight from an object store,
// without caching or feature-flag gating.
type StoreSource struct {
	Store blobstore.ObjectStore
}

// NewStoreSource returns a manifest source over the given store.
func NewStoreSource(store blobstore.ObjectStore) *StoreSource {
	return &StoreSource{Store: store}
}

// Head loads the highest committed version.
func (s *StoreSource) Head(ctx context.Context) (*format.Manifest, *index.Catalog, error) {
	names, err := s.Store.List(ctx, format.VersionsDir+"/")
	if err != nil {
		return nil, nil, err
	}
	var head uint64
	for _, name := range names {
		base := strings.TrimPrefix(name, format.VersionsDir+"/")
		base = strings.TrimSuffix(base, ".manifest")
		v, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		if v > head {
			head = v
		}
	}
	return s.Load(ctx, head)
}

// Load decodes the version object of a specific version.
func (s *StoreSource) Load(ctx context.Context, version uint64) (*format.Manifest, *index.Catalog, error) {
	data, err := blobstore.ReadAll(ctx, s.Store, format.ManifestPath(version))
	if err != nil {
		return nil, nil, err
	}
	m, indices, err := format.DecodeVersionObject(data)
	if err != nil {
		return nil, nil, err
	}
	return m, index.NewCatalog(indices), nil
}

// Schema returns a two-column schema with assigned field ids.
func Schema() format.Schema {
	return format.Schema{
		{ID: 0, ParentID: format.UnassignedFieldID, Name: "id", LogicalType: "int64"},
		{ID: 1, ParentID: format.UnassignedFieldID, Name: "value", LogicalType: "string", Nullable: true},
	}
}

// Fragment returns an unregistered fragment with the given row count,
// covering both columns of Schema.
func Fragment(rows uint64) *format.Fragment {
	return &format.Fragment{
		PhysicalRows: rows,
		Files: []format.DataFile{{
			Path:             "data/file.lance",
			Fields:           []int32{0, 1},
			ColumnIndices:    []int32{0, 1},
			FileMajorVersion: 2,
		}},
	}
}

// SeedVersion publishes a manifest as a version object. Fails if the version
// already exists.
func SeedVersion(ctx context.Context, store blobstore.ObjectStore, m *format.Manifest, indices []*format.IndexMetadata) error {
	payload, err := format.EncodeVersionObject(m, indices)
	if err != nil {
		return err
	}
	return store.PutIfNotExists(ctx, format.ManifestPath(m.Version), payload)
}
