package lance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/majin1102/lance/blobstore"
	"github.com/majin1102/lance/cache"
	"github.com/majin1102/lance/format"
	"github.com/majin1102/lance/index"
	"github.com/majin1102/lance/memwal"
	"github.com/majin1102/lance/txn"
)

// Dataset is one pinned, immutable snapshot of a versioned dataset plus the
// machinery to commit successors. Readers observe the pinned snapshot for
// their whole session regardless of concurrent commits; committing returns
// a new Dataset pinned at the produced version and leaves the receiver
// untouched.
type Dataset struct {
	store  blobstore.ObjectStore
	engine *txn.Engine
	source txn.ManifestSource

	manifest *format.Manifest
	catalog  *index.Catalog

	logger  *Logger
	metrics MetricsCollector
	opts    []Option
}

// Create initializes a fresh dataset at the store's root. Unassigned field
// ids in the schema are assigned here; the resulting version 1 manifest
// carries no fragments.
func Create(ctx context.Context, store blobstore.ObjectStore, schema format.Schema, optFns ...Option) (*Dataset, error) {
	if len(schema) == 0 {
		return nil, errors.New("lance: empty schema")
	}
	schema = schema.Clone()
	m := format.NewManifest(schema, nil)
	if err := format.AssignFieldIDs(m, m.Schema); err != nil {
		return nil, err
	}
	opts := applyOptions(optFns)
	if opts.enableStableRows {
		m.ReaderFeatureFlags |= format.FlagStableRowIDs
		m.WriterFeatureFlags |= format.FlagStableRowIDs
	}
	m.SetTimestamp(time.Now())

	payload, err := format.EncodeVersionObject(m, nil)
	if err != nil {
		return nil, err
	}
	if err := store.PutIfNotExists(ctx, format.ManifestPath(m.Version), payload); err != nil {
		if errors.Is(err, blobstore.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: version 1 already committed", ErrDatasetExists)
		}
		return nil, err
	}
	opts.logger.InfoContext(ctx, "created dataset", "fields", len(m.Schema))
	return newDataset(store, m, index.NewCatalog(nil), optFns), nil
}

// Open pins the dataset's head version.
func Open(ctx context.Context, store blobstore.ObjectStore, optFns ...Option) (*Dataset, error) {
	opts := applyOptions(optFns)
	source := &versionSource{store: store, cache: opts.versionCache}
	start := time.Now()
	m, catalog, err := source.Head(ctx)
	if err != nil {
		opts.metricsCollector.RecordCheckout(0, time.Since(start), err)
		return nil, translateError(err)
	}
	opts.metricsCollector.RecordCheckout(m.Version, time.Since(start), nil)
	opts.logger.LogCheckout(ctx, m.Version, nil)
	return newDataset(store, m, catalog, optFns), nil
}

// Checkout pins a specific committed version.
func Checkout(ctx context.Context, store blobstore.ObjectStore, version uint64, optFns ...Option) (*Dataset, error) {
	if format.IsDetachedVersion(version) {
		return nil, fmt.Errorf("%w: %#x", ErrDetachedVersion, version)
	}
	opts := applyOptions(optFns)
	source := &versionSource{store: store, cache: opts.versionCache}
	start := time.Now()
	m, catalog, err := source.Load(ctx, version)
	opts.metricsCollector.RecordCheckout(version, time.Since(start), err)
	if err != nil {
		opts.logger.LogCheckout(ctx, version, err)
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, &ErrVersionNotFound{Version: version, cause: err}
		}
		return nil, err
	}
	opts.logger.LogCheckout(ctx, version, nil)
	return newDataset(store, m, catalog, optFns), nil
}

// CheckoutTag pins the version a tag points at.
func CheckoutTag(ctx context.Context, store blobstore.ObjectStore, name string, optFns ...Option) (*Dataset, error) {
	version, err := resolveTag(ctx, store, name)
	if err != nil {
		return nil, err
	}
	return Checkout(ctx, store, version, optFns...)
}

func newDataset(store blobstore.ObjectStore, m *format.Manifest, catalog *index.Catalog, optFns []Option) *Dataset {
	opts := applyOptions(optFns)
	source := &versionSource{store: store, cache: opts.versionCache}
	engineOpts := []txn.Option{
		txn.WithLogger(opts.logger.Logger),
		txn.WithMetricsObserver(commitObserver{metrics: opts.metricsCollector}),
	}
	if opts.commitHandler != nil {
		engineOpts = append(engineOpts, txn.WithCommitHandler(opts.commitHandler))
	}
	if opts.maxRetries > 0 {
		engineOpts = append(engineOpts, txn.WithMaxRetries(opts.maxRetries))
	}
	return &Dataset{
		store:    store,
		engine:   txn.NewEngine(store, source, engineOpts...),
		source:   source,
		manifest: m,
		catalog:  catalog,
		logger:   opts.logger,
		metrics:  opts.metricsCollector,
		opts:     optFns,
	}
}

// Version returns the pinned version number.
func (d *Dataset) Version() uint64 { return d.manifest.Version }

// Schema returns the pinned schema.
func (d *Dataset) Schema() format.Schema { return d.manifest.Schema }

// Manifest returns the pinned manifest.
func (d *Dataset) Manifest() *format.Manifest { return d.manifest }

// NumRows returns the live row count of the pinned snapshot.
func (d *Dataset) NumRows() uint64 { return d.manifest.NumRows() }

// Config returns the pinned table configuration map.
func (d *Dataset) Config() map[string]string { return d.manifest.Config }

// Indices returns the user-visible index entries of the pinned snapshot,
// optionally filtered.
func (d *Dataset) Indices(crit index.Criteria) []*format.IndexMetadata {
	return d.catalog.Describe(crit)
}

// HeadVersion returns the latest committed version, which may be newer than
// the pinned one.
func (d *Dataset) HeadVersion(ctx context.Context) (uint64, error) {
	m, _, err := d.source.Head(ctx)
	if err != nil {
		return 0, translateError(err)
	}
	return m.Version, nil
}

// Commit proposes an operation against the pinned snapshot and returns a
// Dataset pinned at the committed version. The receiver stays valid and
// still observes the old snapshot.
func (d *Dataset) Commit(ctx context.Context, op txn.Operation) (*Dataset, error) {
	res, err := d.engine.Propose(ctx, d.manifest, d.catalog, op)
	if err != nil {
		d.logger.LogCommit(ctx, op.Kind().String(), d.manifest.Version, 0, err)
		return nil, err
	}
	d.logger.LogCommit(ctx, op.Kind().String(), res.Manifest.Version, res.Attempts, nil)
	next := newDataset(d.store, res.Manifest, res.Catalog, d.opts)
	return next, nil
}

// Append commits new fragments.
func (d *Dataset) Append(ctx context.Context, fragments []*format.Fragment) (*Dataset, error) {
	return d.Commit(ctx, &txn.Append{Fragments: fragments})
}

// Overwrite commits a wholesale schema and fragment replacement.
func (d *Dataset) Overwrite(ctx context.Context, schema format.Schema, fragments []*format.Fragment) (*Dataset, error) {
	return d.Commit(ctx, &txn.Overwrite{Schema: schema, Fragments: fragments})
}

// UpdateConfig commits table configuration changes.
func (d *Dataset) UpdateConfig(ctx context.Context, upsert map[string]string, deleteKeys ...string) (*Dataset, error) {
	return d.Commit(ctx, &txn.UpdateConfig{Upsert: upsert, DeleteKeys: deleteKeys})
}

// MemWal returns a MemWAL engine committing through this dataset's store as
// the given writer identity.
func (d *Dataset) MemWal(owner string) *memwal.Engine {
	return memwal.NewEngine(d.engine, d.source, owner, memwal.WithLogger(d.logger.Logger))
}

// versionSource resolves committed snapshots from the object store and
// gates them on the reader feature flags. Decoded snapshots may be served
// from a shared cache; committed versions are immutable, so cached entries
// never go stale.
type versionSource struct {
	store blobstore.ObjectStore
	cache *cache.VersionCache
}

// versionSnapshot is the cached decode of one version object.
type versionSnapshot struct {
	manifest *format.Manifest
	catalog  *index.Catalog
}

func (s *versionSource) Head(ctx context.Context) (*format.Manifest, *index.Catalog, error) {
	names, err := s.store.List(ctx, format.VersionsDir+"/")
	if err != nil {
		return nil, nil, err
	}
	var head uint64
	for _, name := range names {
		base := strings.TrimPrefix(name, format.VersionsDir+"/")
		version, ok := strings.CutSuffix(base, ".manifest")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(version, 10, 64)
		if err != nil || format.IsDetachedVersion(v) {
			continue
		}
		if v > head {
			head = v
		}
	}
	if head == 0 {
		return nil, nil, fmt.Errorf("%w: no versions committed", blobstore.ErrNotFound)
	}
	return s.Load(ctx, head)
}

func (s *versionSource) Load(ctx context.Context, version uint64) (*format.Manifest, *index.Catalog, error) {
	if s.cache != nil {
		if snap, ok := s.cache.Get(version); ok {
			vs := snap.Value.(versionSnapshot)
			return vs.manifest, vs.catalog, nil
		}
	}
	data, err := blobstore.ReadAll(ctx, s.store, format.ManifestPath(version))
	if err != nil {
		return nil, nil, err
	}
	m, indices, err := format.DecodeVersionObject(data)
	if err != nil {
		return nil, nil, err
	}
	if err := format.CheckReaderFlags(m.ReaderFeatureFlags); err != nil {
		return nil, nil, err
	}
	catalog := index.NewCatalog(indices)
	if s.cache != nil {
		s.cache.Put(&cache.Snapshot{
			Version: version,
			Size:    int64(len(data)),
			Value:   versionSnapshot{manifest: m, catalog: catalog},
		})
	}
	return m, catalog, nil
}
