package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/majin1102/lance/blobstore"
	"github.com/majin1102/lance/format"
	"github.com/majin1102/lance/index"
)

// DefaultMaxRetries bounds the rebase loop. Exceeding it surfaces
// ErrRetriesExhausted rather than spinning against a hot head.
const DefaultMaxRetries = 20

// CommitHandler publishes the manifest for a version atomically: exactly one
// writer per version number succeeds, the rest get
// blobstore.ErrAlreadyExists. Stores with a native conditional put use
// ConditionalPutHandler; stores without one inject an external commit lock
// (see the blobstore/s3 DynamoDB committer).
type CommitHandler interface {
	Publish(ctx context.Context, version uint64, path string, payload []byte) error
}

// ConditionalPutHandler publishes through the store's PutIfNotExists.
type ConditionalPutHandler struct {
	Store blobstore.ObjectStore
}

func (h ConditionalPutHandler) Publish(ctx context.Context, version uint64, path string, payload []byte) error {
	return h.Store.PutIfNotExists(ctx, path, payload)
}

// ManifestSource loads committed snapshots. The engine uses it to reload the
// head after losing a publish race.
type ManifestSource interface {
	Head(ctx context.Context) (*format.Manifest, *index.Catalog, error)
	Load(ctx context.Context, version uint64) (*format.Manifest, *index.Catalog, error)
}

// MetricsObserver defines the interface for observing commit events.
type MetricsObserver interface {
	// OnCommit is called when a commit attempt finishes, successful or
	// not.
	OnCommit(duration time.Duration, kind string, attempts int, err error)

	// OnConflict is called when a publish loses the race and the engine
	// evaluates a rebase.
	OnConflict(kind string, committedKind string)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (o *NoopMetricsObserver) OnCommit(duration time.Duration, kind string, attempts int, err error) {
}
func (o *NoopMetricsObserver) OnConflict(kind string, committedKind string) {}

// Engine builds successor manifests and races them onto the version chain.
type Engine struct {
	store   blobstore.ObjectStore
	source  ManifestSource
	handler CommitHandler

	maxRetries int
	logger     *slog.Logger
	metrics    MetricsObserver
}

// Option defines a configuration option for the Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithCommitHandler overrides the publish primitive. Use for stores whose
// put is not conditional.
func WithCommitHandler(h CommitHandler) Option {
	return func(e *Engine) {
		if h != nil {
			e.handler = h
		}
	}
}

// WithMaxRetries bounds the rebase loop.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithMetricsObserver sets the metrics observer for the engine.
func WithMetricsObserver(observer MetricsObserver) Option {
	return func(e *Engine) {
		e.metrics = observer
	}
}

// NewEngine returns a transaction engine over the dataset's store.
func NewEngine(store blobstore.ObjectStore, source ManifestSource, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		source:     source,
		handler:    ConditionalPutHandler{Store: store},
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default(),
		metrics:    &NoopMetricsObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is a successful commit.
type Result struct {
	Manifest *format.Manifest
	Catalog  *index.Catalog
	// Attempts counts publish attempts, 1 when no rebase was needed.
	Attempts int
}

// Propose applies op to the base snapshot and publishes the successor
// version. On losing the publish race it reloads the head, verifies every
// interleaved commit against the conflict table, and rebases; unsafe
// interleavings fail with ErrConcurrentModification, and a head that keeps
// moving past the retry budget fails with ErrRetriesExhausted.
//
// Nothing is visible to other writers until the publish succeeds; a caller
// abandoning a proposal before that leaves only an unreferenced transaction
// record, swept by cleanup.
func (e *Engine) Propose(ctx context.Context, base *format.Manifest, catalog *index.Catalog, op Operation) (*Result, error) {
	start := time.Now()
	res, err := e.propose(ctx, base, catalog, op)
	attempts := 0
	if res != nil {
		attempts = res.Attempts
	}
	e.metrics.OnCommit(time.Since(start), op.Kind().String(), attempts, err)
	return res, err
}

func (e *Engine) propose(ctx context.Context, base *format.Manifest, catalog *index.Catalog, op Operation) (*Result, error) {
	if err := format.CheckWriterFlags(base.WriterFeatureFlags); err != nil {
		return nil, err
	}
	if catalog == nil {
		catalog = index.NewCatalog(nil)
	}

	record := NewTransaction(base.Version, op)
	recordBytes, err := record.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	if err := e.store.Put(ctx, record.Path(), recordBytes); err != nil {
		return nil, fmt.Errorf("write transaction record: %w", err)
	}

	cur, curCatalog := base, catalog
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next := format.NewManifestFromPrevious(cur, cur.Schema.Clone(), append([]*format.Fragment(nil), cur.Fragments...))
		nextCatalog := curCatalog.Clone()
		if err := op.Apply(next, nextCatalog); err != nil {
			return nil, err
		}
		next.TransactionFile = record.Path()
		next.SetTimestamp(time.Now())
		if err := next.Validate(); err != nil {
			return nil, fmt.Errorf("proposed manifest: %w", err)
		}
		if err := nextCatalog.Validate(); err != nil {
			return nil, fmt.Errorf("proposed catalog: %w", err)
		}

		payload, err := format.EncodeVersionObject(next, nextCatalog.Entries())
		if err != nil {
			return nil, err
		}
		err = e.handler.Publish(ctx, next.Version, format.ManifestPath(next.Version), payload)
		if err == nil {
			e.logger.Debug("committed version",
				slog.Uint64("version", next.Version),
				slog.String("operation", op.Kind().String()),
				slog.Int("attempts", attempt))
			return &Result{Manifest: next, Catalog: nextCatalog, Attempts: attempt}, nil
		}
		if !errors.Is(err, blobstore.ErrAlreadyExists) {
			return nil, fmt.Errorf("publish version %d: %w", next.Version, err)
		}

		head, headCatalog, err := e.rebase(ctx, op, cur.Version)
		if err != nil {
			return nil, err
		}
		e.logger.Debug("publish lost race, rebasing",
			slog.Uint64("read_version", cur.Version),
			slog.Uint64("head_version", head.Version),
			slog.String("operation", op.Kind().String()))
		cur, curCatalog = head, headCatalog
	}
	return nil, fmt.Errorf("operation %s after %d attempts: %w", op.Kind(), e.maxRetries, ErrRetriesExhausted)
}

// rebase reloads the head and checks every commit that landed after
// sinceVersion against the conflict table.
func (e *Engine) rebase(ctx context.Context, op Operation, sinceVersion uint64) (*format.Manifest, *index.Catalog, error) {
	head, headCatalog, err := e.source.Head(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("reload head: %w", err)
	}
	for v := sinceVersion + 1; v <= head.Version; v++ {
		var m *format.Manifest
		if v == head.Version {
			m = head
		} else {
			m, _, err = e.source.Load(ctx, v)
			if err != nil {
				return nil, nil, fmt.Errorf("load interleaved version %d: %w", v, err)
			}
		}
		committed, err := e.committedOperation(ctx, m)
		if err != nil {
			return nil, nil, err
		}
		if committed == nil {
			// No transaction record survives; assume the worst.
			return nil, nil, &ConflictError{Op: op.Kind(), Committed: 0, Version: v}
		}
		if Conflicts(op, committed) {
			e.metrics.OnConflict(op.Kind().String(), committed.Kind().String())
			return nil, nil, &ConflictError{Op: op.Kind(), Committed: committed.Kind(), Version: v}
		}
	}
	return head, headCatalog, nil
}

func (e *Engine) committedOperation(ctx context.Context, m *format.Manifest) (Operation, error) {
	if m.TransactionFile == "" {
		return nil, nil
	}
	data, err := blobstore.ReadAll(ctx, e.store, m.TransactionFile)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transaction record %s: %w", m.TransactionFile, err)
	}
	record, err := UnmarshalTransaction(data)
	if err != nil {
		return nil, err
	}
	return record.Operation, nil
}
