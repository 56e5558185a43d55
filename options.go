package lance

import (
	"log/slog"

	"github.com/majin1102/lance/cache"
	"github.com/majin1102/lance/txn"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	commitHandler    txn.CommitHandler
	maxRetries       int
	enableStableRows bool
	versionCache     *cache.VersionCache
}

// Option configures dataset open/create behavior.
type Option func(*options)

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := lance.NewJSONLogger(slog.LevelInfo)
//	ds, _ := lance.Open(ctx, store, lance.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &lance.BasicMetricsCollector{}
//	ds, _ := lance.Open(ctx, store, lance.WithMetricsCollector(metrics))
//	// ... use ds ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithCommitHandler overrides the commit publish primitive. Use for object
// stores without an atomic conditional put, injecting an external commit
// lock instead.
//
// Example with the DynamoDB committer:
//
//	committer := s3.NewDDBCommitter(store, ddbClient, "commits", root)
//	ds, _ := lance.Open(ctx, store, lance.WithCommitHandler(committer))
func WithCommitHandler(h txn.CommitHandler) Option {
	return func(o *options) {
		o.commitHandler = h
	}
}

// WithMaxCommitRetries bounds the optimistic rebase loop per commit.
func WithMaxCommitRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithVersionCache caches decoded version snapshots, bounded by their
// encoded size in bytes. Committed versions are immutable, so entries never
// go stale. Share one cache across handles of the same dataset.
//
//	vc := cache.NewVersionCache(64 << 20)
//	ds, _ := lance.Open(ctx, store, lance.WithVersionCache(vc))
func WithVersionCache(vc *cache.VersionCache) Option {
	return func(o *options) {
		o.versionCache = vc
	}
}

// WithStableRowIDs enables the stable row-id feature on dataset creation:
// every row gets a dataset-wide id that survives compaction. Effective on
// Create only; opening an existing dataset follows its committed flags.
func WithStableRowIDs() Option {
	return func(o *options) {
		o.enableStableRows = true
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
