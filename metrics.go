package lance

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    commitCounter   prometheus.Counter
//	    commitHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordCommit(op string, attempts int, duration time.Duration, err error) {
//	    p.commitCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordCommit is called after each commit attempt, successful or
	// not. op names the operation kind, attempts counts publish tries.
	RecordCommit(op string, attempts int, duration time.Duration, err error)

	// RecordConflict is called when a commit loses the publish race and
	// the engine evaluates the committed operation against it.
	RecordConflict(op, committed string)

	// RecordCheckout is called after each snapshot load.
	RecordCheckout(version uint64, duration time.Duration, err error)

	// RecordCleanup is called after each cleanup sweep with the number of
	// objects removed.
	RecordCleanup(removed int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordCommit(string, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordConflict(string, string)                  {}
func (NoopMetricsCollector) RecordCheckout(uint64, time.Duration, error)    {}
func (NoopMetricsCollector) RecordCleanup(int, time.Duration, error)        {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	CommitCount      atomic.Int64
	CommitErrors     atomic.Int64
	CommitRetries    atomic.Int64
	CommitTotalNanos atomic.Int64
	ConflictCount    atomic.Int64
	CheckoutCount    atomic.Int64
	CheckoutErrors   atomic.Int64
	CleanupCount     atomic.Int64
	CleanupRemoved   atomic.Int64
}

// RecordCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommit(op string, attempts int, duration time.Duration, err error) {
	b.CommitCount.Add(1)
	b.CommitTotalNanos.Add(duration.Nanoseconds())
	if attempts > 1 {
		b.CommitRetries.Add(int64(attempts - 1))
	}
	if err != nil {
		b.CommitErrors.Add(1)
	}
}

// RecordConflict implements MetricsCollector.
func (b *BasicMetricsCollector) RecordConflict(op, committed string) {
	b.ConflictCount.Add(1)
}

// RecordCheckout implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCheckout(version uint64, duration time.Duration, err error) {
	b.CheckoutCount.Add(1)
	if err != nil {
		b.CheckoutErrors.Add(1)
	}
}

// RecordCleanup implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCleanup(removed int, duration time.Duration, err error) {
	b.CleanupCount.Add(1)
	b.CleanupRemoved.Add(int64(removed))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		CommitCount:    b.CommitCount.Load(),
		CommitErrors:   b.CommitErrors.Load(),
		CommitRetries:  b.CommitRetries.Load(),
		CommitAvgNanos: b.getAvgCommitNanos(),
		ConflictCount:  b.ConflictCount.Load(),
		CheckoutCount:  b.CheckoutCount.Load(),
		CheckoutErrors: b.CheckoutErrors.Load(),
		CleanupCount:   b.CleanupCount.Load(),
		CleanupRemoved: b.CleanupRemoved.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgCommitNanos() int64 {
	count := b.CommitCount.Load()
	if count == 0 {
		return 0
	}
	return b.CommitTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	CommitCount    int64
	CommitErrors   int64
	CommitRetries  int64
	CommitAvgNanos int64
	ConflictCount  int64
	CheckoutCount  int64
	CheckoutErrors int64
	CleanupCount   int64
	CleanupRemoved int64
}

// commitObserver adapts a MetricsCollector to the transaction engine's
// observer interface.
type commitObserver struct {
	metrics MetricsCollector
}

func (o commitObserver) OnCommit(duration time.Duration, kind string, attempts int, err error) {
	o.metrics.RecordCommit(kind, attempts, duration, err)
}

func (o commitObserver) OnConflict(kind string, committedKind string) {
	o.metrics.RecordConflict(kind, committedKind)
}
