// Package memwal manages the dataset's mem-table + write-ahead-log
// records: an upsert acceleration structure committed through the same
// version chain as every other mutation.
//
// Each region has at most one OPEN generation accepting writes. Sealing a
// full generation and opening its successor happens in a single commit, as
// does marking a sealed generation FLUSHED together with the fragments its
// flush produced. Ownership is an optimistic lock: a writer claims a region
// by overwriting the owner token, and every later mutation by a competitor
// holding the old token fails.
package memwal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/majin1102/lance/format"
	"github.com/majin1102/lance/index"
	"github.com/majin1102/lance/txn"
)

var (
	// ErrNoOpenGeneration reports a region without an OPEN generation.
	ErrNoOpenGeneration = errors.New("memwal: no open generation")
	// ErrRegionOpen reports an Open call for a region that already has an
	// OPEN generation.
	ErrRegionOpen = errors.New("memwal: region already open")
	// ErrSeqExhausted reports an entry append that kept losing the race
	// for a sequence id past its retry budget.
	ErrSeqExhausted = errors.New("memwal: sequence allocation retries exhausted")
)

// DefaultSeqRetries bounds the sequence-id allocation loop.
const DefaultSeqRetries = 8

// Engine drives the MemWAL lifecycle for one writer identity.
type Engine struct {
	commits *txn.Engine
	source  txn.ManifestSource
	owner   string

	seqRetries int
	logger     *slog.Logger
}

// Option defines a configuration option for the Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithSeqRetries bounds the sequence allocation loop.
func WithSeqRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.seqRetries = n
		}
	}
}

// NewEngine returns a MemWAL engine committing as owner.
func NewEngine(commits *txn.Engine, source txn.ManifestSource, owner string, opts ...Option) *Engine {
	e := &Engine{
		commits:    commits,
		source:     source,
		owner:      owner,
		seqRetries: DefaultSeqRetries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Records returns every MemWAL record at the current head.
func (e *Engine) Records(ctx context.Context) ([]format.MemWal, error) {
	_, catalog, err := e.source.Head(ctx)
	if err != nil {
		return nil, err
	}
	records := catalog.MemWals()
	out := make([]format.MemWal, 0, len(records))
	for i := range records {
		out = append(out, *records[i].Clone())
	}
	return out, nil
}

// Open creates generation 0 of a new region, OPEN and owned by this
// engine's writer.
func (e *Engine) Open(ctx context.Context, region, memTableLocation, walLocation string) (format.MemWalId, error) {
	head, catalog, err := e.source.Head(ctx)
	if err != nil {
		return format.MemWalId{}, err
	}
	next := format.MemWalId{Region: region}
	for _, w := range catalog.MemWals() {
		if w.ID.Region != region {
			continue
		}
		if w.State == format.MemWalOpen {
			return format.MemWalId{}, fmt.Errorf("%w: %s", ErrRegionOpen, w.ID)
		}
		if w.ID.Generation >= next.Generation {
			next.Generation = w.ID.Generation + 1
		}
	}
	op := &txn.UpdateMemWal{
		Added: []format.MemWal{{
			ID:               next,
			MemTableLocation: memTableLocation,
			WalLocation:      walLocation,
			State:            format.MemWalOpen,
			OwnerID:          e.owner,
		}},
	}
	if _, err := e.commits.Propose(ctx, head, catalog, op); err != nil {
		return format.MemWalId{}, err
	}
	e.logger.Debug("opened memwal", slog.String("id", next.String()))
	return next, nil
}

// Claim takes ownership of every live generation of a region. Called at
// replay start; after the claim commits, writers holding the old token
// fail their next mutation.
func (e *Engine) Claim(ctx context.Context, region string) error {
	head, catalog, err := e.source.Head(ctx)
	if err != nil {
		return err
	}
	op := &txn.UpdateMemWal{}
	for _, w := range catalog.MemWals() {
		if w.ID.Region != region || w.State == format.MemWalFlushed {
			continue
		}
		claimed := *w.Clone()
		claimed.OwnerID = e.owner
		op.Updated = append(op.Updated, claimed)
	}
	if len(op.Updated) == 0 {
		return fmt.Errorf("%w: region %q", txn.ErrMemWalNotFound, region)
	}
	_, err = e.commits.Propose(ctx, head, catalog, op)
	return err
}

// AppendEntry allocates the next WAL sequence id for the region's open
// generation. Writers race for last+1; a loser skips to the next candidate
// and tries again, leaving a permanent hole at the id the winner consumed.
// Replay treats a hole as an entry that never existed.
func (e *Engine) AppendEntry(ctx context.Context, region string) (uint64, error) {
	var candidate uint64
	for attempt := 0; attempt < e.seqRetries; attempt++ {
		head, catalog, err := e.source.Head(ctx)
		if err != nil {
			return 0, err
		}
		w, err := openGeneration(catalog, region)
		if err != nil {
			return 0, err
		}
		if w.OwnerID != e.owner {
			return 0, fmt.Errorf("%w: %s held by %q", txn.ErrNotOwner, w.ID, w.OwnerID)
		}

		next := w.Clone()
		if last, ok := next.LastSeq(); ok && last+1 > candidate {
			candidate = last + 1
		}
		next.AddSeq(candidate)

		op := &txn.UpdateMemWal{Updated: []format.MemWal{*next}, ExpectedOwner: e.owner}
		if _, err := e.commits.Propose(ctx, head, catalog, op); err != nil {
			if errors.Is(err, txn.ErrConcurrentModification) {
				// The id may have been taken; never reuse the candidate.
				candidate++
				continue
			}
			return 0, err
		}
		return candidate, nil
	}
	return 0, fmt.Errorf("%w: region %q after %d attempts", ErrSeqExhausted, region, e.seqRetries)
}

// Seal marks the region's open generation SEALED and opens its successor
// in the same commit. No committed version ever exposes zero or two open
// generations for the region.
func (e *Engine) Seal(ctx context.Context, region, memTableLocation, walLocation string) (format.MemWalId, error) {
	head, catalog, err := e.source.Head(ctx)
	if err != nil {
		return format.MemWalId{}, err
	}
	w, err := openGeneration(catalog, region)
	if err != nil {
		return format.MemWalId{}, err
	}
	sealed := *w.Clone()
	sealed.State = format.MemWalSealed
	successor := format.MemWal{
		ID:               format.MemWalId{Region: region, Generation: w.ID.Generation + 1},
		MemTableLocation: memTableLocation,
		WalLocation:      walLocation,
		State:            format.MemWalOpen,
		OwnerID:          e.owner,
	}
	op := &txn.UpdateMemWal{
		Updated:       []format.MemWal{sealed},
		Added:         []format.MemWal{successor},
		ExpectedOwner: e.owner,
	}
	if _, err := e.commits.Propose(ctx, head, catalog, op); err != nil {
		return format.MemWalId{}, err
	}
	e.logger.Debug("sealed memwal",
		slog.String("sealed", sealed.ID.String()),
		slog.String("opened", successor.ID.String()))
	return successor.ID, nil
}

// Flush commits the fragments produced by flushing a sealed generation and
// marks the generation FLUSHED in the same version.
func (e *Engine) Flush(ctx context.Context, id format.MemWalId, fragments []*format.Fragment) (*txn.Result, error) {
	head, catalog, err := e.source.Head(ctx)
	if err != nil {
		return nil, err
	}
	w := lookup(catalog, id)
	if w == nil {
		return nil, fmt.Errorf("%w: %s", txn.ErrMemWalNotFound, id)
	}
	if w.State != format.MemWalSealed {
		return nil, fmt.Errorf("memwal: flush of %s in state %s", id, w.State)
	}
	flushed := *w.Clone()
	flushed.State = format.MemWalFlushed
	op := &txn.UpdateMemWal{
		Updated:       []format.MemWal{flushed},
		NewFragments:  fragments,
		ExpectedOwner: e.owner,
	}
	return e.commits.Propose(ctx, head, catalog, op)
}

// Drop removes a FLUSHED record. Called by cleanup once the flushed rows
// are readable from the main table.
func (e *Engine) Drop(ctx context.Context, id format.MemWalId) error {
	head, catalog, err := e.source.Head(ctx)
	if err != nil {
		return err
	}
	op := &txn.UpdateMemWal{Removed: []format.MemWalId{id}, ExpectedOwner: e.owner}
	_, err = e.commits.Propose(ctx, head, catalog, op)
	return err
}

func openGeneration(catalog *index.Catalog, region string) (*format.MemWal, error) {
	records := catalog.MemWals()
	for i := range records {
		if records[i].ID.Region == region && records[i].State == format.MemWalOpen {
			return &records[i], nil
		}
	}
	return nil, fmt.Errorf("%w: region %q", ErrNoOpenGeneration, region)
}

func lookup(catalog *index.Catalog, id format.MemWalId) *format.MemWal {
	records := catalog.MemWals()
	for i := range records {
		if records[i].ID == id {
			return &records[i]
		}
	}
	return nil
}
