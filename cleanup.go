package lance

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/majin1102/lance/format"
)

// cleanupConcurrency bounds parallel deletes against the store.
const cleanupConcurrency = 8

// Cleanup removes objects no retained version references: manifests older
// than keepAfter (tagged versions are always retained), transaction records
// of removed or abandoned commits, and deletion or row-id files only removed
// versions point at. Returns the number of objects deleted.
//
// Readers pinned at a removed version will fail; callers pick keepAfter
// accordingly.
func (d *Dataset) Cleanup(ctx context.Context, keepAfter uint64) (int, error) {
	start := time.Now()
	removed, err := d.cleanup(ctx, keepAfter)
	d.metrics.RecordCleanup(removed, time.Since(start), err)
	d.logger.LogCleanup(ctx, removed, err)
	return removed, err
}

func (d *Dataset) cleanup(ctx context.Context, keepAfter uint64) (int, error) {
	versions, err := d.listVersions(ctx)
	if err != nil {
		return 0, err
	}
	tagged := make(map[uint64]struct{})
	tags, err := d.Tags(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range tags {
		tagged[t.Version] = struct{}{}
	}

	retained := make([]uint64, 0, len(versions))
	var drop []uint64
	for _, v := range versions {
		if _, isTagged := tagged[v]; v >= keepAfter || isTagged {
			retained = append(retained, v)
		} else {
			drop = append(drop, v)
		}
	}
	if len(retained) == 0 {
		return 0, nil
	}

	// Everything a retained version references survives the sweep.
	referenced := make(map[string]struct{})
	for _, v := range retained {
		m, _, err := d.source.Load(ctx, v)
		if err != nil {
			return 0, err
		}
		if m.TransactionFile != "" {
			referenced[m.TransactionFile] = struct{}{}
		}
		for _, f := range m.Fragments {
			if f.DeletionFile != nil {
				referenced[f.DeletionFile.Path(f.ID)] = struct{}{}
			}
			if f.RowIdMeta != nil && f.RowIdMeta.External != nil {
				referenced[f.RowIdMeta.External.Path] = struct{}{}
			}
		}
	}

	var targets []string
	for _, v := range drop {
		targets = append(targets, format.ManifestPath(v))
	}
	for _, dir := range []string{format.TransactionsDir, format.DeletionsDir, format.RowIDsDir} {
		names, err := d.store.List(ctx, dir+"/")
		if err != nil {
			return 0, err
		}
		for _, name := range names {
			if _, keep := referenced[name]; !keep {
				targets = append(targets, name)
			}
		}
	}

	var removed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cleanupConcurrency)
	for _, name := range targets {
		name := name
		g.Go(func() error {
			if err := d.store.Delete(gctx, name); err != nil {
				return err
			}
			removed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(removed.Load()), err
	}
	return int(removed.Load()), nil
}

func (d *Dataset) listVersions(ctx context.Context) ([]uint64, error) {
	names, err := d.store.List(ctx, format.VersionsDir+"/")
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(names))
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
		out = append(out, v)
	}
	return out, nil
}
