// Package syncer keeps the local catalog in step with upstream indexes: full
// sweeps with bounded-concurrency fan-out for fresh indexes, change-log
// driven incremental updates afterwards.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/divio/ac-wheelsproxy/pkg/async"
	"github.com/divio/ac-wheelsproxy/pkg/catalog"
	"github.com/divio/ac-wheelsproxy/pkg/observability"
	"github.com/divio/ac-wheelsproxy/pkg/pypi"
	"github.com/divio/ac-wheelsproxy/pkg/upstream"
)

// Defaults for the initial sweep fan-out.
const (
	DefaultConcurrency = 30
	DefaultChunkSize   = 150
)

// ClientFactory builds the upstream client for an index. Tests substitute
// fakes here.
type ClientFactory func(index *catalog.Index) (upstream.Client, error)

// BatchResult is the outcome triple of one imported name chunk. Individual
// failures never abort a sweep; they are reported here instead.
type BatchResult struct {
	Succeeded map[string]int64
	Ignored   []string
	Failed    map[string]string
}

// Synchronizer drives upstream clients to replicate catalogs.
type Synchronizer struct {
	store       catalog.Store
	clients     ClientFactory
	logger      *observability.Logger
	metrics     *observability.Metrics
	concurrency int
	chunkSize   int
}

// Option mutates a Synchronizer during construction.
type Option func(*Synchronizer)

// WithConcurrency overrides the number of in-flight import batches.
func WithConcurrency(n int) Option {
	return func(s *Synchronizer) { s.concurrency = n }
}

// WithChunkSize overrides the number of packages per import batch.
func WithChunkSize(n int) Option {
	return func(s *Synchronizer) { s.chunkSize = n }
}

// WithMetrics attaches sync counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// New builds a synchronizer. A nil factory uses the real upstream clients.
func New(store catalog.Store, clients ClientFactory, logger *observability.Logger, opts ...Option) *Synchronizer {
	if clients == nil {
		clients = func(index *catalog.Index) (upstream.Client, error) {
			return upstream.New(index, upstream.Options{})
		}
	}
	s := &Synchronizer{
		store:       store,
		clients:     clients,
		logger:      logger,
		concurrency: DefaultConcurrency,
		chunkSize:   DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Synchronizer) count(indexSlug, outcome string, n int) {
	if s.metrics != nil {
		s.metrics.SyncedPackagesTotal.WithLabelValues(indexSlug, outcome).Add(float64(n))
	}
}

// Sync replicates one index: a full sweep when it has never been synced (or
// initial is forced), then the incremental drain either way.
func (s *Synchronizer) Sync(ctx context.Context, index *catalog.Index, initial bool) error {
	if index.LastUpdateSerial == nil || initial {
		if err := s.InitialSweep(ctx, index); err != nil {
			return err
		}
	}
	// Events may have arrived while the sweep ran; drain them too.
	return s.Incremental(ctx, index)
}

// InitialSweep enumerates the whole upstream catalog and imports it with a
// bounded worker pool, then deletes packages upstream no longer lists and
// records the serial observed at the start of the sweep.
func (s *Synchronizer) InitialSweep(ctx context.Context, index *catalog.Index) error {
	client, err := s.clients(index)
	if err != nil {
		return err
	}
	logger := s.logger.WithField("index", index.Slug)

	// Snapshot the serial first: everything that changes afterwards is
	// picked up by the incremental drain.
	startSerial, err := client.LastSerial(ctx)
	if err != nil {
		return fmt.Errorf("failed to read upstream serial: %w", err)
	}

	knownIDs := map[int64]bool{}
	ids, err := s.store.ListPackageIDs(ctx, index.ID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		knownIDs[id] = true
	}

	logger.Info("Fetching upstream package list")
	names, err := client.ListPackages(ctx)
	if err != nil {
		return fmt.Errorf("failed to list upstream packages: %w", err)
	}
	logger.Infof("Importing %d packages", len(names))

	chunks := async.Chunks(names, s.chunkSize)
	results := async.BoundedSubmit(ctx, s.concurrency, async.SliceArgs(chunks),
		func(ctx context.Context, chunk []string) BatchResult {
			return s.ImportPackages(ctx, index, client, chunk)
		})

	for batch := range results {
		for _, id := range batch.Succeeded {
			delete(knownIDs, id)
		}
		s.count(index.Slug, "succeeded", len(batch.Succeeded))
		s.count(index.Slug, "ignored", len(batch.Ignored))
		s.count(index.Slug, "failed", len(batch.Failed))
		for name, reason := range batch.Failed {
			logger.WithField("package", name).Warnf("Failed to import: %s", reason)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Whatever was not touched by the sweep no longer exists upstream.
	if len(knownIDs) > 0 {
		logger.Infof("Removing %d outdated packages", len(knownIDs))
		stale := make([]int64, 0, len(knownIDs))
		for id := range knownIDs {
			stale = append(stale, id)
		}
		if err := s.store.DeletePackagesByID(ctx, index.ID, stale); err != nil {
			return err
		}
	}

	if err := s.store.SetLastUpdateSerial(ctx, index.ID, startSerial); err != nil {
		return err
	}
	index.LastUpdateSerial = &startSerial
	if s.metrics != nil {
		s.metrics.SyncSerial.WithLabelValues(index.Slug).Set(float64(startSerial))
	}
	logger.Infof("Initial sweep complete at serial %d", startSerial)
	return nil
}

// ImportPackages imports one chunk of names, converting per-package errors
// into the result triple.
func (s *Synchronizer) ImportPackages(ctx context.Context, index *catalog.Index, client upstream.Client, names []string) BatchResult {
	result := BatchResult{
		Succeeded: map[string]int64{},
		Failed:    map[string]string{},
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			result.Failed[name] = err.Error()
			continue
		}
		id, imported, err := s.ImportPackage(ctx, index, client, name)
		switch {
		case err != nil:
			result.Failed[name] = err.Error()
		case imported:
			result.Succeeded[name] = id
		default:
			result.Ignored = append(result.Ignored, name)
		}
	}
	return result
}

// ImportPackage refreshes one package from upstream: it picks the best
// release per version and atomically replaces the stored set. It reports
// imported=false when the package has no acceptable release left (upstream
// 404 included); the caller deletes the local row in that case.
func (s *Synchronizer) ImportPackage(ctx context.Context, index *catalog.Index, client upstream.Client, name string) (int64, bool, error) {
	versions, err := client.GetPackageReleases(ctx, name)
	if errors.Is(err, upstream.ErrPackageNotFound) {
		s.logger.WithField("index", index.Slug).WithField("package", name).
			Debug("Package not found upstream")
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	var desired []catalog.ReleaseSpec
	for version, releases := range versions {
		best, ok := BestRelease(releases)
		if !ok {
			continue
		}
		desired = append(desired, catalog.ReleaseSpec{
			Version:   version,
			URL:       best.URL,
			MD5Digest: best.MD5Digest,
		})
	}
	if len(desired) == 0 {
		return 0, false, nil
	}

	pkg, err := s.store.UpsertPackage(ctx, index.ID, name)
	if err != nil {
		return 0, false, err
	}
	if err := s.store.ReplaceReleases(ctx, pkg.ID, desired); err != nil {
		return 0, false, err
	}
	return pkg.ID, true, nil
}

// BestRelease picks the canonical artifact for a version: the sdist when one
// exists, otherwise a universal wheel.
func BestRelease(releases []upstream.Release) (upstream.Release, bool) {
	for _, release := range releases {
		if release.Type == upstream.TypeSdist {
			return release, true
		}
	}
	for _, release := range releases {
		if release.Type == upstream.TypeWheel &&
			strings.HasSuffix(release.URL, "-py2.py3-none-any.whl") {
			return release, true
		}
	}
	return upstream.Release{}, false
}

// Incremental walks the upstream change log from the stored cursor,
// importing or deleting each named package, and persists the furthest serial
// when the traversal ends.
func (s *Synchronizer) Incremental(ctx context.Context, index *catalog.Index) error {
	client, err := s.clients(index)
	if err != nil {
		return err
	}
	logger := s.logger.WithField("index", index.Slug)

	var since int64
	if index.LastUpdateSerial != nil {
		since = *index.LastUpdateSerial
	}
	maxSerial := since

	iterErr := client.IterUpdates(ctx, since, func(name string, serial int64) error {
		if name != "" {
			_, imported, err := s.ImportPackage(ctx, index, client, name)
			if err != nil {
				return err
			}
			if !imported {
				// Nothing acceptable remained: drop the local package.
				if err := s.store.DeletePackage(ctx, index.ID, pypi.NormalizeName(name)); err != nil {
					return err
				}
				s.count(index.Slug, "deleted", 1)
			} else {
				s.count(index.Slug, "succeeded", 1)
			}
		}
		if serial > maxSerial {
			maxSerial = serial
		}
		return nil
	})

	// Persist whatever progress the traversal made, even on failure.
	if maxSerial > since {
		if err := s.store.SetLastUpdateSerial(ctx, index.ID, maxSerial); err != nil {
			return err
		}
		index.LastUpdateSerial = &maxSerial
		if s.metrics != nil {
			s.metrics.SyncSerial.WithLabelValues(index.Slug).Set(float64(maxSerial))
		}
	}
	if iterErr != nil {
		return iterErr
	}
	logger.Debugf("Incremental sync drained at serial %d", maxSerial)
	return nil
}
