// Package scheduler dispatches build jobs while enforcing at-most-one build
// per (release, platform). Concurrent requests for the same build coalesce:
// the second caller waits for the first instead of starting a duplicate
// container. Across processes the same guarantee comes from a redis lease.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/divio/ac-wheelsproxy/pkg/catalog"
	"github.com/divio/ac-wheelsproxy/pkg/observability"
)

// BuildRunner is the part of the builder the scheduler drives.
type BuildRunner interface {
	BuildRelease(ctx context.Context, buildID int64) error
	BuildExternal(ctx context.Context, buildID int64) error
}

const (
	leaseTTL     = 30 * time.Minute
	pollInterval = 2 * time.Second
)

type inflight struct {
	done chan struct{}
	err  error
}

// Scheduler coalesces and dispatches builds.
type Scheduler struct {
	store       catalog.Store
	runner      BuildRunner
	invalidator catalog.Invalidator
	redis       *redis.Client
	logger      *observability.Logger
	metrics     *observability.Metrics

	mu   sync.Mutex
	jobs map[string]*inflight
}

// New assembles a scheduler. redis and invalidator may be nil (single node,
// no cache).
func New(store catalog.Store, runner BuildRunner, invalidator catalog.Invalidator, redisClient *redis.Client, logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		store:       store,
		runner:      runner,
		invalidator: invalidator,
		redis:       redisClient,
		logger:      logger,
		metrics:     metrics,
		jobs:        map[string]*inflight{},
	}
}

// ScheduleBuild builds the wheel for a catalog build row unless it is
// already built (and force is unset). It blocks until the build, possibly
// run by another caller, completes.
func (s *Scheduler) ScheduleBuild(ctx context.Context, buildID int64, force bool) error {
	build, err := s.store.GetBuild(ctx, buildID)
	if err != nil {
		return err
	}
	if build.IsBuilt() && !force {
		return nil
	}

	key := fmt.Sprintf("build:%d", buildID)
	return s.coalesce(ctx, key, func(ctx context.Context) error {
		// Re-check under the job slot: a concurrent run may have finished.
		build, err := s.store.GetBuild(ctx, buildID)
		if err != nil {
			return err
		}
		if build.IsBuilt() && !force {
			return nil
		}
		if err := s.runner.BuildRelease(ctx, buildID); err != nil {
			s.observeBuild(ctx, buildID, "failed")
			return err
		}
		s.observeBuild(ctx, buildID, "succeeded")
		s.invalidateBuild(ctx, buildID)
		return nil
	})
}

// ScheduleExternalBuild is ScheduleBuild for URL-requirement builds.
func (s *Scheduler) ScheduleExternalBuild(ctx context.Context, buildID int64, force bool) error {
	build, err := s.store.GetExternalBuild(ctx, buildID)
	if err != nil {
		return err
	}
	if build.IsBuilt() && !force {
		return nil
	}

	key := fmt.Sprintf("xbuild:%d", buildID)
	return s.coalesce(ctx, key, func(ctx context.Context) error {
		build, err := s.store.GetExternalBuild(ctx, buildID)
		if err != nil {
			return err
		}
		if build.IsBuilt() && !force {
			return nil
		}
		return s.runner.BuildExternal(ctx, buildID)
	})
}

// coalesce runs fn under the in-process job slot for key, joining an
// existing run when one is active and holding the cross-process lease while
// running.
func (s *Scheduler) coalesce(ctx context.Context, key string, fn func(context.Context) error) error {
	s.mu.Lock()
	if job, ok := s.jobs[key]; ok {
		s.mu.Unlock()
		select {
		case <-job.done:
			return job.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	job := &inflight{done: make(chan struct{})}
	s.jobs[key] = job
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.jobs, key)
		s.mu.Unlock()
		close(job.done)
	}()

	release, acquired, err := s.acquireLease(ctx, key)
	if err != nil {
		job.err = err
		return err
	}
	if !acquired {
		// Another process is building; wait for its lease to clear.
		job.err = s.waitForLease(ctx, key)
		return job.err
	}
	defer release()

	job.err = fn(ctx)
	return job.err
}

func (s *Scheduler) acquireLease(ctx context.Context, key string) (func(), bool, error) {
	if s.redis == nil {
		return func() {}, true, nil
	}
	leaseKey := "lease/" + key
	ok, err := s.redis.SetNX(ctx, leaseKey, 1, leaseTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire build lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.redis.Del(cleanup, leaseKey)
	}, true, nil
}

func (s *Scheduler) waitForLease(ctx context.Context, key string) error {
	leaseKey := "lease/" + key
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.redis.Exists(ctx, leaseKey).Result()
			if err != nil {
				return fmt.Errorf("failed to poll build lease: %w", err)
			}
			if n == 0 {
				return nil
			}
		}
	}
}

func (s *Scheduler) observeBuild(ctx context.Context, buildID int64, outcome string) {
	if s.metrics == nil {
		return
	}
	detail, err := s.store.GetBuildDetail(ctx, buildID)
	if err != nil {
		return
	}
	s.metrics.BuildsTotal.WithLabelValues(detail.Platform.Slug, outcome).Inc()
	if outcome == "succeeded" && detail.Build.BuildDuration > 0 {
		s.metrics.BuildDuration.WithLabelValues(detail.Platform.Slug).
			Observe(detail.Build.BuildDuration.Seconds())
	}
}

// invalidateBuild bumps the owning package's link page after a successful
// build so installers see the new wheel.
func (s *Scheduler) invalidateBuild(ctx context.Context, buildID int64) {
	if s.invalidator == nil {
		return
	}
	detail, err := s.store.GetBuildDetail(ctx, buildID)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to invalidate link page after build")
		return
	}
	s.invalidator.InvalidatePackage(ctx, detail.Index.Slug, detail.Package.Slug)
}
