package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divio/ac-wheelsproxy/pkg/catalog"
	"github.com/divio/ac-wheelsproxy/pkg/observability"
)

// slowRunner marks builds as built after a short delay, counting its calls.
type slowRunner struct {
	store    catalog.Store
	delay    time.Duration
	fail     bool
	releases int32
	external int32
}

func (r *slowRunner) BuildRelease(ctx context.Context, buildID int64) error {
	atomic.AddInt32(&r.releases, 1)
	time.Sleep(r.delay)
	if r.fail {
		if err := r.store.SaveBuildResult(ctx, buildID, &catalog.BuildResult{BuildLog: "boom"}); err != nil {
			return err
		}
		return errors.New("build failed")
	}
	return r.store.SaveBuildResult(ctx, buildID, &catalog.BuildResult{
		Artifact:      "pypi/linux/dist-a/1.0/dist_a.whl",
		BuildDuration: time.Second,
	})
}

func (r *slowRunner) BuildExternal(ctx context.Context, buildID int64) error {
	atomic.AddInt32(&r.external, 1)
	time.Sleep(r.delay)
	return r.store.SaveExternalBuildResult(ctx, buildID, &catalog.BuildResult{
		Artifact: "__external__/linux/abc/pkg.whl",
	})
}

type recordingInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingInvalidator) InvalidatePackage(_ context.Context, indexSlug, packageSlug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, indexSlug+"/"+packageSlug)
}

func fixture(t *testing.T, runner *slowRunner) (*Scheduler, catalog.Store, *catalog.Build, *recordingInvalidator) {
	t.Helper()
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	runner.store = store

	index := &catalog.Index{Slug: "pypi", URL: "https://pypi.org/pypi", Backend: catalog.BackendPyPI}
	require.NoError(t, store.CreateIndex(ctx, index))
	platform := &catalog.Platform{Slug: "linux", Type: catalog.PlatformDocker, Spec: catalog.PlatformSpec{Image: "python:3.8"}}
	require.NoError(t, store.CreatePlatform(ctx, platform))
	pkg, err := store.UpsertPackage(ctx, index.ID, "dist-a")
	require.NoError(t, err)
	require.NoError(t, store.ReplaceReleases(ctx, pkg.ID, []catalog.ReleaseSpec{
		{Version: "1.0", URL: "https://files/dist-a-1.0.tar.gz"},
	}))
	release, err := store.GetRelease(ctx, pkg.ID, "1.0")
	require.NoError(t, err)
	build, err := store.GetOrCreateBuild(ctx, release.ID, platform.ID)
	require.NoError(t, err)

	inv := &recordingInvalidator{}
	logger := observability.NewLogger(observability.ErrorLevel, nil)
	return New(store, runner, inv, nil, logger, nil), store, build, inv
}

func TestScheduleBuildRunsOnce(t *testing.T) {
	runner := &slowRunner{}
	s, store, build, inv := fixture(t, runner)

	require.NoError(t, s.ScheduleBuild(context.Background(), build.ID, false))

	got, err := store.GetBuild(context.Background(), build.ID)
	require.NoError(t, err)
	assert.True(t, got.IsBuilt())
	assert.Equal(t, int32(1), atomic.LoadInt32(&runner.releases))
	assert.Contains(t, inv.keys, "pypi/dist-a")

	// Already built: no-op without force.
	require.NoError(t, s.ScheduleBuild(context.Background(), build.ID, false))
	assert.Equal(t, int32(1), atomic.LoadInt32(&runner.releases))

	// Force rebuilds.
	require.NoError(t, s.ScheduleBuild(context.Background(), build.ID, true))
	assert.Equal(t, int32(2), atomic.LoadInt32(&runner.releases))
}

func TestConcurrentRequestsCoalesce(t *testing.T) {
	runner := &slowRunner{delay: 50 * time.Millisecond}
	s, _, build, _ := fixture(t, runner)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.ScheduleBuild(context.Background(), build.ID, false)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	// Only one container ran; the other nine callers waited on it.
	assert.Equal(t, int32(1), atomic.LoadInt32(&runner.releases))
}

func TestFailedBuildStaysUnbuilt(t *testing.T) {
	runner := &slowRunner{fail: true}
	s, store, build, inv := fixture(t, runner)

	// The runner persists the log but no artifact; the failure propagates
	// and no link page invalidation happens.
	err := s.ScheduleBuild(context.Background(), build.ID, false)
	assert.Error(t, err)

	got, err := store.GetBuild(context.Background(), build.ID)
	require.NoError(t, err)
	assert.False(t, got.IsBuilt())
	assert.Equal(t, "boom", got.BuildLog)
	assert.Empty(t, inv.keys)
}

func TestScheduleExternalBuild(t *testing.T) {
	runner := &slowRunner{}
	s, store, _, _ := fixture(t, runner)

	external, err := store.GetOrCreateExternalBuild(context.Background(),
		"https://ex/pkg-1.2.tar.gz#egg=pkg==1.2", 2)
	require.NoError(t, err)

	require.NoError(t, s.ScheduleExternalBuild(context.Background(), external.ID, false))
	got, err := store.GetExternalBuild(context.Background(), external.ID)
	require.NoError(t, err)
	assert.True(t, got.IsBuilt())

	require.NoError(t, s.ScheduleExternalBuild(context.Background(), external.ID, false))
	assert.Equal(t, int32(1), atomic.LoadInt32(&runner.external))
}

func TestScheduleBuildPropagatesRunnerError(t *testing.T) {
	s, _, build, _ := fixture(t, &slowRunner{})
	s.runner = failingRunner{}

	err := s.ScheduleBuild(context.Background(), build.ID, false)
	assert.Error(t, err)
}

type failingRunner struct{}

func (failingRunner) BuildRelease(context.Context, int64) error {
	return errors.New("container exploded")
}

func (failingRunner) BuildExternal(context.Context, int64) error {
	return errors.New("container exploded")
}
