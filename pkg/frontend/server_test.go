package frontend

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divio/ac-wheelsproxy/pkg/artifacts"
	"github.com/divio/ac-wheelsproxy/pkg/catalog"
	"github.com/divio/ac-wheelsproxy/pkg/linkcache"
	"github.com/divio/ac-wheelsproxy/pkg/observability"
	"github.com/divio/ac-wheelsproxy/pkg/pypi"
	"github.com/divio/ac-wheelsproxy/pkg/resolver"
	"github.com/divio/ac-wheelsproxy/pkg/scheduler"
)

// stampRunner marks builds as built immediately, recording metadata from the
// deps table, and signals each completed build.
type stampRunner struct {
	store catalog.Store
	deps  map[string][]string
	built chan int64
}

func (r *stampRunner) BuildRelease(ctx context.Context, buildID int64) error {
	detail, err := r.store.GetBuildDetail(ctx, buildID)
	if err != nil {
		return err
	}
	meta := &pypi.Metadata{Name: detail.Package.Slug, Version: detail.Release.Version}
	if deps := r.deps[detail.Package.Slug+" "+detail.Release.Version]; len(deps) > 0 {
		meta.RunRequires = []pypi.RequirementSet{{Requires: deps}}
	}
	err = r.store.SaveBuildResult(ctx, buildID, &catalog.BuildResult{
		Artifact: fmt.Sprintf("%s/%s/%s/%s/%s-%s-py3-none-any.whl",
			detail.Index.Slug, detail.Platform.Slug, detail.Package.Slug,
			detail.Release.Version, detail.Package.Slug, detail.Release.Version),
		MD5Digest: "d41d8cd98f00b204e9800998ecf8427e",
		Metadata:  meta,
	})
	if err == nil && r.built != nil {
		select {
		case r.built <- buildID:
		default:
		}
	}
	return err
}

func (r *stampRunner) BuildExternal(ctx context.Context, buildID int64) error {
	build, err := r.store.GetExternalBuild(ctx, buildID)
	if err != nil {
		return err
	}
	return r.store.SaveExternalBuildResult(ctx, buildID, &catalog.BuildResult{
		Artifact: fmt.Sprintf("__external__/x/%s-%s.whl", build.PackageName(), build.Version()),
		Metadata: &pypi.Metadata{Name: build.PackageName(), Version: build.Version()},
	})
}

// schedulerBuilder adapts the scheduler to the resolver's Builder interface.
type schedulerBuilder struct {
	sched *scheduler.Scheduler
}

func (b schedulerBuilder) BuildNow(ctx context.Context, buildID int64) error {
	return b.sched.ScheduleBuild(ctx, buildID, false)
}

func (b schedulerBuilder) BuildExternalNow(ctx context.Context, buildID int64) error {
	return b.sched.ScheduleExternalBuild(ctx, buildID, false)
}

type testEnv struct {
	server   *Server
	store    *catalog.MemoryStore
	cache    *linkcache.Cache
	runner   *stampRunner
	index    *catalog.Index
	platform *catalog.Platform
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := catalog.NewMemoryStore()

	index := &catalog.Index{Slug: "pypi", URL: "https://pypi.org/pypi", Backend: catalog.BackendPyPI}
	require.NoError(t, store.CreateIndex(ctx, index))
	platform := &catalog.Platform{
		Slug: "linux-py38",
		Type: catalog.PlatformDocker,
		Spec: catalog.PlatformSpec{Image: "python:3.8"},
		Environment: map[string]string{
			"python_version": "3.8",
			"sys_platform":   "linux",
			"extra":          "",
		},
	}
	require.NoError(t, store.CreatePlatform(ctx, platform))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cache, err := linkcache.NewWithClient(client, 16)
	require.NoError(t, err)
	store.SetInvalidator(cache)

	blobs, err := artifacts.NewFilesystemStorage(t.TempDir(), "https://blobs.example/builds")
	require.NoError(t, err)

	logger := observability.NewLogger(observability.ErrorLevel, nil)
	runner := &stampRunner{store: store, deps: map[string][]string{}, built: make(chan int64, 16)}
	sched := scheduler.New(store, runner, cache, nil, logger, nil)
	compiler := resolver.NewService(store, schedulerBuilder{sched}, nil, nil, logger, nil)

	if cfg.ExternalURL == "" {
		cfg.ExternalURL = "https://proxy.example"
	}
	server := NewServer(store, cache, blobs, sched, compiler, nil, logger, nil, cfg)

	return &testEnv{server: server, store: store, cache: cache, runner: runner, index: index, platform: platform}
}

func (e *testEnv) addRelease(t *testing.T, name, version string, deps ...string) *catalog.Release {
	t.Helper()
	ctx := context.Background()
	pkg, err := e.store.UpsertPackage(ctx, e.index.ID, name)
	require.NoError(t, err)
	release, err := e.store.GetOrCreateRelease(ctx, pkg.ID, version, &catalog.ReleaseSpec{
		URL:       fmt.Sprintf("https://files/%s-%s.tar.gz", pkg.Slug, version),
		MD5Digest: "feedface",
	})
	require.NoError(t, err)
	if len(deps) > 0 {
		e.runner.deps[pkg.Slug+" "+release.Version] = deps
	}
	return release
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (e *testEnv) post(path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestRootPage(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.get("/v1/pypi/linux-py38/+simple/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pypi")
}

func TestLinksPage(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addRelease(t, "dist-a", "1.0")
	env.addRelease(t, "dist-a", "2.0")

	rec := env.get("/v1/pypi/linux-py38/+simple/dist-a/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Links for dist-a")
	// Unbuilt releases point at the download/trigger route.
	assert.Contains(t, body, "https://proxy.example/v1/pypi/linux-py38/+simple/dist-a/2.0/download/")
	assert.Contains(t, body, "dist-a-1.0.tar.gz")

	// Exactly one build row exists per (release, platform) afterwards.
	pkg, err := env.store.GetPackage(context.Background(), env.index.ID, "dist-a")
	require.NoError(t, err)
	builds, err := env.store.ListBuilds(context.Background(), pkg.ID, env.platform.ID)
	require.NoError(t, err)
	assert.Len(t, builds, 2)
}

func TestLinksPageUnknownPackage(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.get("/v1/pypi/linux-py38/+simple/nope/")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLinksPageUnknownScope(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addRelease(t, "dist-a", "1.0")

	assert.Equal(t, http.StatusNotFound, env.get("/v1/ghost/linux-py38/+simple/dist-a/").Code)
	assert.Equal(t, http.StatusNotFound, env.get("/v1/pypi/ghost/+simple/dist-a/").Code)
}

func TestLinksPageCanonicalRedirect(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addRelease(t, "Dist_A", "1.0")

	rec := env.get("/v1/pypi/linux-py38/+simple/Dist_A/")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t,
		"https://proxy.example/v1/pypi/linux-py38/+simple/dist-a/",
		rec.Header().Get("Location"))
}

func TestLinksPageCaching(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addRelease(t, "dist-a", "1.0")

	first := env.get("/v1/pypi/linux-py38/+simple/dist-a/")
	require.Equal(t, http.StatusOK, first.Code)

	// Add a release and bump the package's serial by hand (GetOrCreateRelease
	// does not invalidate); the cached page must not be reused.
	env.addRelease(t, "dist-a", "2.0")
	env.cache.InvalidatePackage(context.Background(), "pypi", "dist-a")

	second := env.get("/v1/pypi/linux-py38/+simple/dist-a/")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Contains(t, second.Body.String(), "2.0")

	// cache=off bypasses both read and write.
	bypass := env.get("/v1/pypi/linux-py38/+simple/dist-a/?cache=off")
	assert.Equal(t, http.StatusOK, bypass.Code)
}

func TestLegacyLinksRoute(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addRelease(t, "dist-a", "1.0")

	rec := env.get("/d/pypi/linux-py38/dist-a/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Links for dist-a")
}

func TestDownloadUnbuiltRedirectsUpstreamAndSchedules(t *testing.T) {
	env := newTestEnv(t, Config{})
	release := env.addRelease(t, "dist-a", "1.0")
	build, err := env.store.GetOrCreateBuild(context.Background(), release.ID, env.platform.ID)
	require.NoError(t, err)

	rec := env.get(fmt.Sprintf(
		"/v1/pypi/linux-py38/+simple/dist-a/1.0/download/%d/dist-a-1.0.tar.gz", build.ID))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://files/dist-a-1.0.tar.gz#md5=feedface", rec.Header().Get("Location"))

	// The build was kicked off in the background.
	select {
	case built := <-env.runner.built:
		assert.Equal(t, build.ID, built)
	case <-time.After(2 * time.Second):
		t.Fatal("no build was scheduled")
	}
}

func TestDownloadBuiltRedirectsToArtifact(t *testing.T) {
	env := newTestEnv(t, Config{})
	release := env.addRelease(t, "dist-a", "1.0")
	build, err := env.store.GetOrCreateBuild(context.Background(), release.ID, env.platform.ID)
	require.NoError(t, err)
	require.NoError(t, env.runner.BuildRelease(context.Background(), build.ID))

	rec := env.get(fmt.Sprintf(
		"/v1/pypi/linux-py38/+simple/dist-a/1.0/download/%d/x.whl", build.ID))
	assert.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	assert.Contains(t, location, "https://blobs.example/builds/pypi/linux-py38/dist-a/1.0/")
	assert.Contains(t, location, "#md5=")
}

func TestBuiltLinksPointAtArtifacts(t *testing.T) {
	env := newTestEnv(t, Config{})
	release := env.addRelease(t, "dist-a", "1.0")
	build, err := env.store.GetOrCreateBuild(context.Background(), release.ID, env.platform.ID)
	require.NoError(t, err)
	require.NoError(t, env.runner.BuildRelease(context.Background(), build.ID))

	rec := env.get("/v1/pypi/linux-py38/+simple/dist-a/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://blobs.example/builds/pypi/linux-py38/dist-a/1.0/")
}

func TestAlwaysRedirectDownloads(t *testing.T) {
	env := newTestEnv(t, Config{AlwaysRedirectDownloads: true})
	release := env.addRelease(t, "dist-a", "1.0")
	build, err := env.store.GetOrCreateBuild(context.Background(), release.ID, env.platform.ID)
	require.NoError(t, err)
	require.NoError(t, env.runner.BuildRelease(context.Background(), build.ID))

	rec := env.get("/v1/pypi/linux-py38/+simple/dist-a/")
	require.Equal(t, http.StatusOK, rec.Code)
	// Built wheels still go through the redirect endpoint.
	assert.Contains(t, rec.Body.String(), "/download/")
	assert.NotContains(t, rec.Body.String(), "blobs.example")
}

func TestCompileEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addRelease(t, "dist-a", "1.0", "dist-b")
	env.addRelease(t, "dist-b", "1.0")

	rec := env.post("/v1/pypi/linux-py38/+compile/", "dist-a\n")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := rec.Body.String()
	assert.Contains(t, body, "dist-a==1.0")
	assert.Contains(t, body, "dist-b==1.0")
	assert.Contains(t, body, "# via dist-a")
}

func TestCompileEndpointFailure(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.post("/v1/pypi/linux-py38/+compile/", "no-such-package\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not satisfied")
}

func TestResolveEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})
	release := env.addRelease(t, "dist-a", "1.0")
	build, err := env.store.GetOrCreateBuild(context.Background(), release.ID, env.platform.ID)
	require.NoError(t, err)
	require.NoError(t, env.runner.BuildRelease(context.Background(), build.ID))

	rec := env.post("/v1/pypi/linux-py38/+resolve/", "dist-a==1.0\n")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "https://blobs.example/builds/pypi/linux-py38/dist-a/1.0/")
	assert.Contains(t, rec.Body.String(), "#md5=")
}

func TestResolveEndpointRejectsUnpinned(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addRelease(t, "dist-a", "1.0")

	rec := env.post("/v1/pypi/linux-py38/+resolve/", "dist-a>=1.0\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveEndpointURLRequirement(t *testing.T) {
	env := newTestEnv(t, Config{})

	url := "https://ex/pkg-1.2.tar.gz#egg=pkg==1.2"
	rec := env.post("/v1/pypi/linux-py38/+resolve/", url+"\n")
	require.Equal(t, http.StatusOK, rec.Code)
	// Unbuilt external URLs resolve to the original URL while the build is
	// scheduled in the background.
	assert.Contains(t, rec.Body.String(), url)
}
