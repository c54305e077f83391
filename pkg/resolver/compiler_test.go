package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divio/ac-wheelsproxy/pkg/catalog"
	"github.com/divio/ac-wheelsproxy/pkg/observability"
)

type fakePip struct {
	store  catalog.Store
	result string
	called bool
}

func (f *fakePip) PipCompile(ctx context.Context, reqs *catalog.CompiledRequirements, platform *catalog.Platform, force bool) error {
	f.called = true
	now := time.Now().UTC()
	return f.store.SetCompilationResult(ctx, reqs.ID, TrackPip, &catalog.CompilationTrack{
		Status:       catalog.CompilationDone,
		Requirements: f.result,
		Timestamp:    &now,
	}, force)
}

func newService(t *testing.T, f *fixture, pip PipCompiler) *Service {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, nil)
	return NewService(f.store, f.builder, pip, nil, logger, nil)
}

func createJob(t *testing.T, f *fixture, requirements string) *catalog.CompiledRequirements {
	t.Helper()
	reqs := &catalog.CompiledRequirements{
		PlatformID:   f.platform.ID,
		Requirements: requirements,
		IndexURL:     "https://proxy/v1/i1/linux-py38/+simple/",
		IndexSlugs:   []string{"i1"},
	}
	require.NoError(t, f.store.CreateCompiledRequirements(context.Background(), reqs))
	return reqs
}

func TestServiceCompileInternalTrack(t *testing.T) {
	f := newFixture(t)
	f.addRelease(t, "i1", "dist-a", "1.0", "dist-b")
	f.addRelease(t, "i1", "dist-b", "1.0")
	service := newService(t, f, nil)

	job := createJob(t, f, "dist-a\n")
	result, err := service.Compile(context.Background(), job.ID, false)
	require.NoError(t, err)

	assert.Equal(t, catalog.CompilationDone, result.Internal.Status)
	assert.Contains(t, result.Internal.Requirements, "dist-a==1.0")
	assert.Contains(t, result.Internal.Requirements, "dist-b==1.0")
	assert.Contains(t, result.Internal.Requirements, "autogenerated by wheelsproxy")
	assert.Contains(t, result.Internal.Requirements, job.IndexURL)
	assert.NotEmpty(t, result.Internal.Log)
	// No sandbox configured: the pip track stays pending.
	assert.Equal(t, catalog.CompilationPending, result.Pip.Status)
}

func TestServiceCompileRecordsFailure(t *testing.T) {
	f := newFixture(t)
	service := newService(t, f, nil)

	job := createJob(t, f, "no-such-package\n")
	result, err := service.Compile(context.Background(), job.ID, false)
	require.NoError(t, err)

	assert.Equal(t, catalog.CompilationFailed, result.Internal.Status)
	assert.Contains(t, result.Internal.Log, "not satisfied")
	assert.Empty(t, result.Internal.Requirements)
}

func TestServiceCompileRunsPipTrack(t *testing.T) {
	f := newFixture(t)
	f.addRelease(t, "i1", "dist-a", "1.0")
	pip := &fakePip{store: f.store, result: "dist-a==1.0\n"}
	service := newService(t, f, pip)

	job := createJob(t, f, "dist-a\n")
	result, err := service.Compile(context.Background(), job.ID, false)
	require.NoError(t, err)

	assert.True(t, pip.called)
	assert.Equal(t, catalog.CompilationDone, result.Pip.Status)
	assert.Equal(t, "dist-a==1.0\n", result.Pip.Requirements)
	assert.Equal(t, catalog.CompilationDone, result.Internal.Status)
}

func TestServiceCompileRequiresEnvironment(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetPlatformEnvironment(context.Background(), f.platform.ID, nil))
	service := newService(t, f, nil)

	job := createJob(t, f, "dist-a\n")
	_, err := service.Compile(context.Background(), job.ID, false)
	assert.Error(t, err)
}
