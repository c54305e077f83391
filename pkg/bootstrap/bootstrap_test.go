package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divio/ac-wheelsproxy/pkg/catalog"
	"github.com/divio/ac-wheelsproxy/pkg/observability"
)

const seedYAML = `
indexes:
  - slug: pypi
    url: https://pypi.org/pypi
    backend: pypi
  - slug: internal
    url: https://devpi.internal/root/prod
    backend: devpi
platforms:
  - slug: linux-py38
    image: python:3.8
`

func TestLoadAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o644))

	seed, err := Load(path)
	require.NoError(t, err)
	require.Len(t, seed.Indexes, 2)
	require.Len(t, seed.Platforms, 1)

	ctx := context.Background()
	store := catalog.NewMemoryStore()
	logger := observability.NewLogger(observability.ErrorLevel, nil)

	require.NoError(t, Apply(ctx, store, seed, logger))

	index, err := store.GetIndex(ctx, "internal")
	require.NoError(t, err)
	assert.Equal(t, catalog.BackendDevPI, index.Backend)

	platform, err := store.GetPlatform(ctx, "linux-py38")
	require.NoError(t, err)
	assert.Equal(t, catalog.PlatformDocker, platform.Type)
	assert.Equal(t, "python:3.8", platform.Spec.Image)

	// Idempotent: a second apply changes nothing and does not error.
	require.NoError(t, Apply(ctx, store, seed, logger))
	indexes, err := store.ListIndexes(ctx)
	require.NoError(t, err)
	assert.Len(t, indexes, 2)
}

func TestApplyRejectsBadSeed(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	logger := observability.NewLogger(observability.ErrorLevel, nil)

	err := Apply(ctx, store, &Seed{Indexes: []struct {
		Slug    string `yaml:"slug"`
		URL     string `yaml:"url"`
		Backend string `yaml:"backend"`
	}{{Slug: "x", URL: "https://x", Backend: "gopher"}}}, logger)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
