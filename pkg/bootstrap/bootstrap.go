// Package bootstrap declaratively creates indexes and platforms from a YAML
// seed file, replacing an administrative console for headless deployments.
// Applying a seed is idempotent: existing rows are left untouched.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/divio/ac-wheelsproxy/pkg/catalog"
	"github.com/divio/ac-wheelsproxy/pkg/observability"
)

// Seed is the parsed bootstrap document.
type Seed struct {
	Indexes []struct {
		Slug    string `yaml:"slug"`
		URL     string `yaml:"url"`
		Backend string `yaml:"backend"`
	} `yaml:"indexes"`
	Platforms []struct {
		Slug  string `yaml:"slug"`
		Type  string `yaml:"type"`
		Image string `yaml:"image"`
	} `yaml:"platforms"`
}

// Load reads and parses a seed file.
func Load(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse bootstrap file: %w", err)
	}
	return &seed, nil
}

// Apply creates any index or platform the catalog does not have yet.
func Apply(ctx context.Context, store catalog.Store, seed *Seed, logger *observability.Logger) error {
	for _, index := range seed.Indexes {
		if index.Slug == "" || index.URL == "" {
			return fmt.Errorf("bootstrap index entries need both slug and url")
		}
		backend := index.Backend
		if backend == "" {
			backend = catalog.BackendPyPI
		}
		if backend != catalog.BackendPyPI && backend != catalog.BackendDevPI {
			return fmt.Errorf("unknown index backend %q for %s", backend, index.Slug)
		}

		_, err := store.GetIndex(ctx, index.Slug)
		if err == nil {
			continue
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			return err
		}
		if err := store.CreateIndex(ctx, &catalog.Index{
			Slug:    index.Slug,
			URL:     index.URL,
			Backend: backend,
		}); err != nil {
			return err
		}
		logger.Infof("Created index %s (%s)", index.Slug, index.URL)
	}

	for _, platform := range seed.Platforms {
		if platform.Slug == "" || platform.Image == "" {
			return fmt.Errorf("bootstrap platform entries need both slug and image")
		}
		platformType := platform.Type
		if platformType == "" {
			platformType = catalog.PlatformDocker
		}

		_, err := store.GetPlatform(ctx, platform.Slug)
		if err == nil {
			continue
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			return err
		}
		if err := store.CreatePlatform(ctx, &catalog.Platform{
			Slug: platform.Slug,
			Type: platformType,
			Spec: catalog.PlatformSpec{Image: platform.Image},
		}); err != nil {
			return err
		}
		logger.Infof("Created platform %s (%s)", platform.Slug, platform.Image)
	}
	return nil
}
