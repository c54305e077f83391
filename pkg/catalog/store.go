package catalog

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("catalog: not found")

// Invalidator receives change notifications for derived views. The link-page
// cache implements it; a nil invalidator disables notification.
type Invalidator interface {
	InvalidatePackage(ctx context.Context, indexSlug, packageSlug string)
}

// ArtifactReaper receives the blob paths of builds that were deleted along
// with their releases, so the orphaned artifacts can be removed from the
// blob store. A nil reaper leaves blobs behind.
type ArtifactReaper interface {
	DeleteArtifact(ctx context.Context, path string)
}

// Store is the catalog contract the rest of the proxy is written against.
// All multi-row mutations are single transactions: readers observe pre- or
// post-transaction snapshots, never partial state.
type Store interface {
	// Indexes.
	CreateIndex(ctx context.Context, index *Index) error
	GetIndex(ctx context.Context, slug string) (*Index, error)
	GetIndexes(ctx context.Context, slugs []string) ([]*Index, error)
	ListIndexes(ctx context.Context) ([]*Index, error)
	SetLastUpdateSerial(ctx context.Context, indexID, serial int64) error

	// Platforms.
	CreatePlatform(ctx context.Context, platform *Platform) error
	GetPlatform(ctx context.Context, slug string) (*Platform, error)
	ListPlatforms(ctx context.Context) ([]*Platform, error)
	SetPlatformEnvironment(ctx context.Context, platformID int64, env map[string]string) error

	// Packages.
	UpsertPackage(ctx context.Context, indexID int64, name string) (*Package, error)
	GetPackage(ctx context.Context, indexID int64, slug string) (*Package, error)
	ListPackages(ctx context.Context, indexID int64) ([]*Package, error)
	ListPackageIDs(ctx context.Context, indexID int64) ([]int64, error)
	DeletePackage(ctx context.Context, indexID int64, slug string) error
	DeletePackagesByID(ctx context.Context, indexID int64, ids []int64) error

	// Releases.
	ReplaceReleases(ctx context.Context, packageID int64, desired []ReleaseSpec) error
	ListReleases(ctx context.Context, packageID int64) ([]*Release, error)
	GetRelease(ctx context.Context, packageID int64, version string) (*Release, error)
	GetOrCreateRelease(ctx context.Context, packageID int64, version string, spec *ReleaseSpec) (*Release, error)
	// FindRelease scans the given indexes in order and returns the first one
	// carrying (slug, version).
	FindRelease(ctx context.Context, indexIDs []int64, packageSlug, version string) (*Release, error)

	// Builds.
	GetOrCreateBuild(ctx context.Context, releaseID, platformID int64) (*Build, error)
	GetBuild(ctx context.Context, buildID int64) (*Build, error)
	GetBuildDetail(ctx context.Context, buildID int64) (*BuildDetail, error)
	ListBuilds(ctx context.Context, packageID, platformID int64) ([]*Build, error)
	SaveBuildResult(ctx context.Context, buildID int64, result *BuildResult) error

	// External builds.
	GetOrCreateExternalBuild(ctx context.Context, externalURL string, platformID int64) (*ExternalBuild, error)
	GetExternalBuild(ctx context.Context, buildID int64) (*ExternalBuild, error)
	SaveExternalBuildResult(ctx context.Context, buildID int64, result *BuildResult) error

	// Compiled requirements.
	CreateCompiledRequirements(ctx context.Context, reqs *CompiledRequirements) error
	GetCompiledRequirements(ctx context.Context, id int64) (*CompiledRequirements, error)
	// SetCompilationResult records a track result; the pending → done/failed
	// transition is one-way per track unless force is set.
	SetCompilationResult(ctx context.Context, id int64, track string, result *CompilationTrack, force bool) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// PlatformByID resolves a platform by primary key through the Store
// interface.
func PlatformByID(ctx context.Context, store Store, id int64) (*Platform, error) {
	platforms, err := store.ListPlatforms(ctx)
	if err != nil {
		return nil, err
	}
	for _, platform := range platforms {
		if platform.ID == id {
			return platform, nil
		}
	}
	return nil, ErrNotFound
}
