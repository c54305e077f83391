package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/divio/ac-wheelsproxy/pkg/pypi"
)

// MemoryStore is an in-memory Store used by the test suites and for
// single-node development without a database.
type MemoryStore struct {
	mu sync.RWMutex

	nextID int64

	indexes        map[int64]*Index
	platforms      map[int64]*Platform
	packages       map[int64]*Package
	releases       map[int64]*Release
	builds         map[int64]*Build
	externalBuilds map[int64]*ExternalBuild
	compiled       map[int64]*CompiledRequirements

	invalidator Invalidator
	reaper      ArtifactReaper
}

// NewMemoryStore returns an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		indexes:        map[int64]*Index{},
		platforms:      map[int64]*Platform{},
		packages:       map[int64]*Package{},
		releases:       map[int64]*Release{},
		builds:         map[int64]*Build{},
		externalBuilds: map[int64]*ExternalBuild{},
		compiled:       map[int64]*CompiledRequirements{},
	}
}

// SetInvalidator registers the derived-view invalidation hook.
func (s *MemoryStore) SetInvalidator(inv Invalidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidator = inv
}

func (s *MemoryStore) invalidate(ctx context.Context, indexSlug, packageSlug string) {
	if s.invalidator != nil {
		s.invalidator.InvalidatePackage(ctx, indexSlug, packageSlug)
	}
}

// SetArtifactReaper registers the orphaned-artifact deletion hook.
func (s *MemoryStore) SetArtifactReaper(reaper ArtifactReaper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reaper = reaper
}

func (s *MemoryStore) reap(ctx context.Context, artifact string) {
	if s.reaper != nil && artifact != "" {
		s.reaper.DeleteArtifact(ctx, artifact)
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// Indexes

func (s *MemoryStore) CreateIndex(_ context.Context, index *Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.indexes {
		if have.Slug == index.Slug {
			return fmt.Errorf("index %q already exists", index.Slug)
		}
	}
	index.ID = s.id()
	clone := *index
	s.indexes[index.ID] = &clone
	return nil
}

func (s *MemoryStore) GetIndex(_ context.Context, slug string) (*Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, index := range s.indexes {
		if index.Slug == slug {
			clone := *index
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetIndexes(ctx context.Context, slugs []string) ([]*Index, error) {
	indexes := make([]*Index, 0, len(slugs))
	for _, slug := range slugs {
		index, err := s.GetIndex(ctx, slug)
		if err != nil {
			return nil, err
		}
		indexes = append(indexes, index)
	}
	return indexes, nil
}

func (s *MemoryStore) ListIndexes(_ context.Context) ([]*Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var indexes []*Index
	for _, index := range s.indexes {
		clone := *index
		indexes = append(indexes, &clone)
	}
	return indexes, nil
}

func (s *MemoryStore) SetLastUpdateSerial(_ context.Context, indexID, serial int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, ok := s.indexes[indexID]
	if !ok {
		return ErrNotFound
	}
	if index.LastUpdateSerial == nil || *index.LastUpdateSerial <= serial {
		index.LastUpdateSerial = &serial
	}
	return nil
}

// Platforms

func (s *MemoryStore) CreatePlatform(_ context.Context, platform *Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.platforms {
		if have.Slug == platform.Slug {
			return fmt.Errorf("platform %q already exists", platform.Slug)
		}
	}
	platform.ID = s.id()
	clone := *platform
	s.platforms[platform.ID] = &clone
	return nil
}

func (s *MemoryStore) GetPlatform(_ context.Context, slug string) (*Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, platform := range s.platforms {
		if platform.Slug == slug {
			clone := *platform
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListPlatforms(_ context.Context) ([]*Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var platforms []*Platform
	for _, platform := range s.platforms {
		clone := *platform
		platforms = append(platforms, &clone)
	}
	return platforms, nil
}

func (s *MemoryStore) SetPlatformEnvironment(_ context.Context, platformID int64, env map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	platform, ok := s.platforms[platformID]
	if !ok {
		return ErrNotFound
	}
	platform.Environment = env
	return nil
}

// Packages

func (s *MemoryStore) UpsertPackage(_ context.Context, indexID int64, name string) (*Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slug := pypi.NormalizeName(name)
	for _, pkg := range s.packages {
		if pkg.IndexID == indexID && pkg.Slug == slug {
			clone := *pkg
			return &clone, nil
		}
	}
	pkg := &Package{ID: s.id(), IndexID: indexID, Name: name, Slug: slug}
	s.packages[pkg.ID] = pkg
	clone := *pkg
	return &clone, nil
}

func (s *MemoryStore) GetPackage(_ context.Context, indexID int64, slug string) (*Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slug = pypi.NormalizeName(slug)
	for _, pkg := range s.packages {
		if pkg.IndexID == indexID && pkg.Slug == slug {
			clone := *pkg
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListPackages(_ context.Context, indexID int64) ([]*Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var packages []*Package
	for _, pkg := range s.packages {
		if pkg.IndexID == indexID {
			clone := *pkg
			packages = append(packages, &clone)
		}
	}
	return packages, nil
}

func (s *MemoryStore) ListPackageIDs(_ context.Context, indexID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for _, pkg := range s.packages {
		if pkg.IndexID == indexID {
			ids = append(ids, pkg.ID)
		}
	}
	return ids, nil
}

func (s *MemoryStore) deletePackageLocked(ctx context.Context, pkg *Package) {
	for id, release := range s.releases {
		if release.PackageID != pkg.ID {
			continue
		}
		for buildID, build := range s.builds {
			if build.ReleaseID == release.ID {
				s.reap(ctx, build.Artifact)
				delete(s.builds, buildID)
			}
		}
		delete(s.releases, id)
	}
	indexSlug := ""
	if index, ok := s.indexes[pkg.IndexID]; ok {
		indexSlug = index.Slug
	}
	delete(s.packages, pkg.ID)
	s.invalidate(ctx, indexSlug, pkg.Slug)
}

func (s *MemoryStore) DeletePackage(ctx context.Context, indexID int64, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slug = pypi.NormalizeName(slug)
	for _, pkg := range s.packages {
		if pkg.IndexID == indexID && pkg.Slug == slug {
			s.deletePackageLocked(ctx, pkg)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) DeletePackagesByID(ctx context.Context, indexID int64, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if pkg, ok := s.packages[id]; ok && pkg.IndexID == indexID {
			s.deletePackageLocked(ctx, pkg)
		}
	}
	return nil
}

// Releases

func (s *MemoryStore) ReplaceReleases(ctx context.Context, packageID int64, desired []ReleaseSpec) error {
	s.mu.Lock()
	pkg, ok := s.packages[packageID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	now := time.Now().UTC()
	keep := map[string]bool{}
	for _, spec := range desired {
		version := pypi.NormalizeVersion(spec.Version)
		keep[version] = true
		var have *Release
		for _, release := range s.releases {
			if release.PackageID == packageID && release.Version == version {
				have = release
				break
			}
		}
		if have != nil {
			if have.URL != spec.URL || have.MD5Digest != spec.MD5Digest {
				have.URL = spec.URL
				have.MD5Digest = spec.MD5Digest
				have.LastUpdate = now
			}
			continue
		}
		release := &Release{
			ID:         s.id(),
			PackageID:  packageID,
			Version:    version,
			URL:        spec.URL,
			MD5Digest:  spec.MD5Digest,
			LastUpdate: now,
		}
		s.releases[release.ID] = release
	}

	for id, release := range s.releases {
		if release.PackageID == packageID && !keep[release.Version] {
			for buildID, build := range s.builds {
				if build.ReleaseID == release.ID {
					s.reap(ctx, build.Artifact)
					delete(s.builds, buildID)
				}
			}
			delete(s.releases, id)
		}
	}

	indexSlug := ""
	if index, ok := s.indexes[pkg.IndexID]; ok {
		indexSlug = index.Slug
	}
	packageSlug := pkg.Slug
	s.mu.Unlock()

	s.invalidate(ctx, indexSlug, packageSlug)
	return nil
}

func (s *MemoryStore) ListReleases(_ context.Context, packageID int64) ([]*Release, error) {
	s.mu.RLock()
	var releases []*Release
	for _, release := range s.releases {
		if release.PackageID == packageID {
			clone := *release
			releases = append(releases, &clone)
		}
	}
	s.mu.RUnlock()
	SortReleasesDescending(releases)
	return releases, nil
}

func (s *MemoryStore) GetRelease(_ context.Context, packageID int64, version string) (*Release, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	version = pypi.NormalizeVersion(version)
	for _, release := range s.releases {
		if release.PackageID == packageID && release.Version == version {
			clone := *release
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetOrCreateRelease(ctx context.Context, packageID int64, version string, spec *ReleaseSpec) (*Release, error) {
	if release, err := s.GetRelease(ctx, packageID, version); err == nil {
		if spec != nil {
			s.mu.Lock()
			if have, ok := s.releases[release.ID]; ok {
				have.URL = spec.URL
				have.MD5Digest = spec.MD5Digest
				have.LastUpdate = time.Now().UTC()
				clone := *have
				release = &clone
			}
			s.mu.Unlock()
		}
		return release, nil
	}
	if spec == nil {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	release := &Release{
		ID:         s.id(),
		PackageID:  packageID,
		Version:    pypi.NormalizeVersion(version),
		URL:        spec.URL,
		MD5Digest:  spec.MD5Digest,
		LastUpdate: time.Now().UTC(),
	}
	s.releases[release.ID] = release
	clone := *release
	return &clone, nil
}

func (s *MemoryStore) FindRelease(ctx context.Context, indexIDs []int64, packageSlug, version string) (*Release, error) {
	for _, indexID := range indexIDs {
		pkg, err := s.GetPackage(ctx, indexID, packageSlug)
		if err != nil {
			continue
		}
		if release, err := s.GetRelease(ctx, pkg.ID, version); err == nil {
			return release, nil
		}
	}
	return nil, ErrNotFound
}

// Builds

func (s *MemoryStore) GetOrCreateBuild(_ context.Context, releaseID, platformID int64) (*Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, build := range s.builds {
		if build.ReleaseID == releaseID && build.PlatformID == platformID {
			clone := *build
			return &clone, nil
		}
	}
	build := &Build{ID: s.id(), ReleaseID: releaseID, PlatformID: platformID}
	s.builds[build.ID] = build
	clone := *build
	return &clone, nil
}

func (s *MemoryStore) GetBuild(_ context.Context, buildID int64) (*Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	build, ok := s.builds[buildID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *build
	return &clone, nil
}

func (s *MemoryStore) GetBuildDetail(ctx context.Context, buildID int64) (*BuildDetail, error) {
	build, err := s.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	release, ok := s.releases[build.ReleaseID]
	if !ok {
		return nil, ErrNotFound
	}
	pkg, ok := s.packages[release.PackageID]
	if !ok {
		return nil, ErrNotFound
	}
	index, ok := s.indexes[pkg.IndexID]
	if !ok {
		return nil, ErrNotFound
	}
	platform, ok := s.platforms[build.PlatformID]
	if !ok {
		return nil, ErrNotFound
	}

	releaseClone := *release
	pkgClone := *pkg
	indexClone := *index
	platformClone := *platform
	return &BuildDetail{
		Build:    build,
		Release:  &releaseClone,
		Package:  &pkgClone,
		Index:    &indexClone,
		Platform: &platformClone,
	}, nil
}

func (s *MemoryStore) ListBuilds(ctx context.Context, packageID, platformID int64) ([]*Build, error) {
	releases, err := s.ListReleases(ctx, packageID)
	if err != nil {
		return nil, err
	}
	builds := make([]*Build, 0, len(releases))
	for _, release := range releases {
		build, err := s.GetOrCreateBuild(ctx, release.ID, platformID)
		if err != nil {
			return nil, err
		}
		builds = append(builds, build)
	}
	return builds, nil
}

func (s *MemoryStore) SaveBuildResult(_ context.Context, buildID int64, result *BuildResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	build, ok := s.builds[buildID]
	if !ok {
		return ErrNotFound
	}
	build.BuildResult = *result
	return nil
}

// External builds

func (s *MemoryStore) GetOrCreateExternalBuild(_ context.Context, externalURL string, platformID int64) (*ExternalBuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, build := range s.externalBuilds {
		if build.ExternalURL == externalURL && build.PlatformID == platformID {
			clone := *build
			return &clone, nil
		}
	}
	build := &ExternalBuild{ID: s.id(), ExternalURL: externalURL, PlatformID: platformID}
	s.externalBuilds[build.ID] = build
	clone := *build
	return &clone, nil
}

func (s *MemoryStore) GetExternalBuild(_ context.Context, buildID int64) (*ExternalBuild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	build, ok := s.externalBuilds[buildID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *build
	return &clone, nil
}

func (s *MemoryStore) SaveExternalBuildResult(_ context.Context, buildID int64, result *BuildResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	build, ok := s.externalBuilds[buildID]
	if !ok {
		return ErrNotFound
	}
	build.BuildResult = *result
	return nil
}

// Compiled requirements

func (s *MemoryStore) CreateCompiledRequirements(_ context.Context, reqs *CompiledRequirements) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs.ID = s.id()
	reqs.CreatedAt = time.Now().UTC()
	reqs.Pip.Status = CompilationPending
	reqs.Internal.Status = CompilationPending
	clone := *reqs
	s.compiled[reqs.ID] = &clone
	return nil
}

func (s *MemoryStore) GetCompiledRequirements(_ context.Context, id int64) (*CompiledRequirements, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reqs, ok := s.compiled[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *reqs
	return &clone, nil
}

func (s *MemoryStore) SetCompilationResult(_ context.Context, id int64, track string, result *CompilationTrack, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs, ok := s.compiled[id]
	if !ok {
		return ErrNotFound
	}
	var target *CompilationTrack
	switch track {
	case "pip":
		target = &reqs.Pip
	case "internal":
		target = &reqs.Internal
	default:
		return fmt.Errorf("unknown compilation track: %q", track)
	}
	if target.Status != CompilationPending && !force {
		return fmt.Errorf("compilation %d (%s track) is not pending", id, track)
	}
	*target = *result
	return nil
}

func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
