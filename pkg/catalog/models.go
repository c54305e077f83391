package catalog

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"time"

	"github.com/divio/ac-wheelsproxy/pkg/pypi"
)

// Index backend identifiers. They select the upstream client variant.
const (
	BackendPyPI  = "pypi"
	BackendDevPI = "devpi"
)

// Platform types. Docker is the only supported container driver.
const (
	PlatformDocker = "docker"
)

// Compilation statuses for CompiledRequirements tracks.
const (
	CompilationPending = "pending"
	CompilationDone    = "done"
	CompilationFailed  = "failed"
)

// Index is an upstream package index the proxy replicates.
type Index struct {
	ID               int64
	Slug             string
	URL              string
	Backend          string
	LastUpdateSerial *int64
}

// Package is a single project under an index. Slug is the normalized name;
// Name preserves the display form first observed upstream.
type Package struct {
	ID      int64
	IndexID int64
	Name    string
	Slug    string
}

// Release is a (package, version) with its canonical upstream artifact URL
// (sdist preferred, universal wheel otherwise).
type Release struct {
	ID         int64
	PackageID  int64
	Version    string
	URL        string
	MD5Digest  string
	LastUpdate time.Time
}

// ParsedVersion returns the release's PEP 440 version. Versions are stored
// normalized, so parse failures indicate catalog corruption.
func (r *Release) ParsedVersion() (pypi.Version, error) {
	return pypi.ParseVersion(r.Version)
}

// PlatformSpec is the driver-specific platform configuration.
type PlatformSpec struct {
	Image string `json:"image"`
}

// Platform is a build target. Environment is the marker environment captured
// once from a running sandbox; nil until populated.
type Platform struct {
	ID          int64
	Slug        string
	Type        string
	Spec        PlatformSpec
	Environment map[string]string
}

// BuildResult carries everything a finished build run produced. An empty
// Artifact means the build is not (or no longer) built.
type BuildResult struct {
	Artifact       string
	FileSize       int64
	MD5Digest      string
	Metadata       *pypi.Metadata
	BuildTimestamp *time.Time
	BuildDuration  time.Duration
	BuildLog       string
}

// IsBuilt reports whether an artifact is present. It is the single source of
// truth for the "built" state.
func (r *BuildResult) IsBuilt() bool {
	return r.Artifact != ""
}

// Build is a platform-specific wheel produced (or to be produced) from a
// catalog release.
type Build struct {
	ID            int64
	ReleaseID     int64
	PlatformID    int64
	SetupCommands string
	BuildResult
}

// ExternalBuild is a platform-specific wheel produced from a bare URL
// requirement; the URL carries an egg=name==version fragment.
type ExternalBuild struct {
	ID            int64
	ExternalURL   string
	PlatformID    int64
	SetupCommands string
	BuildResult
}

// PackageName extracts the package name from the egg fragment.
func (b *ExternalBuild) PackageName() string {
	return pypi.EggName(b.ExternalURL)
}

// Version extracts the pinned version from the egg fragment.
func (b *ExternalBuild) Version() string {
	return pypi.EggVersion(b.ExternalURL)
}

// OriginalFilename returns the trailing path segment of the URL, used as the
// displayed filename while a build is pending.
func OriginalFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return path.Base(rawURL)
	}
	return path.Base(u.Path)
}

// BuildDetail is a build joined with its full ownership chain, as needed for
// artifact paths, link pages and download URLs.
type BuildDetail struct {
	Build    *Build
	Release  *Release
	Package  *Package
	Index    *Index
	Platform *Platform
}

// Filename returns the artifact filename when built, the upstream filename
// otherwise.
func (d *BuildDetail) Filename() string {
	if d.Build.IsBuilt() {
		return path.Base(d.Build.Artifact)
	}
	return OriginalFilename(d.Release.URL)
}

// ArtifactPath returns the blob store path the built wheel is stored under.
func (d *BuildDetail) ArtifactPath(filename string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s",
		d.Index.Slug, d.Platform.Slug, d.Package.Slug, d.Release.Version, filename)
}

// ReleaseSpec describes the desired state of one release during an atomic
// replace.
type ReleaseSpec struct {
	Version   string
	URL       string
	MD5Digest string
}

// CompilationTrack is one of the two parallel result tracks of a compile job.
type CompilationTrack struct {
	Status       string
	Requirements string
	Timestamp    *time.Time
	Duration     time.Duration
	Log          string
}

// CompiledRequirements is a compile job: its inputs and the pip and internal
// result tracks.
type CompiledRequirements struct {
	ID           int64
	PlatformID   int64
	Requirements string
	IndexURL     string
	IndexSlugs   []string
	CreatedAt    time.Time
	Pip          CompilationTrack
	Internal     CompilationTrack
}

// SortReleasesDescending orders releases newest first by parsed version.
// Unparseable versions sort last in their textual order.
func SortReleasesDescending(releases []*Release) {
	sort.SliceStable(releases, func(i, j int) bool {
		vi, erri := releases[i].ParsedVersion()
		vj, errj := releases[j].ParsedVersion()
		switch {
		case erri == nil && errj == nil:
			return vi.Compare(vj) > 0
		case erri == nil:
			return true
		case errj == nil:
			return false
		default:
			return releases[i].Version > releases[j].Version
		}
	})
}
