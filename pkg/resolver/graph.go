// Package resolver compiles loose requirement sets into pinned, orphan-free
// lock files. It builds a dependency graph over the catalog for one target
// platform, triggering wheel builds on demand to obtain dependency metadata,
// and reduces the graph to a fixed point.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/divio/ac-wheelsproxy/pkg/catalog"
	"github.com/divio/ac-wheelsproxy/pkg/pypi"
)

var (
	// ErrUnsatisfied means no index carries a release matching a merged
	// requirement. Fatal to the compile.
	ErrUnsatisfied = errors.New("resolver: dependency not satisfied")
	// ErrMergeConflict means two incompatible URL requirements (or a URL
	// whose pinned version contradicts the merged specifier) collided on
	// one package. Fatal to the compile.
	ErrMergeConflict = errors.New("resolver: conflicting requirements")
)

// Builder is the synchronous build trigger the graph uses when a selected
// build has no artifact yet.
type Builder interface {
	BuildNow(ctx context.Context, buildID int64) error
	BuildExternalNow(ctx context.Context, buildID int64) error
}

// BuildRef points a graph node at its selected build, internal or external,
// along with the rows needed for formatting and containment checks.
type BuildRef struct {
	External *catalog.ExternalBuild
	Build    *catalog.Build
	Release  *catalog.Release
	Package  *catalog.Package
}

// IsExternal reports whether the ref is a URL-requirement build.
func (b *BuildRef) IsExternal() bool {
	return b.External != nil
}

// PackageName returns the display name of the built package.
func (b *BuildRef) PackageName() string {
	if b.IsExternal() {
		return b.External.PackageName()
	}
	return b.Package.Name
}

// Metadata returns the wheel metadata of the built artifact.
func (b *BuildRef) Metadata() *pypi.Metadata {
	if b.IsExternal() {
		return b.External.Metadata
	}
	return b.Build.Metadata
}

// IsBuilt reports whether an artifact exists.
func (b *BuildRef) IsBuilt() bool {
	if b.IsExternal() {
		return b.External.IsBuilt()
	}
	return b.Build.IsBuilt()
}

// DependencyNode is one package in the graph: its merged requirement, the
// currently selected build (nil while unresolved), whether the user asked
// for it directly, and the builds that cited it.
type DependencyNode struct {
	Requirement pypi.Requirement
	Build       *BuildRef
	Declared    bool
	RequiredBy  []*BuildRef
}

// Key returns the node's normalized package slug.
func (n *DependencyNode) Key() string {
	return n.Requirement.Key()
}

// IsURL reports whether the node resolved to an external build.
func (n *DependencyNode) IsURL() bool {
	return n.Build != nil && n.Build.IsExternal()
}

// Graph is the compilation state for one (index list, platform) pair.
type Graph struct {
	store    catalog.Store
	builder  Builder
	indexes  []*catalog.Index
	platform *catalog.Platform

	nodes map[string]*DependencyNode
	order []string

	log bytes.Buffer
}

// NewGraph creates an empty graph over the ordered index list.
func NewGraph(store catalog.Store, builder Builder, indexes []*catalog.Index, platform *catalog.Platform) *Graph {
	return &Graph{
		store:    store,
		builder:  builder,
		indexes:  indexes,
		platform: platform,
		nodes:    map[string]*DependencyNode{},
	}
}

// Nodes returns the graph's nodes in insertion order.
func (g *Graph) Nodes() []*DependencyNode {
	nodes := make([]*DependencyNode, 0, len(g.order))
	for _, key := range g.order {
		if node, ok := g.nodes[key]; ok {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// Log returns the accumulated compile log.
func (g *Graph) Log() string {
	return g.log.String()
}

func (g *Graph) logf(format string, args ...interface{}) {
	fmt.Fprintf(&g.log, format+"\n", args...)
}

func (g *Graph) setNode(key string, node *DependencyNode) {
	if _, ok := g.nodes[key]; !ok {
		g.order = append(g.order, key)
	}
	g.nodes[key] = node
}

// AddRequirement registers a user-declared requirement, short-circuiting
// those whose marker evaluates false on the target platform and stripping
// the marker otherwise.
func (g *Graph) AddRequirement(req pypi.Requirement) error {
	if req.Marker != "" {
		ok, err := pypi.EvaluateMarker(req.Marker, g.platform.Environment)
		if err != nil {
			return fmt.Errorf("invalid marker on %s: %w", req.Name, err)
		}
		if !ok {
			g.logf("skipping %s (marker is false on %s)", req.Name, g.platform.Slug)
			return nil
		}
		req.Marker = ""
	}
	g.setNode(req.Key(), &DependencyNode{Requirement: req, Declared: true})
	return nil
}

// updateRequirement merges a discovered dependency into the graph,
// recording the citing build. Merging into an existing node clears its
// selection so it is re-resolved under the merged requirement.
func (g *Graph) updateRequirement(req pypi.Requirement, requiredBy *BuildRef) error {
	key := req.Key()
	node, ok := g.nodes[key]
	if !ok {
		g.setNode(key, &DependencyNode{Requirement: req, RequiredBy: []*BuildRef{requiredBy}})
		return nil
	}
	merged, err := MergeRequirements(node.Requirement, req)
	if err != nil {
		return err
	}
	node.Requirement = merged
	node.RequiredBy = append(node.RequiredBy, requiredBy)
	node.Build = nil
	return nil
}

// containsBuild reports whether a citing build is still part of the current
// selection: its package's node exists and either has no selection yet or
// selected that same release. URL builds are pinned by construction and
// always count.
func (g *Graph) containsBuild(build *BuildRef) bool {
	if build.IsExternal() {
		return true
	}
	node, ok := g.nodes[pypi.NormalizeName(build.Package.Slug)]
	if !ok {
		return false
	}
	if node.Build == nil {
		return true
	}
	if node.Build.IsExternal() {
		return false
	}
	return node.Build.Release.Version == build.Release.Version
}

// FindBestRelease scans the indexes in declared order and, per index, that
// package's releases newest first, returning the first release satisfying
// req. Pre-releases are skipped unless req pins that exact version.
func (g *Graph) FindBestRelease(ctx context.Context, req pypi.Requirement) (*catalog.Release, *catalog.Package, error) {
	for _, index := range g.indexes {
		pkg, err := g.store.GetPackage(ctx, index.ID, req.Key())
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		releases, err := g.store.ListReleases(ctx, pkg.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, release := range releases {
			version, err := release.ParsedVersion()
			if err != nil {
				continue
			}
			if version.IsPrerelease() && !req.Specifier.Pins(version) {
				continue
			}
			if req.Specifier.Contains(version) {
				return release, pkg, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnsatisfied, req.String())
}

// resolveNode selects a build for a node: the external build for URL
// requirements, the best catalog release's build otherwise.
func (g *Graph) resolveNode(ctx context.Context, node *DependencyNode) error {
	if node.Requirement.URL != "" {
		external, err := g.store.GetOrCreateExternalBuild(ctx, node.Requirement.URL, g.platform.ID)
		if err != nil {
			return err
		}
		node.Build = &BuildRef{External: external}
		return nil
	}

	release, pkg, err := g.FindBestRelease(ctx, node.Requirement)
	if err != nil {
		return err
	}
	build, err := g.store.GetOrCreateBuild(ctx, release.ID, g.platform.ID)
	if err != nil {
		return err
	}
	node.Build = &BuildRef{Build: build, Release: release, Package: pkg}
	return nil
}

// addDependencies triggers the node's build when needed and folds the
// resulting wheel's dependencies into the graph.
func (g *Graph) addDependencies(ctx context.Context, node *DependencyNode) error {
	if !node.Build.IsBuilt() {
		g.logf("building %s", node.Build.PackageName())
		if err := g.buildNode(ctx, node); err != nil {
			return err
		}
	}

	meta := node.Build.Metadata()
	if meta == nil {
		return fmt.Errorf("build of %s produced no metadata", node.Build.PackageName())
	}
	deps, err := meta.Requirements(node.Requirement.Extras, g.platform.Environment)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		if dep.Marker != "" {
			ok, markerErr := pypi.EvaluateMarker(dep.Marker, g.platform.Environment)
			if markerErr != nil {
				return fmt.Errorf("invalid marker on %s: %w", dep.Name, markerErr)
			}
			if !ok {
				continue
			}
			dep.Marker = ""
		}
		g.logf("adding %s from %s", dep.String(), node.Build.PackageName())
		if err := g.updateRequirement(dep, node.Build); err != nil {
			return err
		}
	}
	return nil
}

// buildNode runs the build synchronously and refreshes the node's rows.
func (g *Graph) buildNode(ctx context.Context, node *DependencyNode) error {
	if node.Build.IsExternal() {
		if err := g.builder.BuildExternalNow(ctx, node.Build.External.ID); err != nil {
			return err
		}
		external, err := g.store.GetExternalBuild(ctx, node.Build.External.ID)
		if err != nil {
			return err
		}
		node.Build.External = external
		return nil
	}
	if err := g.builder.BuildNow(ctx, node.Build.Build.ID); err != nil {
		return err
	}
	build, err := g.store.GetBuild(ctx, node.Build.Build.ID)
	if err != nil {
		return err
	}
	node.Build.Build = build
	return nil
}

// compileRound resolves every unselected node and ingests its dependencies.
// It reports whether any node changed.
func (g *Graph) compileRound(ctx context.Context) (bool, error) {
	tainted := false
	for _, key := range append([]string(nil), g.order...) {
		node, ok := g.nodes[key]
		if !ok || node.Build != nil {
			continue
		}
		tainted = true
		if err := g.resolveNode(ctx, node); err != nil {
			return false, err
		}
		if err := g.addDependencies(ctx, node); err != nil {
			return false, err
		}
	}
	return tainted, nil
}

// removeRound drops stale required-by edges and removes non-declared nodes
// nothing cites anymore. It reports whether anything was removed.
func (g *Graph) removeRound() bool {
	removed := false
	for _, key := range append([]string(nil), g.order...) {
		node, ok := g.nodes[key]
		if !ok {
			continue
		}
		kept := node.RequiredBy[:0]
		for _, build := range node.RequiredBy {
			if g.containsBuild(build) {
				kept = append(kept, build)
			}
		}
		node.RequiredBy = kept
		if !node.Declared && len(node.RequiredBy) == 0 {
			delete(g.nodes, key)
			removed = true
		}
	}
	return removed
}

// RemoveOrphans runs removal rounds to a fixed point.
func (g *Graph) RemoveOrphans() {
	for g.removeRound() {
	}
}

// Compile parses the user requirements and runs build and reduction rounds
// until the graph stabilizes.
func (g *Graph) Compile(ctx context.Context, requirements string) error {
	reqs, err := pypi.ParseRequirements(requirements)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMergeConflict, err)
	}
	for _, req := range reqs {
		if err := g.AddRequirement(req); err != nil {
			return err
		}
	}

	for round := 1; ; round++ {
		g.logf("round %d", round)
		tainted, err := g.compileRound(ctx)
		if err != nil {
			return err
		}
		if !tainted {
			return nil
		}
		g.RemoveOrphans()
	}
}

// MergeRequirements combines requirements for the same package: extras by
// union, specifiers by intersection. A URL requirement is preserved; two
// distinct URLs conflict, and the version embedded in the egg fragment must
// satisfy the merged specifier.
func MergeRequirements(reqs ...pypi.Requirement) (pypi.Requirement, error) {
	if len(reqs) == 0 {
		return pypi.Requirement{}, fmt.Errorf("nothing to merge")
	}
	key := reqs[0].Key()

	merged := pypi.Requirement{Name: reqs[0].Name}
	extras := map[string]bool{}
	url := ""

	for _, req := range reqs {
		if req.Key() != key {
			return pypi.Requirement{}, fmt.Errorf("cannot merge %q into %q", req.Key(), key)
		}
		if req.Marker != "" {
			return pypi.Requirement{}, fmt.Errorf("unresolved marker on %s", req.Name)
		}
		for _, extra := range req.Extras {
			extras[extra] = true
		}

		specifier := req.Specifier
		if req.URL != "" {
			if url != "" && url != req.URL {
				return pypi.Requirement{}, fmt.Errorf("%w: %s is required from both %s and %s",
					ErrMergeConflict, key, url, req.URL)
			}
			url = req.URL
			// The egg fragment contributes its pin to the specifier set.
			egg := pypi.EggVersion(req.URL)
			if egg == "" {
				return pypi.Requirement{}, fmt.Errorf("%w: URL requirement %s has no egg version", ErrMergeConflict, req.URL)
			}
			specifier = pypi.SpecifierSet{{Op: "==", Version: egg}}
		}
		merged.Specifier = merged.Specifier.Intersect(specifier)
	}

	for extra := range extras {
		merged.Extras = append(merged.Extras, extra)
	}
	sort.Strings(merged.Extras)

	if url != "" {
		version, err := pypi.ParseVersion(pypi.EggVersion(url))
		if err != nil {
			return pypi.Requirement{}, fmt.Errorf("%w: invalid egg version in %s", ErrMergeConflict, url)
		}
		if !merged.Specifier.Contains(version) {
			return pypi.Requirement{}, fmt.Errorf("%w: %s==%s does not satisfy %s",
				ErrMergeConflict, key, version, merged.Specifier.String())
		}
		merged.URL = url
		merged.Specifier = nil
	}
	return merged, nil
}
