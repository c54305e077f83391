package frontend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/divio/ac-wheelsproxy/pkg/async"
	"github.com/divio/ac-wheelsproxy/pkg/catalog"
	"github.com/divio/ac-wheelsproxy/pkg/httputil"
	"github.com/divio/ac-wheelsproxy/pkg/pypi"
	"github.com/divio/ac-wheelsproxy/pkg/resolver"
	syncpkg "github.com/divio/ac-wheelsproxy/pkg/syncer"
)

// requestScope is the resolved (index set, platform) pair of a request.
type requestScope struct {
	indexes    []*catalog.Index
	indexSlugs []string
	platform   *catalog.Platform
}

func (s *Server) resolveScope(r *http.Request) (*requestScope, error) {
	vars := mux.Vars(r)
	slugs := strings.Split(vars["indexes"], "+")

	indexes, err := s.store.GetIndexes(r.Context(), slugs)
	if err != nil {
		return nil, fmt.Errorf("index not found: %w", err)
	}
	platform, err := s.store.GetPlatform(r.Context(), vars["platform"])
	if err != nil {
		return nil, fmt.Errorf("platform not found: %w", err)
	}
	return &requestScope{indexes: indexes, indexSlugs: slugs, platform: platform}, nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	scope, err := s.resolveScope(r)
	if err != nil {
		httputil.WriteNotFound(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	rootTemplate.Execute(w, rootPageData{
		Indexes:  strings.Join(scope.indexSlugs, "+"),
		Platform: scope.platform.Slug,
	})
}

// buildLink computes the URL a link page (or resolve response) hands out for
// a build: the artifact itself when built (unless downloads are forced
// through the redirect), the download/trigger route otherwise.
func (s *Server) buildLink(detail *catalog.BuildDetail, includeDigest bool) (filename, link string) {
	filename = detail.Filename()
	if detail.Build.IsBuilt() && !s.cfg.AlwaysRedirectDownloads {
		link = s.blobs.URL(detail.Build.Artifact)
		if includeDigest && detail.Build.MD5Digest != "" {
			link += "#md5=" + detail.Build.MD5Digest
		}
		return filename, link
	}
	link = s.absoluteURL(fmt.Sprintf("/v1/%s/%s/+simple/%s/%s/download/%d/%s",
		detail.Index.Slug, detail.Platform.Slug, detail.Package.Slug,
		detail.Release.Version, detail.Build.ID, filename))
	return filename, link
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	scope, err := s.resolveScope(r)
	if err != nil {
		httputil.WriteNotFound(w, err.Error())
		return
	}

	rawName := vars["package"]
	packageName := pypi.NormalizeName(rawName)

	useCache := s.cache != nil &&
		rawName == packageName &&
		r.URL.Query().Get("cache") != "off"

	var cacheKey string
	if useCache {
		cacheKey, err = s.cache.Key(ctx, "links", scope.indexSlugs, scope.platform.Slug, packageName)
		if err != nil {
			s.logger.WithError(err).Warn("Link cache unavailable; serving uncached")
			useCache = false
		} else if body, ok := s.cache.Get(ctx, cacheKey); ok {
			if s.metrics != nil {
				s.metrics.CacheHitsTotal.Inc()
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write(body)
			return
		}
	}
	if useCache && s.metrics != nil {
		s.metrics.CacheMissesTotal.Inc()
	}

	// At least one index must carry the package.
	found := false
	for _, index := range scope.indexes {
		if _, err := s.store.GetPackage(ctx, index.ID, packageName); err == nil {
			found = true
			break
		}
	}
	if !found {
		httputil.WriteNotFound(w, "package not found")
		return
	}

	// Non-canonical names redirect permanently to the canonical URL.
	if rawName != packageName {
		target := s.absoluteURL(fmt.Sprintf("/v1/%s/%s/+simple/%s/",
			strings.Join(scope.indexSlugs, "+"), scope.platform.Slug, packageName))
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}

	// One link per version across the whole index set: the first index in
	// declared order wins.
	seenVersions := map[string]bool{}
	var links []Link
	for _, index := range scope.indexes {
		pkg, err := s.store.GetPackage(ctx, index.ID, packageName)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
		builds, err := s.store.ListBuilds(ctx, pkg.ID, scope.platform.ID)
		if err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
		for _, build := range builds {
			detail, err := s.store.GetBuildDetail(ctx, build.ID)
			if err != nil {
				httputil.WriteInternalError(w, err)
				return
			}
			if seenVersions[detail.Release.Version] {
				continue
			}
			seenVersions[detail.Release.Version] = true
			filename, link := s.buildLink(detail, true)
			links = append(links, Link{Filename: filename, URL: link})
		}
	}

	var buf bytes.Buffer
	if err := linksTemplate.Execute(&buf, linksPageData{
		PackageName: packageName,
		Platform:    scope.platform.Slug,
		Links:       links,
	}); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	if useCache {
		if err := s.cache.Set(ctx, cacheKey, buf.Bytes()); err != nil {
			s.logger.WithError(err).Warn("Failed to store link page")
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// handleDownload resolves a build row (by id when possible, by coordinates
// otherwise), schedules a build when the artifact is missing and redirects
// the installer at whatever is downloadable right now.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	scope, err := s.resolveScope(r)
	if err != nil {
		httputil.WriteNotFound(w, err.Error())
		return
	}

	var detail *catalog.BuildDetail
	if id, err := strconv.ParseInt(vars["buildID"], 10, 64); err == nil {
		if d, err := s.store.GetBuildDetail(ctx, id); err == nil {
			detail = d
		}
	}
	if detail == nil {
		detail, err = s.lookupBuild(ctx, scope, vars["package"], vars["version"])
		if err != nil {
			httputil.WriteNotFound(w, err.Error())
			return
		}
	}

	if detail.Build.IsBuilt() {
		target := s.blobs.URL(detail.Build.Artifact)
		if detail.Build.MD5Digest != "" {
			target += "#md5=" + detail.Build.MD5Digest
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	// Kick the build off in the background; this request redirects to the
	// upstream source so the installer is never blocked on a container.
	buildID := detail.Build.ID
	async.SafeGo(context.Background(), s.logger, 30*time.Minute, "scheduled build",
		func(ctx context.Context) error {
			return s.scheduler.ScheduleBuild(ctx, buildID, false)
		})

	target := detail.Release.URL
	if detail.Release.MD5Digest != "" {
		target += "#md5=" + detail.Release.MD5Digest
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// lookupBuild finds (or creates) the build row for explicit coordinates,
// refreshing the release from upstream when the catalog has not seen that
// version yet.
func (s *Server) lookupBuild(ctx context.Context, scope *requestScope, packageName, version string) (*catalog.BuildDetail, error) {
	if len(scope.indexes) != 1 {
		return nil, errors.New("build lookup requires a single index")
	}
	index := scope.indexes[0]

	pkg, err := s.store.GetPackage(ctx, index.ID, packageName)
	if err != nil {
		return nil, fmt.Errorf("package not found: %w", err)
	}

	release, err := s.store.GetRelease(ctx, pkg.ID, version)
	if errors.Is(err, catalog.ErrNotFound) && s.clients != nil {
		release, err = s.refreshRelease(ctx, index, pkg, version)
	}
	if err != nil {
		return nil, fmt.Errorf("release not found: %w", err)
	}

	build, err := s.store.GetOrCreateBuild(ctx, release.ID, scope.platform.ID)
	if err != nil {
		return nil, err
	}
	return s.store.GetBuildDetail(ctx, build.ID)
}

// refreshRelease asks upstream for the package's releases again to learn a
// version the catalog does not have yet.
func (s *Server) refreshRelease(ctx context.Context, index *catalog.Index, pkg *catalog.Package, version string) (*catalog.Release, error) {
	client, err := s.clients(index)
	if err != nil {
		return nil, err
	}
	releases, err := client.GetPackageReleases(ctx, pkg.Slug)
	if err != nil {
		return nil, err
	}
	normalized := pypi.NormalizeVersion(version)
	for haveVersion, descriptors := range releases {
		if pypi.NormalizeVersion(haveVersion) != normalized {
			continue
		}
		best, ok := syncpkg.BestRelease(descriptors)
		if !ok {
			break
		}
		return s.store.GetOrCreateRelease(ctx, pkg.ID, normalized, &catalog.ReleaseSpec{
			URL:       best.URL,
			MD5Digest: best.MD5Digest,
		})
	}
	return nil, catalog.ErrNotFound
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, err := s.resolveScope(r)
	if err != nil {
		httputil.WriteNotFound(w, err.Error())
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "malformed request payload received")
		return
	}

	indexURL := s.absoluteURL(fmt.Sprintf("/v1/%s/%s/+simple/",
		strings.Join(scope.indexSlugs, "+"), scope.platform.Slug))

	reqs := &catalog.CompiledRequirements{
		PlatformID:   scope.platform.ID,
		Requirements: string(body),
		IndexURL:     indexURL,
		IndexSlugs:   scope.indexSlugs,
	}
	if err := s.store.CreateCompiledRequirements(ctx, reqs); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	result, err := s.compiler.Compile(ctx, reqs.ID, false)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	track := s.authoritativeTrack(result)
	if track.Status == catalog.CompilationDone {
		httputil.WriteText(w, http.StatusOK, track.Requirements)
		return
	}
	httputil.WriteText(w, http.StatusBadRequest, track.Log)
}

// authoritativeTrack picks the configured track, falling back to the
// internal result when the pip track never ran.
func (s *Server) authoritativeTrack(reqs *catalog.CompiledRequirements) *catalog.CompilationTrack {
	if s.cfg.CompileAuthority == resolver.TrackPip &&
		reqs.Pip.Status != catalog.CompilationPending {
		return &reqs.Pip
	}
	return &reqs.Internal
}

// handleResolve turns a pinned requirements file into direct artifact URLs,
// one per input line.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, err := s.resolveScope(r)
	if err != nil {
		httputil.WriteNotFound(w, err.Error())
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "malformed request payload received")
		return
	}

	indexIDs := make([]int64, len(scope.indexes))
	for i, index := range scope.indexes {
		indexIDs[i] = index.ID
	}

	var urls []string
	for _, line := range pypi.SplitLines(string(body)) {
		switch {
		case strings.HasPrefix(line, "http://"), strings.HasPrefix(line, "https://"):
			resolved, err := s.resolveURLRequirement(ctx, scope, line)
			if err != nil {
				httputil.WriteBadRequest(w, err.Error())
				return
			}
			urls = append(urls, resolved)
		default:
			resolved, err := s.resolvePinnedRequirement(ctx, scope, indexIDs, line)
			if err != nil {
				httputil.WriteBadRequest(w, err.Error())
				return
			}
			urls = append(urls, resolved)
		}
	}

	httputil.WriteText(w, http.StatusOK, strings.Join(urls, "\n")+"\n")
}

func (s *Server) resolveURLRequirement(ctx context.Context, scope *requestScope, rawURL string) (string, error) {
	build, err := s.store.GetOrCreateExternalBuild(ctx, rawURL, scope.platform.ID)
	if err != nil {
		return "", err
	}
	if build.IsBuilt() {
		link := s.blobs.URL(build.Artifact)
		if build.MD5Digest != "" {
			link += "#md5=" + build.MD5Digest
		}
		return link, nil
	}
	buildID := build.ID
	async.SafeGo(context.Background(), s.logger, 30*time.Minute, "scheduled external build",
		func(ctx context.Context) error {
			return s.scheduler.ScheduleExternalBuild(ctx, buildID, false)
		})
	return build.ExternalURL, nil
}

func (s *Server) resolvePinnedRequirement(ctx context.Context, scope *requestScope, indexIDs []int64, line string) (string, error) {
	req, err := pypi.ParseRequirement(line)
	if err != nil {
		return "", fmt.Errorf("invalid requirement %q", line)
	}
	if len(req.Specifier) != 1 || req.Specifier[0].Op != "==" {
		return "", fmt.Errorf("requirement %q is not pinned with ==", line)
	}

	release, err := s.store.FindRelease(ctx, indexIDs, req.Key(), req.Specifier[0].Version)
	if err != nil {
		return "", fmt.Errorf("no release found for %q", line)
	}
	build, err := s.store.GetOrCreateBuild(ctx, release.ID, scope.platform.ID)
	if err != nil {
		return "", err
	}
	detail, err := s.store.GetBuildDetail(ctx, build.ID)
	if err != nil {
		return "", err
	}
	_, link := s.buildLink(detail, true)
	return link, nil
}
