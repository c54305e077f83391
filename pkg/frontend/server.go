// Package frontend is the HTTP surface of the proxy: the per-platform
// simple index pages served to installers, the download/build trigger
// redirects and the requirement compilation endpoints.
package frontend

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/divio/ac-wheelsproxy/pkg/artifacts"
	"github.com/divio/ac-wheelsproxy/pkg/catalog"
	"github.com/divio/ac-wheelsproxy/pkg/httputil"
	"github.com/divio/ac-wheelsproxy/pkg/linkcache"
	"github.com/divio/ac-wheelsproxy/pkg/observability"
	"github.com/divio/ac-wheelsproxy/pkg/resolver"
	"github.com/divio/ac-wheelsproxy/pkg/scheduler"
	"github.com/divio/ac-wheelsproxy/pkg/upstream"
)

// Config tunes the front end's behavior.
type Config struct {
	// ExternalURL is the base URL the proxy is reachable under.
	ExternalURL string
	// AlwaysRedirectDownloads keeps built wheels behind the download
	// endpoint for telemetry instead of linking artifacts directly.
	AlwaysRedirectDownloads bool
	// ServeBuilds serves the filesystem blob root under /builds/.
	ServeBuilds bool
	// CompileAuthority selects the track answered to compile clients.
	CompileAuthority string
}

// Server routes installer and compiler traffic to the core components.
type Server struct {
	store     catalog.Store
	cache     *linkcache.Cache
	blobs     artifacts.Storage
	scheduler *scheduler.Scheduler
	compiler  *resolver.Service
	clients   func(*catalog.Index) (upstream.Client, error)
	logger    *observability.Logger
	metrics   *observability.Metrics
	cfg       Config

	router *mux.Router
}

// NewServer wires the router. cache, metrics and clients may be nil.
func NewServer(
	store catalog.Store,
	cache *linkcache.Cache,
	blobs artifacts.Storage,
	sched *scheduler.Scheduler,
	compiler *resolver.Service,
	clients func(*catalog.Index) (upstream.Client, error),
	logger *observability.Logger,
	metrics *observability.Metrics,
	cfg Config,
) *Server {
	if cfg.CompileAuthority == "" {
		cfg.CompileAuthority = resolver.TrackInternal
	}
	s := &Server{
		store:     store,
		cache:     cache,
		blobs:     blobs,
		scheduler: sched,
		compiler:  compiler,
		clients:   clients,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/v1/{indexes}/{platform}").Subrouter()
	v1.Handle("/+simple/", s.route("index_root", http.HandlerFunc(s.handleRoot))).Methods(http.MethodGet)
	v1.Handle("/+simple/{package}/", s.route("package_links",
		httputil.GzipMiddleware(http.HandlerFunc(s.handleLinks)))).Methods(http.MethodGet)
	v1.Handle("/+simple/{package}/{version}/download/{buildID}/{filename}",
		s.route("download_build", http.HandlerFunc(s.handleDownload))).Methods(http.MethodGet)
	v1.Handle("/+compile/", s.route("compile", http.HandlerFunc(s.handleCompile))).Methods(http.MethodPost)
	v1.Handle("/+resolve/", s.route("resolve", http.HandlerFunc(s.handleResolve))).Methods(http.MethodPost)

	// Backwards compatible per-package alias.
	r.Handle("/d/{indexes}/{platform}/{package}/", s.route("package_links_legacy",
		httputil.GzipMiddleware(http.HandlerFunc(s.handleLinks)))).Methods(http.MethodGet)

	if s.cfg.ServeBuilds {
		if fs, ok := s.blobs.(*artifacts.FilesystemStorage); ok {
			r.PathPrefix("/builds/").Handler(
				http.StripPrefix("/builds/", http.FileServer(http.Dir(fs.Root()))))
		}
	}

	s.router = r
}

func (s *Server) route(name string, handler http.Handler) http.Handler {
	if s.metrics == nil {
		return handler
	}
	return httputil.MetricsMiddleware(s.metrics, name)(handler)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// absoluteURL joins a path onto the externally visible base URL.
func (s *Server) absoluteURL(path string) string {
	return strings.TrimRight(s.cfg.ExternalURL, "/") + path
}
