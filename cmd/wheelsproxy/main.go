package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/divio/ac-wheelsproxy/pkg/artifacts"
	"github.com/divio/ac-wheelsproxy/pkg/builder"
	"github.com/divio/ac-wheelsproxy/pkg/catalog"
	"github.com/divio/ac-wheelsproxy/pkg/config"
	"github.com/divio/ac-wheelsproxy/pkg/frontend"
	"github.com/divio/ac-wheelsproxy/pkg/httputil"
	"github.com/divio/ac-wheelsproxy/pkg/linkcache"
	"github.com/divio/ac-wheelsproxy/pkg/observability"
	"github.com/divio/ac-wheelsproxy/pkg/resolver"
	"github.com/divio/ac-wheelsproxy/pkg/scheduler"
	"github.com/divio/ac-wheelsproxy/pkg/upstream"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting wheelsproxy")

	ctx := context.Background()
	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize OpenTelemetry")
		// Continue without tracing.
	}

	// Catalog store.
	driver, dsn, err := cfg.Catalog.Driver()
	if err != nil {
		log.Fatalf("Invalid catalog configuration: %v", err)
	}
	store, err := catalog.OpenSQLStore(ctx, driver, dsn, cfg.Catalog.MaxConns, cfg.Catalog.MinConns)
	if err != nil {
		log.Fatalf("Failed to initialize catalog: %v", err)
	}
	logger.Infof("Catalog initialized (%s)", driver)

	// Link-page cache.
	var cache *linkcache.Cache
	var redisClient *redis.Client
	if cfg.Cache.RedisURL != "" {
		cache, err = linkcache.New(linkcache.Options{
			URL:      cfg.Cache.RedisURL,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			L1Size:   cfg.Cache.L1Size,
		})
		if err != nil {
			log.Fatalf("Failed to initialize link cache: %v", err)
		}
		store.SetInvalidator(cache)
		redisClient = cache.Client()
		logger.Info("Link page cache initialized")
	} else {
		logger.Warn("No redis configured; link pages are served uncached")
	}

	// Artifact store.
	blobs, err := artifacts.FromDSN(ctx, cfg.Builds.StorageDSN, cfg.Builds.StoragePublicURL)
	if err != nil {
		log.Fatalf("Failed to initialize artifact storage: %v", err)
	}
	store.SetArtifactReaper(artifacts.NewReaper(blobs, logger))
	logger.Info("Artifact storage initialized")

	// Builder + scheduler. A missing docker daemon is fatal: the proxy's
	// whole point is producing wheels.
	docker, err := builder.NewDockerRunner(cfg.Builds.DockerDSN)
	if err != nil {
		log.Fatalf("Failed to connect to docker: %v", err)
	}
	wheelBuilder := builder.New(docker, store, blobs, logger,
		cfg.Builds.TempBuildRoot, cfg.Builds.CompileCacheRoot)

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	var invalidator catalog.Invalidator
	if cache != nil {
		invalidator = cache
	}
	sched := scheduler.New(store, wheelBuilder, invalidator, redisClient, logger, metrics)
	compiler := resolver.NewService(store, schedulerBuilder{sched}, wheelBuilder, wheelBuilder, logger, metrics)

	clients := func(index *catalog.Index) (upstream.Client, error) {
		return upstream.New(index, upstream.Options{
			Timeout: cfg.Sync.UpstreamTimeout,
			Retries: cfg.Sync.MaxCacheBustRetries,
		})
	}

	server := frontend.NewServer(store, cache, blobs, sched, compiler, clients, logger, metrics, frontend.Config{
		ExternalURL:             cfg.Server.ExternalURL,
		AlwaysRedirectDownloads: cfg.Builds.AlwaysRedirectDownloads,
		ServeBuilds:             cfg.Builds.ServeBuilds,
		CompileAuthority:        cfg.Builds.CompileAuthority,
	})

	middlewares := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		httputil.MaxBytesMiddleware(10 << 20),
	}
	var handler http.Handler = httputil.Chain(middlewares...)(server)
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "wheelsproxy")
		logger.Info("OpenTelemetry HTTP instrumentation enabled")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on their own listener.
	healthChecker := observability.NewHealthChecker()
	healthChecker.Register("catalog", false, store.HealthCheck)
	healthChecker.Register("storage", false, blobs.HealthCheck)
	if cache != nil {
		healthChecker.Register("redis", true, cache.Ping)
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, healthChecker)
	if metrics != nil {
		healthMux.Handle("/metrics", metrics.Handler())
		logger.Info("Metrics endpoint enabled at /metrics")
	}
	healthServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.HealthPort),
		Handler:      healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("Starting health/metrics server on port %s", cfg.Server.HealthPort)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	// Drain order matters: the build sandboxes go down (removing in-flight
	// containers) before the cache and catalog they report into.
	shutdownManager := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdownManager.RegisterStep("health server", func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdownManager.RegisterStep("build sandboxes", func(context.Context) error {
		return docker.Close()
	})
	if cache != nil {
		shutdownManager.RegisterStep("link cache", func(context.Context) error {
			return cache.Close()
		})
	}
	shutdownManager.RegisterStep("catalog", func(context.Context) error {
		return store.Close()
	})
	if otelProviders != nil {
		shutdownManager.RegisterStep("telemetry", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	go func() {
		logger.Infof("Listening on %s:%s", cfg.Server.Host, cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()

	if err := shutdownManager.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
		os.Exit(1)
	}
	logger.Info("Server shutdown complete")
}

// schedulerBuilder adapts the scheduler to the resolver's synchronous build
// trigger.
type schedulerBuilder struct {
	sched *scheduler.Scheduler
}

func (b schedulerBuilder) BuildNow(ctx context.Context, buildID int64) error {
	return b.sched.ScheduleBuild(ctx, buildID, false)
}

func (b schedulerBuilder) BuildExternalNow(ctx context.Context, buildID int64) error {
	return b.sched.ScheduleExternalBuild(ctx, buildID, false)
}
