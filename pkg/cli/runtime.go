package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/divio/ac-wheelsproxy/pkg/artifacts"
	"github.com/divio/ac-wheelsproxy/pkg/builder"
	"github.com/divio/ac-wheelsproxy/pkg/catalog"
	"github.com/divio/ac-wheelsproxy/pkg/config"
	"github.com/divio/ac-wheelsproxy/pkg/linkcache"
	"github.com/divio/ac-wheelsproxy/pkg/observability"
	"github.com/divio/ac-wheelsproxy/pkg/resolver"
	"github.com/divio/ac-wheelsproxy/pkg/scheduler"
	"github.com/divio/ac-wheelsproxy/pkg/syncer"
	"github.com/divio/ac-wheelsproxy/pkg/upstream"
)

// runtime is the lazily assembled component stack a command runs against.
type runtime struct {
	cfg    *config.Config
	logger *observability.Logger
	store  catalog.Store
	cache  *linkcache.Cache

	blobs   artifacts.Storage
	docker  *builder.DockerRunner
	builder *builder.Builder
	sched   *scheduler.Scheduler
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	driver, dsn, err := cfg.Catalog.Driver()
	if err != nil {
		return nil, err
	}
	store, err := catalog.OpenSQLStore(ctx, driver, dsn, cfg.Catalog.MaxConns, cfg.Catalog.MinConns)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger, store: store}

	if cfg.Cache.RedisURL != "" {
		cache, err := linkcache.New(linkcache.Options{
			URL:      cfg.Cache.RedisURL,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			L1Size:   cfg.Cache.L1Size,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		store.SetInvalidator(cache)
		rt.cache = cache
	}
	return rt, nil
}

// withBuilds attaches the blob store, docker runner, builder and scheduler;
// only commands that build wheels pay for a docker connection.
func (rt *runtime) withBuilds(ctx context.Context) error {
	blobs, err := artifacts.FromDSN(ctx, rt.cfg.Builds.StorageDSN, rt.cfg.Builds.StoragePublicURL)
	if err != nil {
		return err
	}
	docker, err := builder.NewDockerRunner(rt.cfg.Builds.DockerDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to docker: %w", err)
	}
	rt.blobs = blobs
	rt.docker = docker
	if sqlStore, ok := rt.store.(*catalog.SQLStore); ok {
		sqlStore.SetArtifactReaper(artifacts.NewReaper(blobs, rt.logger))
	}
	rt.builder = builder.New(docker, rt.store, blobs, rt.logger,
		rt.cfg.Builds.TempBuildRoot, rt.cfg.Builds.CompileCacheRoot)

	var invalidator catalog.Invalidator
	var redisClient *redis.Client
	if rt.cache != nil {
		invalidator = rt.cache
		redisClient = rt.cache.Client()
	}
	rt.sched = scheduler.New(rt.store, rt.builder, invalidator, redisClient, rt.logger, nil)
	return nil
}

func (rt *runtime) close() {
	if rt.docker != nil {
		rt.docker.Close()
	}
	if rt.cache != nil {
		rt.cache.Close()
	}
	rt.store.Close()
}

func (rt *runtime) synchronizer() *syncer.Synchronizer {
	return syncer.New(rt.store, rt.clientFactory(), rt.logger,
		syncer.WithConcurrency(rt.cfg.Sync.Concurrency),
		syncer.WithChunkSize(rt.cfg.Sync.ChunkSize))
}

func (rt *runtime) clientFactory() syncer.ClientFactory {
	return func(index *catalog.Index) (upstream.Client, error) {
		return upstream.New(index, upstream.Options{
			Timeout: rt.cfg.Sync.UpstreamTimeout,
			Retries: rt.cfg.Sync.MaxCacheBustRetries,
		})
	}
}

// compileService wires the resolver against the scheduler-backed builder.
func (rt *runtime) compileService() *resolver.Service {
	return resolver.NewService(rt.store, schedulerBuilder{rt.sched}, rt.builder, rt.builder, rt.logger, nil)
}

// schedulerBuilder adapts the scheduler to the resolver's synchronous
// build trigger.
type schedulerBuilder struct {
	sched *scheduler.Scheduler
}

func (b schedulerBuilder) BuildNow(ctx context.Context, buildID int64) error {
	return b.sched.ScheduleBuild(ctx, buildID, false)
}

func (b schedulerBuilder) BuildExternalNow(ctx context.Context, buildID int64) error {
	return b.sched.ScheduleExternalBuild(ctx, buildID, false)
}
