// wheelsproxy-syncd runs the periodic maintenance jobs: cron-driven
// incremental index syncing and bootstrap seed application, with a file
// watcher re-applying the seed on edits.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"

	"github.com/divio/ac-wheelsproxy/pkg/bootstrap"
	"github.com/divio/ac-wheelsproxy/pkg/catalog"
	"github.com/divio/ac-wheelsproxy/pkg/config"
	"github.com/divio/ac-wheelsproxy/pkg/linkcache"
	"github.com/divio/ac-wheelsproxy/pkg/observability"
	"github.com/divio/ac-wheelsproxy/pkg/syncer"
	"github.com/divio/ac-wheelsproxy/pkg/upstream"
)

var (
	runOnce   = flag.Bool("run-once", false, "Run one sync pass and exit")
	indexSlug = flag.String("index", "", "Restrict syncing to a single index slug")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting wheelsproxy sync daemon")

	ctx := context.Background()
	driver, dsn, err := cfg.Catalog.Driver()
	if err != nil {
		log.Fatalf("Invalid catalog configuration: %v", err)
	}
	store, err := catalog.OpenSQLStore(ctx, driver, dsn, cfg.Catalog.MaxConns, cfg.Catalog.MinConns)
	if err != nil {
		log.Fatalf("Failed to initialize catalog: %v", err)
	}
	defer store.Close()

	if cfg.Cache.RedisURL != "" {
		cache, err := linkcache.New(linkcache.Options{
			URL:      cfg.Cache.RedisURL,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			log.Fatalf("Failed to initialize link cache: %v", err)
		}
		defer cache.Close()
		store.SetInvalidator(cache)
	}

	metrics := observability.NewMetrics()
	synchronizer := syncer.New(store,
		func(index *catalog.Index) (upstream.Client, error) {
			return upstream.New(index, upstream.Options{
				Timeout: cfg.Sync.UpstreamTimeout,
				Retries: cfg.Sync.MaxCacheBustRetries,
			})
		},
		logger,
		syncer.WithConcurrency(cfg.Sync.Concurrency),
		syncer.WithChunkSize(cfg.Sync.ChunkSize),
		syncer.WithMetrics(metrics))

	applySeed := func() {
		if cfg.Sync.BootstrapFile == "" {
			return
		}
		seed, err := bootstrap.Load(cfg.Sync.BootstrapFile)
		if err != nil {
			logger.WithError(err).Error("Failed to load bootstrap seed")
			return
		}
		if err := bootstrap.Apply(ctx, store, seed, logger); err != nil {
			logger.WithError(err).Error("Failed to apply bootstrap seed")
		}
	}

	syncAll := func() {
		indexes, err := store.ListIndexes(ctx)
		if err != nil {
			logger.WithError(err).Error("Failed to list indexes")
			return
		}
		for _, index := range indexes {
			if *indexSlug != "" && index.Slug != *indexSlug {
				continue
			}
			if index.LastUpdateSerial == nil {
				logger.Warnf("Skipping index %q without initial sync", index.Slug)
				continue
			}
			logger.Infof("Syncing index %q", index.Slug)
			if err := synchronizer.Incremental(ctx, index); err != nil {
				logger.WithError(err).Errorf("Failed to sync index %q", index.Slug)
			}
		}
	}

	applySeed()

	if *runOnce {
		syncAll()
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.Sync.Schedule, syncAll); err != nil {
		log.Fatalf("Failed to schedule index syncing: %v", err)
	}
	c.Start()
	logger.Infof("Index sync schedule: %s", cfg.Sync.Schedule)

	// Re-apply the seed whenever the file changes.
	if cfg.Sync.BootstrapFile != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			log.Fatalf("Failed to create watcher: %v", err)
		}
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(cfg.Sync.BootstrapFile)); err != nil {
			log.Fatalf("Failed to watch bootstrap file: %v", err)
		}
		go func() {
			var last time.Time
			for {
				select {
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Name != cfg.Sync.BootstrapFile {
						continue
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
						continue
					}
					// Editors fire bursts of events; debounce them.
					if time.Since(last) < time.Second {
						continue
					}
					last = time.Now()
					logger.Info("Bootstrap seed changed; re-applying")
					applySeed()
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					logger.WithError(err).Warn("Watcher error")
				}
			}
		}()
		logger.Infof("Watching bootstrap seed %s", cfg.Sync.BootstrapFile)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Infof("Received signal %s, shutting down", sig)

	stopCtx := c.Stop()
	<-stopCtx.Done()
	logger.Info("Sync daemon stopped")
}
