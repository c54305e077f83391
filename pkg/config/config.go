// Package config loads the proxy's configuration from WHEELSPROXY_*
// environment variables and validates it.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/divio/ac-wheelsproxy/pkg/observability"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig
	Catalog       CatalogConfig
	Builds        BuildsConfig
	Cache         CacheConfig
	Sync          SyncConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for probes)
	HealthPort string

	// ExternalURL is the base URL clients reach the proxy under; used when
	// issuing absolute URLs in compile output and redirects.
	ExternalURL string
}

// CatalogConfig holds the relational catalog settings.
type CatalogConfig struct {
	// URL is the catalog DSN; the scheme selects the driver
	// (postgres://...; sqlite://path is accepted for single-node setups).
	URL      string
	MaxConns int
	MinConns int
}

// Driver returns the database/sql driver name and DSN for the catalog URL.
func (c CatalogConfig) Driver() (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(c.URL, "postgres://"), strings.HasPrefix(c.URL, "postgresql://"):
		return "postgres", c.URL, nil
	case strings.HasPrefix(c.URL, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(c.URL, "sqlite://"), nil
	default:
		return "", "", fmt.Errorf("unsupported catalog URL scheme in %q", c.URL)
	}
}

// BuildsConfig holds build pipeline settings.
type BuildsConfig struct {
	// StorageDSN selects the blob store: s3://... or file://...
	StorageDSN string
	// StoragePublicURL overrides the base URL artifact links are issued
	// under.
	StoragePublicURL string
	// DockerDSN is the container driver endpoint: unix://, tcp:// or
	// https://. Empty uses the standard Docker environment variables.
	DockerDSN string
	// TempBuildRoot is the parent of per-build scratch directories.
	TempBuildRoot string
	// CompileCacheRoot is the persistent pip cache mount, per platform.
	CompileCacheRoot string
	// AlwaysRedirectDownloads routes built wheels through the download
	// endpoint for telemetry instead of linking the artifact directly.
	AlwaysRedirectDownloads bool
	// ServeBuilds makes the front end serve the file:// blob root itself.
	ServeBuilds bool
	// CompileAuthority selects the track served to compile clients:
	// "internal" or "pip".
	CompileAuthority string
}

// CacheConfig holds the link-page cache settings.
type CacheConfig struct {
	RedisURL      string
	RedisPassword string
	RedisDB       int
	L1Size        int
}

// SyncConfig holds synchronizer settings.
type SyncConfig struct {
	Concurrency          int
	ChunkSize            int
	MaxCacheBustRetries  int
	UpstreamTimeout      time.Duration
	// Schedule is the cron expression the sync daemon runs on.
	Schedule string
	// BootstrapFile is the optional YAML seed of indexes and platforms.
	BootstrapFile string
}

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("WHEELSPROXY_HOST", "0.0.0.0"),
			Port:            getEnv("WHEELSPROXY_PORT", "8080"),
			ReadTimeout:     getEnvDuration("WHEELSPROXY_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("WHEELSPROXY_WRITE_TIMEOUT", 5*time.Minute),
			IdleTimeout:     getEnvDuration("WHEELSPROXY_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("WHEELSPROXY_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("WHEELSPROXY_HEALTH_PORT", "9090"),
			ExternalURL:     getEnv("WHEELSPROXY_EXTERNAL_URL", "http://localhost:8080"),
		},
		Catalog: CatalogConfig{
			URL:      getEnv("WHEELSPROXY_CATALOG_URL", ""),
			MaxConns: getEnvInt("WHEELSPROXY_CATALOG_MAX_CONNS", 20),
			MinConns: getEnvInt("WHEELSPROXY_CATALOG_MIN_CONNS", 2),
		},
		Builds: BuildsConfig{
			StorageDSN:              getEnv("WHEELSPROXY_BUILDS_STORAGE_DSN", ""),
			StoragePublicURL:        getEnv("WHEELSPROXY_BUILDS_STORAGE_PUBLIC_URL", ""),
			DockerDSN:               getEnv("WHEELSPROXY_BUILDS_DOCKER_DSN", ""),
			TempBuildRoot:           getEnv("WHEELSPROXY_TEMP_BUILD_ROOT", "/tmp"),
			CompileCacheRoot:        getEnv("WHEELSPROXY_COMPILE_CACHE_ROOT", "/cache"),
			AlwaysRedirectDownloads: getEnvBool("WHEELSPROXY_ALWAYS_REDIRECT_DOWNLOADS", false),
			ServeBuilds:             getEnvBool("WHEELSPROXY_SERVE_BUILDS", false),
			CompileAuthority:        getEnv("WHEELSPROXY_COMPILE_AUTHORITY", "internal"),
		},
		Cache: CacheConfig{
			RedisURL:      getEnv("WHEELSPROXY_REDIS_URL", ""),
			RedisPassword: getEnv("WHEELSPROXY_REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("WHEELSPROXY_REDIS_DB", 0),
			L1Size:        getEnvInt("WHEELSPROXY_L1_CACHE_SIZE", 256),
		},
		Sync: SyncConfig{
			Concurrency:         getEnvInt("WHEELSPROXY_SYNC_CONCURRENCY", 30),
			ChunkSize:           getEnvInt("WHEELSPROXY_SYNC_CHUNK_SIZE", 150),
			MaxCacheBustRetries: getEnvInt("WHEELSPROXY_MAX_CACHE_BUSTING_RETRIES", 3),
			UpstreamTimeout:     getEnvDuration("WHEELSPROXY_UPSTREAM_TIMEOUT", 15*time.Second),
			Schedule:            getEnv("WHEELSPROXY_SYNC_SCHEDULE", "*/5 * * * *"),
			BootstrapFile:       getEnv("WHEELSPROXY_BOOTSTRAP_FILE", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:           parseLogLevel(getEnv("WHEELSPROXY_LOG_LEVEL", "info")),
			MetricsEnabled:     getEnvBool("WHEELSPROXY_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("WHEELSPROXY_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("WHEELSPROXY_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("WHEELSPROXY_OTEL_SERVICE_NAME", "wheelsproxy"),
			OTelServiceVersion: getEnv("WHEELSPROXY_OTEL_SERVICE_VERSION", "1.0.0"),
			OTelInsecure:       getEnvBool("WHEELSPROXY_OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is consistent.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Catalog.URL == "" {
		return fmt.Errorf("WHEELSPROXY_CATALOG_URL is required")
	}
	if _, _, err := c.Catalog.Driver(); err != nil {
		return err
	}

	if c.Builds.StorageDSN == "" {
		return fmt.Errorf("WHEELSPROXY_BUILDS_STORAGE_DSN is required")
	}
	if u, err := url.Parse(c.Builds.StorageDSN); err != nil {
		return fmt.Errorf("invalid builds storage DSN: %w", err)
	} else if u.Scheme != "s3" && u.Scheme != "file" {
		return fmt.Errorf("unsupported builds storage scheme: %q", u.Scheme)
	}

	if c.Builds.DockerDSN != "" {
		u, err := url.Parse(c.Builds.DockerDSN)
		if err != nil {
			return fmt.Errorf("invalid docker DSN: %w", err)
		}
		switch u.Scheme {
		case "unix", "tcp", "https":
		default:
			return fmt.Errorf("unsupported docker DSN scheme: %q", u.Scheme)
		}
	}

	switch c.Builds.CompileAuthority {
	case "internal", "pip":
	default:
		return fmt.Errorf("invalid compile authority: %q (must be internal or pip)", c.Builds.CompileAuthority)
	}

	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
	}
	return nil
}

func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
