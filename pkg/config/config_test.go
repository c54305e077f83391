package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("WHEELSPROXY_CATALOG_URL", "postgres://localhost/wheelsproxy?sslmode=disable")
	t.Setenv("WHEELSPROXY_BUILDS_STORAGE_DSN", "file:///var/lib/wheelsproxy/builds")
}

func TestLoadConfigDefaults(t *testing.T) {
	validEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, "/tmp", cfg.Builds.TempBuildRoot)
	assert.Equal(t, "/cache", cfg.Builds.CompileCacheRoot)
	assert.Equal(t, "internal", cfg.Builds.CompileAuthority)
	assert.False(t, cfg.Builds.AlwaysRedirectDownloads)
	assert.False(t, cfg.Builds.ServeBuilds)
	assert.Equal(t, 30, cfg.Sync.Concurrency)
	assert.Equal(t, 150, cfg.Sync.ChunkSize)
	assert.Equal(t, 3, cfg.Sync.MaxCacheBustRetries)
	assert.Equal(t, 15*time.Second, cfg.Sync.UpstreamTimeout)
}

func TestLoadConfigOverrides(t *testing.T) {
	validEnv(t)
	t.Setenv("WHEELSPROXY_PORT", "9999")
	t.Setenv("WHEELSPROXY_ALWAYS_REDIRECT_DOWNLOADS", "true")
	t.Setenv("WHEELSPROXY_SYNC_CONCURRENCY", "5")
	t.Setenv("WHEELSPROXY_UPSTREAM_TIMEOUT", "30s")
	t.Setenv("WHEELSPROXY_COMPILE_AUTHORITY", "pip")
	t.Setenv("WHEELSPROXY_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.True(t, cfg.Builds.AlwaysRedirectDownloads)
	assert.Equal(t, 5, cfg.Sync.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Sync.UpstreamTimeout)
	assert.Equal(t, "pip", cfg.Builds.CompileAuthority)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]map[string]string{
		"missing catalog": {
			"WHEELSPROXY_CATALOG_URL": "",
		},
		"bad catalog scheme": {
			"WHEELSPROXY_CATALOG_URL": "mysql://localhost/db",
		},
		"missing storage": {
			"WHEELSPROXY_BUILDS_STORAGE_DSN": "",
		},
		"bad storage scheme": {
			"WHEELSPROXY_BUILDS_STORAGE_DSN": "ftp://host/bucket",
		},
		"bad docker scheme": {
			"WHEELSPROXY_BUILDS_DOCKER_DSN": "ssh://host",
		},
		"same ports": {
			"WHEELSPROXY_HEALTH_PORT": "8080",
		},
		"bad authority": {
			"WHEELSPROXY_COMPILE_AUTHORITY": "magic",
		},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			validEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestCatalogDriver(t *testing.T) {
	driver, dsn, err := CatalogConfig{URL: "postgres://h/db"}.Driver()
	require.NoError(t, err)
	assert.Equal(t, "postgres", driver)
	assert.Equal(t, "postgres://h/db", dsn)

	driver, dsn, err = CatalogConfig{URL: "sqlite:///var/db.sqlite"}.Driver()
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", driver)
	assert.Equal(t, "/var/db.sqlite", dsn)

	_, _, err = CatalogConfig{URL: "bolt://x"}.Driver()
	assert.Error(t, err)
}
