package catalog

import (
	"context"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// TestPostgresIntegration runs the store conformance suite against a real
// PostgreSQL instance. It only runs when WHEELSPROXY_TEST_INTEGRATION is set,
// since it needs a working Docker daemon.
func TestPostgresIntegration(t *testing.T) {
	if os.Getenv("WHEELSPROXY_TEST_INTEGRATION") == "" {
		t.Skip("set WHEELSPROXY_TEST_INTEGRATION=1 to run container-backed tests")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("wheelsproxy"),
		tcpostgres.WithUsername("wheelsproxy"),
		tcpostgres.WithPassword("wheelsproxy"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := OpenSQLStore(ctx, "postgres", dsn, 10, 2)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	inv := &recordingInvalidator{}
	store.SetInvalidator(inv)
	runStoreConformance(t, store, inv)
}
