package store

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/connectortest"
)

func postgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func openPostgres(t *testing.T, clock connector.Clock) storeFactory {
	t.Helper()
	ctx := context.Background()
	pool, err := OpenPostgresPool(ctx, postgresDSN(t))
	require.NoError(t, err)

	table := "connector_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	base := NewPostgresStore[*connectortest.Entity](pool, newTestCodec(), WithClock(clock), WithLeaseDuration(testLease), WithTable(table))
	require.NoError(t, base.EnsureSchema(ctx))
	t.Cleanup(func() {
		_ = base.DropTable(context.Background())
		pool.Close()
	})
	return func(holder string) testStore {
		return base.ForHolder(holder)
	}
}

func TestPostgresStoreContract(t *testing.T) {
	postgresDSN(t)
	runStoreContract(t, openPostgres)
}

func TestPostgresStoreConcurrentLeasing(t *testing.T) {
	runConcurrentLeasing(t, openPostgres(t, connector.NewManualClockMillis(testEpoch)))
}
