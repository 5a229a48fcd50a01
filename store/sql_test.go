package store

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/connectortest"
)

func openSQLite(t *testing.T, clock connector.Clock) storeFactory {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	base := NewSQLStore[*connectortest.Entity](db, newTestCodec(), WithClock(clock), WithLeaseDuration(testLease), WithTable("entities"))
	require.NoError(t, base.EnsureSchema(context.Background()))
	return func(holder string) testStore {
		return base.ForHolder(holder)
	}
}

func TestSQLStoreContract(t *testing.T) {
	runStoreContract(t, openSQLite)
}

func TestSQLStoreConcurrentLeasing(t *testing.T) {
	runConcurrentLeasing(t, openSQLite(t, connector.NewManualClockMillis(testEpoch)))
}

func TestSQLStoreSchemaIsIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	s := NewSQLStore[*connectortest.Entity](db, newTestCodec())
	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, s.EnsureSchema(context.Background()))
}
