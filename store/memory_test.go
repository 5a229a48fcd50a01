package store

import (
	"testing"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/connectortest"
)

func openMemory(_ *testing.T, clock connector.Clock) storeFactory {
	base := NewInMemoryStore[*connectortest.Entity](newTestCodec(), WithClock(clock), WithLeaseDuration(testLease))
	return func(holder string) testStore {
		return base.ForHolder(holder)
	}
}

func TestInMemoryStoreContract(t *testing.T) {
	runStoreContract(t, openMemory)
}

func TestInMemoryStoreConcurrentLeasing(t *testing.T) {
	runConcurrentLeasing(t, openMemory(t, connector.NewManualClockMillis(testEpoch)))
}

func TestInMemoryStoreViewsShareBackend(t *testing.T) {
	base := NewInMemoryStore[*connectortest.Entity](newTestCodec())
	view := base.ForHolder("other")

	seed(t, view, "shared", connectortest.StateInitial, testEpoch)

	if base.Len() != 1 {
		t.Fatalf("expected shared backend, got %d records", base.Len())
	}
	if view.Holder() != "other" || base.Holder() != "connector" {
		t.Fatalf("unexpected holders: %q %q", view.Holder(), base.Holder())
	}
}
