package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/connectortest"
)

const (
	testEpoch = int64(1_700_000_000_000)
	testLease = 10 * time.Second
)

type testStore = EntityStore[*connectortest.Entity]

// storeFactory returns a store for holder; every call shares one backend.
type storeFactory func(holder string) testStore

type openStore func(t *testing.T, clock connector.Clock) storeFactory

// corruptPayload marks entities whose stored payload must fail to decode.
const corruptPayload = "corrupt"

// testCodec is the JSON codec, except payloads holding corruptPayload
// refuse to decode, the way rows written by an incompatible version would.
type testCodec struct {
	JSONCodec[*connectortest.Entity]
}

func newTestCodec() testCodec {
	return testCodec{JSONCodec: NewJSONCodec(connectortest.Empty)}
}

func (c testCodec) Decode(payload []byte) (*connectortest.Entity, error) {
	entity, err := c.JSONCodec.Decode(payload)
	if err != nil {
		return nil, err
	}
	if entity.Payload == corruptPayload {
		return nil, errors.New("unsupported payload revision", errors.CategoryBadInput).
			WithTextCode("ENTITY_DECODE_FAILED")
	}
	return entity, nil
}

func seed(t *testing.T, s testStore, id string, state int, ts int64) *connectortest.Entity {
	t.Helper()
	e := connectortest.New(id, state, time.UnixMilli(ts))
	require.NoError(t, s.Save(context.Background(), e))
	return e
}

func ids(entities []*connectortest.Entity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.ID)
	}
	return out
}

func runStoreContract(t *testing.T, open openStore) {
	ctx := context.Background()

	t.Run("save inserts and find returns", func(t *testing.T) {
		clock := connector.NewManualClockMillis(testEpoch)
		a := open(t, clock)("a")

		e := connectortest.New("n-1", connectortest.StateInitial, clock.Now())
		e.Payload = "hello"
		require.NoError(t, a.Save(ctx, e))
		assert.Equal(t, int64(1), e.Version)
		assert.Nil(t, e.Lease)

		found, err := a.Find(ctx, "n-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), found.Version)
		assert.Equal(t, "hello", found.Payload)
		assert.Equal(t, connectortest.StateInitial, found.State)
		assert.Equal(t, 1, found.StateCount)
		assert.Nil(t, found.Lease)

		_, err = a.Find(ctx, "missing")
		assert.True(t, connector.IsNotFound(err), "got %v", err)
	})

	t.Run("second insert of the same id conflicts", func(t *testing.T) {
		clock := connector.NewManualClockMillis(testEpoch)
		a := open(t, clock)("a")

		seed(t, a, "dup", connectortest.StateInitial, testEpoch)
		err := a.Save(ctx, connectortest.New("dup", connectortest.StateInitial, clock.Now()))
		assert.True(t, connector.IsVersionConflict(err), "got %v", err)
	})

	t.Run("next not leased leases oldest first", func(t *testing.T) {
		clock := connector.NewManualClockMillis(testEpoch + 1000)
		f := open(t, clock)
		a, b := f("a"), f("b")

		seed(t, a, "e1", connectortest.StateInitial, testEpoch+30)
		seed(t, a, "e2", connectortest.StateInitial, testEpoch+10)
		seed(t, a, "e3", connectortest.StateInitial, testEpoch+20)
		seed(t, a, "e4", connectortest.StateAdvanced, testEpoch)

		leased, err := a.NextNotLeased(ctx, 2, connectortest.StateInitial)
		require.NoError(t, err)
		assert.Equal(t, []string{"e2", "e3"}, ids(leased))
		for _, e := range leased {
			require.NotNil(t, e.Lease)
			assert.Equal(t, "a", e.Lease.LeasedBy)
			assert.Equal(t, testLease.Milliseconds(), e.Lease.LeaseDuration)
		}

		rest, err := b.NextNotLeased(ctx, 10, connectortest.StateInitial)
		require.NoError(t, err)
		assert.Equal(t, []string{"e1"}, ids(rest))

		leasedFlag, err := b.IsLeased(ctx, "e2")
		require.NoError(t, err)
		assert.True(t, leasedFlag)

		both, err := b.NextNotLeased(ctx, 10, connectortest.StateInitial, connectortest.StateAdvanced)
		require.NoError(t, err)
		assert.Equal(t, []string{"e4"}, ids(both))
	})

	t.Run("undecodable row does not end the poll", func(t *testing.T) {
		clock := connector.NewManualClockMillis(testEpoch + 1000)
		f := open(t, clock)
		a, b := f("a"), f("b")

		seed(t, a, "e1", connectortest.StateInitial, testEpoch)
		bad := connectortest.New("e2", connectortest.StateInitial, time.UnixMilli(testEpoch+10))
		bad.Payload = corruptPayload
		require.NoError(t, a.Save(ctx, bad))
		seed(t, a, "e3", connectortest.StateInitial, testEpoch+20)
		seed(t, a, "e4", connectortest.StateInitial, testEpoch+30)

		leased, err := a.NextNotLeased(ctx, 2, connectortest.StateInitial)
		require.NoError(t, err)
		assert.Equal(t, []string{"e1", "e3"}, ids(leased))

		for _, e := range leased {
			e.TransitionTo(connectortest.StateAdvanced, clock.Now())
			require.NoError(t, a.Save(ctx, e))
		}

		// the corrupt row stays parked under its lease instead of
		// taking a slot on every poll
		rest, err := b.NextNotLeased(ctx, 10, connectortest.StateInitial)
		require.NoError(t, err)
		assert.Equal(t, []string{"e4"}, ids(rest))

		held, err := b.IsLeased(ctx, "e1")
		require.NoError(t, err)
		assert.False(t, held)
	})

	t.Run("empty inputs lease nothing", func(t *testing.T) {
		clock := connector.NewManualClockMillis(testEpoch)
		a := open(t, clock)("a")
		seed(t, a, "e1", connectortest.StateInitial, testEpoch)

		none, err := a.NextNotLeased(ctx, 0, connectortest.StateInitial)
		require.NoError(t, err)
		assert.Empty(t, none)

		none, err = a.NextNotLeased(ctx, 5)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("expired lease is reclaimable", func(t *testing.T) {
		clock := connector.NewManualClockMillis(testEpoch)
		f := open(t, clock)
		a, b := f("a"), f("b")
		seed(t, a, "e1", connectortest.StateInitial, testEpoch)

		leased, err := a.NextNotLeased(ctx, 1, connectortest.StateInitial)
		require.NoError(t, err)
		require.Len(t, leased, 1)

		clock.Advance(testLease)
		none, err := b.NextNotLeased(ctx, 1, connectortest.StateInitial)
		require.NoError(t, err)
		assert.Empty(t, none, "lease must hold until leasedAt+duration")

		clock.Advance(time.Millisecond)
		reclaimed, err := b.NextNotLeased(ctx, 1, connectortest.StateInitial)
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		assert.Equal(t, "b", reclaimed[0].Lease.LeasedBy)

		// the stale holder can no longer save
		err = a.Save(ctx, leased[0])
		assert.True(t, connector.IsLeased(err), "got %v", err)
	})

	t.Run("foreign lease blocks save and lease", func(t *testing.T) {
		clock := connector.NewManualClockMillis(testEpoch)
		f := open(t, clock)
		a, b := f("a"), f("b")
		seed(t, a, "e1", connectortest.StateInitial, testEpoch)

		mine, err := a.FindByIDAndLease(ctx, "e1")
		require.NoError(t, err)
		require.NotNil(t, mine.Lease)
		assert.Equal(t, "a", mine.Lease.LeasedBy)

		theirs, err := b.Find(ctx, "e1")
		require.NoError(t, err)
		err = b.Save(ctx, theirs)
		assert.True(t, connector.IsLeased(err), "got %v", err)

		_, err = b.FindByIDAndLease(ctx, "e1")
		assert.True(t, connector.IsLeased(err), "got %v", err)

		mine.TransitionTo(connectortest.StateAdvanced, clock.Now())
		require.NoError(t, a.Save(ctx, mine))
		assert.Equal(t, int64(2), mine.Version)
		assert.Nil(t, mine.Lease)

		held, err := b.IsLeased(ctx, "e1")
		require.NoError(t, err)
		assert.False(t, held)

		_, err = a.FindByIDAndLease(ctx, "missing")
		assert.True(t, connector.IsNotFound(err), "got %v", err)
	})

	t.Run("version conflict does not overwrite", func(t *testing.T) {
		clock := connector.NewManualClockMillis(testEpoch)
		a := open(t, clock)("a")
		seed(t, a, "e1", connectortest.StateInitial, testEpoch)

		first, err := a.Find(ctx, "e1")
		require.NoError(t, err)
		second, err := a.Find(ctx, "e1")
		require.NoError(t, err)

		first.Payload = "first"
		require.NoError(t, a.Save(ctx, first))

		second.Payload = "second"
		err = a.Save(ctx, second)
		assert.True(t, connector.IsVersionConflict(err), "got %v", err)
		assert.Equal(t, int64(1), second.Version)

		stored, err := a.Find(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "first", stored.Payload)
		assert.Equal(t, int64(2), stored.Version)
	})

	t.Run("release lease keeps version", func(t *testing.T) {
		clock := connector.NewManualClockMillis(testEpoch)
		f := open(t, clock)
		a, b := f("a"), f("b")
		seed(t, a, "e1", connectortest.StateInitial, testEpoch)

		_, err := a.NextNotLeased(ctx, 1, connectortest.StateInitial)
		require.NoError(t, err)

		err = b.ReleaseLease(ctx, "e1")
		assert.True(t, connector.IsLeased(err), "got %v", err)

		require.NoError(t, a.ReleaseLease(ctx, "e1"))
		held, err := a.IsLeased(ctx, "e1")
		require.NoError(t, err)
		assert.False(t, held)

		stored, err := a.Find(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Version)

		err = a.ReleaseLease(ctx, "missing")
		assert.True(t, connector.IsNotFound(err), "got %v", err)
	})

	t.Run("version increases by one per save", func(t *testing.T) {
		clock := connector.NewManualClockMillis(testEpoch)
		a := open(t, clock)("a")
		e := seed(t, a, "e1", connectortest.StateInitial, testEpoch)

		for want := int64(2); want <= 5; want++ {
			e.RecordRetry(clock.Now())
			require.NoError(t, a.Save(ctx, e))
			assert.Equal(t, want, e.Version)
		}
		stored, err := a.Find(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, int64(5), stored.Version)
		assert.Equal(t, 5, stored.StateCount)
	})
}

// runConcurrentLeasing checks that competing holders never lease the same
// entity twice while leases are live.
func runConcurrentLeasing(t *testing.T, f storeFactory) {
	ctx := context.Background()
	const total = 30
	seedStore := f("seed")
	for i := 0; i < total; i++ {
		seed(t, seedStore, fmt.Sprintf("c-%02d", i), connectortest.StateInitial, testEpoch+int64(i))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(worker testStore) {
			defer wg.Done()
			for {
				batch, err := worker.NextNotLeased(ctx, 4, connectortest.StateInitial)
				if err != nil {
					errs <- err
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					seen[e.ID]++
				}
				mu.Unlock()
			}
		}(f(fmt.Sprintf("w-%d", w)))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "entity %s leased %d times", id, n)
	}
}
