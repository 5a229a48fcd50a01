package commands

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/connectortest"
	"github.com/goliatone/go-connector/store"
)

type advanceCommand struct {
	connector.BaseCommand
	To int
}

func (advanceCommand) Type() string { return "test.advance" }

type noopCommand struct {
	connector.BaseCommand
}

func (noopCommand) Type() string { return "test.noop" }

type panicCommand struct {
	connector.BaseCommand
}

func (panicCommand) Type() string { return "test.panic" }

type failCommand struct {
	connector.BaseCommand
}

func (failCommand) Type() string { return "test.fail" }

type unknownCommand struct {
	connector.BaseCommand
}

func (unknownCommand) Type() string { return "test.unknown" }

type fixture struct {
	clock  *connector.ManualClock
	store  *store.InMemoryStore[*connectortest.Entity]
	runner *Runner[*connectortest.Entity]
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := connector.NewManualClockMillis(1_700_000_000_000)
	st := store.NewInMemoryStore[*connectortest.Entity](
		store.NewJSONCodec(connectortest.Empty),
		store.WithClock(clock),
		store.WithLeaseHolder("runner"),
	)

	registry := NewHandlerRegistry[*connectortest.Entity]()
	require.NoError(t, RegisterHandler(registry, func(_ context.Context, e *connectortest.Entity, cmd advanceCommand) (bool, error) {
		e.TransitionTo(cmd.To, clock.Now())
		return true, nil
	}))
	require.NoError(t, RegisterHandler(registry, func(context.Context, *connectortest.Entity, noopCommand) (bool, error) {
		return false, nil
	}))
	require.NoError(t, RegisterHandler(registry, func(context.Context, *connectortest.Entity, panicCommand) (bool, error) {
		panic("handler exploded")
	}))
	require.NoError(t, RegisterHandler(registry, func(context.Context, *connectortest.Entity, failCommand) (bool, error) {
		return false, errors.New("rejected")
	}))

	return fixture{
		clock:  clock,
		store:  st,
		runner: NewRunner[*connectortest.Entity](st, registry),
	}
}

func (f fixture) seed(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.Save(context.Background(), connectortest.New(id, connectortest.StateInitial, f.clock.Now())))
}

func cmdFor[C connector.Command](c C) connector.Command { return c }

func TestRunnerAppliesAndSaves(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "e1")

	res := f.runner.Run(context.Background(), advanceCommand{BaseCommand: connector.BaseCommand{ID: "e1"}, To: connectortest.StateAdvanced})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, "e1", res.EntityID)
	assert.Equal(t, connectortest.StateInitial, res.PreviousState)

	stored, err := f.store.Find(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, connectortest.StateAdvanced, stored.State)
	assert.Equal(t, int64(2), stored.Version)
	assert.Nil(t, stored.Lease)
}

func TestRunnerNoProgressReleasesLease(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "e1")

	res := f.runner.Run(context.Background(), noopCommand{BaseCommand: connector.BaseCommand{ID: "e1"}})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeNoOp, res.Outcome)

	leased, err := f.store.IsLeased(context.Background(), "e1")
	require.NoError(t, err)
	assert.False(t, leased)

	stored, err := f.store.Find(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
}

func TestRunnerReportsFailuresWithoutPanicking(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "e1")
	ctx := context.Background()

	res := f.runner.Run(ctx, panicCommand{BaseCommand: connector.BaseCommand{ID: "e1"}})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, connector.ErrCodeCommandFailed, connector.ErrorCode(res.Err))

	res = f.runner.Run(ctx, failCommand{BaseCommand: connector.BaseCommand{ID: "e1"}})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Err.Error(), "test.fail")

	leased, err := f.store.IsLeased(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, leased, "failed commands must release the lease")

	res = f.runner.Run(ctx, unknownCommand{BaseCommand: connector.BaseCommand{ID: "e1"}})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, connector.ErrCodeHandlerNotFound, connector.ErrorCode(res.Err))

	res = f.runner.Run(ctx, advanceCommand{})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Error(t, res.Err)

	res = f.runner.Run(ctx, nil)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestRunnerLeasedElsewhereFails(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "e1")
	ctx := context.Background()

	other := f.store.ForHolder("other-process")
	_, err := other.FindByIDAndLease(ctx, "e1")
	require.NoError(t, err)

	res := f.runner.Run(ctx, advanceCommand{BaseCommand: connector.BaseCommand{ID: "e1"}, To: connectortest.StateAdvanced})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, connector.IsLeased(res.Err), "got %v", res.Err)
}

func TestDrainIsolatesFailingCommands(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "e1")
	f.seed(t, "e2")

	q := NewBoundedQueue[connector.Command](8)
	require.NoError(t, q.Enqueue(advanceCommand{BaseCommand: connector.BaseCommand{ID: "e1"}, To: connectortest.StateAdvanced}))
	require.NoError(t, q.Enqueue(advanceCommand{BaseCommand: connector.BaseCommand{ID: "does-not-exist"}, To: connectortest.StateAdvanced}))
	require.NoError(t, q.Enqueue(advanceCommand{BaseCommand: connector.BaseCommand{ID: "e2"}, To: connectortest.StateDone}))

	results := Drain(context.Background(), f.runner, Queue[connector.Command](q), 0)
	require.Len(t, results, 3)
	assert.Equal(t, OutcomeApplied, results[0].Outcome)
	assert.Equal(t, OutcomeFailed, results[1].Outcome)
	assert.True(t, connector.IsNotFound(results[1].Err), "got %v", results[1].Err)
	assert.Equal(t, OutcomeApplied, results[2].Outcome)
	assert.Equal(t, 0, q.Len())

	e2, err := f.store.Find(context.Background(), "e2")
	require.NoError(t, err)
	assert.Equal(t, connectortest.StateDone, e2.State)
}

func TestBoundedQueueRejectsWhenFull(t *testing.T) {
	q := NewBoundedQueue[connector.Command](2)
	require.NoError(t, q.Enqueue(cmdFor(noopCommand{BaseCommand: connector.BaseCommand{ID: "a"}})))
	require.NoError(t, q.Enqueue(cmdFor(noopCommand{BaseCommand: connector.BaseCommand{ID: "b"}})))

	err := q.Enqueue(cmdFor(noopCommand{BaseCommand: connector.BaseCommand{ID: "c"}}))
	assert.True(t, connector.IsQueueFull(err), "got %v", err)
	assert.Equal(t, 2, q.Len())

	first := q.Dequeue(1)
	require.Len(t, first, 1)
	assert.Equal(t, "a", first[0].EntityID())

	rest := q.Dequeue(10)
	require.Len(t, rest, 1)
	assert.Equal(t, "b", rest[0].EntityID())
	assert.Empty(t, q.Dequeue(10))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewHandlerRegistry[*connectortest.Entity]()
	noop := HandlerFunc[*connectortest.Entity](func(context.Context, *connectortest.Entity, connector.Command) (bool, error) {
		return false, nil
	})

	require.NoError(t, registry.Register("x", noop))
	assert.Error(t, registry.Register("x", noop))
	assert.Error(t, registry.Register(" ", noop))
	assert.Error(t, registry.Register("y", nil))
	assert.Equal(t, []string{"x"}, registry.Types())

	registry.Unregister("x")
	assert.Empty(t, registry.Types())
}

func TestRunnerTimeIndependentOfWallClock(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "e1")
	f.clock.Advance(time.Minute)

	res := f.runner.Run(context.Background(), advanceCommand{BaseCommand: connector.BaseCommand{ID: "e1"}, To: connectortest.StateAdvanced})
	require.NoError(t, res.Err)
	assert.Equal(t, f.clock.Now().UnixMilli(), res.Entity.StateTimestamp)
}
