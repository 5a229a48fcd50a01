package observe

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/connectortest"
)

func event(state int) TransitionEvent[*connectortest.Entity] {
	e := connectortest.New("e1", state, time.UnixMilli(1_700_000_000_000))
	return TransitionEvent[*connectortest.Entity]{
		Entity:        e,
		EntityID:      e.ID,
		PreviousState: connectortest.StateInitial,
		CurrentState:  state,
		Source:        SourcePoll,
		OccurredAt:    time.UnixMilli(e.StateTimestamp),
	}
}

func TestObservableInvokesInRegistrationOrder(t *testing.T) {
	o := NewObservable[*connectortest.Entity](connector.NopLogger())
	var calls []string
	record := func(name string) TransitionListener[*connectortest.Entity] {
		return ListenerFunc[*connectortest.Entity](func(context.Context, TransitionEvent[*connectortest.Entity]) error {
			calls = append(calls, name)
			return nil
		})
	}
	o.Register(record("first"))
	o.Register(record("second"))
	o.Register(record("third"))

	failed := o.Notify(context.Background(), event(connectortest.StateAdvanced))
	assert.Equal(t, 0, failed)
	assert.Equal(t, []string{"first", "second", "third"}, calls)
}

func TestObservableIsolatesFailingListeners(t *testing.T) {
	buf := &bytes.Buffer{}
	o := NewObservable[*connectortest.Entity](connector.NewJSONLogger(buf, "debug"))
	reached := false

	o.Register(ListenerFunc[*connectortest.Entity](func(context.Context, TransitionEvent[*connectortest.Entity]) error {
		panic("listener exploded")
	}))
	o.Register(ListenerFunc[*connectortest.Entity](func(context.Context, TransitionEvent[*connectortest.Entity]) error {
		return errors.New("listener failed")
	}))
	o.Register(ListenerFunc[*connectortest.Entity](func(context.Context, TransitionEvent[*connectortest.Entity]) error {
		reached = true
		return nil
	}))

	failed := o.Notify(context.Background(), event(connectortest.StateAdvanced))
	assert.Equal(t, 2, failed)
	assert.True(t, reached)
	assert.Contains(t, buf.String(), "transition listener failed at index=0")
	assert.Contains(t, buf.String(), "index=1")
}

func TestSubscriptionUnsubscribe(t *testing.T) {
	o := NewObservable[*connectortest.Entity](nil)
	count := 0
	sub := o.Register(ListenerFunc[*connectortest.Entity](func(context.Context, TransitionEvent[*connectortest.Entity]) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, o.Len())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, o.Len())

	o.Notify(context.Background(), event(connectortest.StateAdvanced))
	assert.Equal(t, 0, count)
}

func TestOnStateFilters(t *testing.T) {
	o := NewObservable[*connectortest.Entity](nil)
	var seen []int
	o.Register(OnState[*connectortest.Entity](connectortest.StateDone, ListenerFunc[*connectortest.Entity](func(_ context.Context, evt TransitionEvent[*connectortest.Entity]) error {
		seen = append(seen, evt.CurrentState)
		return nil
	})))

	o.Notify(context.Background(), event(connectortest.StateAdvanced))
	o.Notify(context.Background(), event(connectortest.StateDone))
	assert.Equal(t, []int{connectortest.StateDone}, seen)
	assert.True(t, event(connectortest.StateDone).Changed())
}
