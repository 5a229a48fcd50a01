package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/manager"
	"github.com/goliatone/go-connector/retry"
)

// Machine is an entity that moves through a Graph by events.
type Machine interface {
	connector.Entity
	Fire(ctx context.Context, event string, now time.Time) error
}

// FireAction returns a state action that fires event unconditionally.
func FireAction[E Machine](clock connector.Clock, event string) manager.Action[E] {
	clock = connector.NormalizeClock(clock)
	return func(ctx context.Context, entity E) (bool, error) {
		if err := entity.Fire(ctx, event, clock.Now()); err != nil {
			return false, err
		}
		return true, nil
	}
}

// SendAction returns a state action that dispatches the message built from
// the entity and fires event once the counter-party accepted it.
func SendAction[E Machine](dispatcher connector.Dispatcher, clock connector.Clock, build func(E) connector.RemoteMessage, event string) manager.Action[E] {
	clock = connector.NormalizeClock(clock)
	return func(ctx context.Context, entity E) (bool, error) {
		if dispatcher == nil {
			return false, connector.NewError(connector.ErrInvalidConfiguration, "dispatcher not configured", nil, nil)
		}
		msg := build(entity)
		if err := msg.Validate(); err != nil {
			return false, err
		}
		if err := dispatcher.Dispatch(ctx, msg); err != nil {
			return false, connector.NewError(connector.ErrDispatchFailed,
				fmt.Sprintf("dispatch %s failed", msg.Type), err, map[string]any{
					"message_type":  msg.Type,
					"counter_party": msg.CounterPartyAddress,
				})
		}
		if err := entity.Fire(ctx, event, clock.Now()); err != nil {
			return false, err
		}
		return true, nil
	}
}

// StateAction binds an action to the state it drives.
type StateAction[E connector.Entity] struct {
	State       int
	Description string
	Action      manager.Action[E]
}

// Register binds every action on m with the same retry budget.
func Register[E connector.Entity](m *manager.Manager[E], config retry.EntityRetryProcessConfiguration, actions ...StateAction[E]) error {
	for _, a := range actions {
		if err := m.Handle(a.State, a.Action, config, manager.WithDescription(a.Description)); err != nil {
			return err
		}
	}
	return nil
}
