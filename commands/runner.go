package commands

import (
	"context"
	"fmt"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/store"
)

// Outcome classifies what happened to a command.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoOp    Outcome = "no_op"
	OutcomeFailed  Outcome = "failed"
)

// Result reports one command execution. Entity is set whenever the target
// was loaded; PreviousState is its state before the handler ran.
type Result[E connector.Entity] struct {
	Command       connector.Command
	EntityID      string
	Outcome       Outcome
	Err           error
	Entity        E
	PreviousState int
}

// Applied reports a saved modification.
func (r Result[E]) Applied() bool {
	return r.Outcome == OutcomeApplied
}

// Runner applies commands to entities through the lease and save cycle.
type Runner[E connector.Entity] struct {
	store    store.EntityStore[E]
	registry *HandlerRegistry[E]
	logger   connector.Logger
}

// RunnerOption configures a Runner.
type RunnerOption[E connector.Entity] func(*Runner[E])

func WithRunnerLogger[E connector.Entity](logger connector.Logger) RunnerOption[E] {
	return func(r *Runner[E]) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRunner[E connector.Entity](st store.EntityStore[E], registry *HandlerRegistry[E], opts ...RunnerOption[E]) *Runner[E] {
	if registry == nil {
		registry = NewHandlerRegistry[E]()
	}
	r := &Runner[E]{
		store:    st,
		registry: registry,
		logger:   connector.DefaultLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Runner[E]) Registry() *HandlerRegistry[E] {
	return r.registry
}

// Run validates cmd, leases its entity, applies the handler and saves on
// progress or releases the lease otherwise. Failures are reported in the
// result, never panicked.
func (r *Runner[E]) Run(ctx context.Context, cmd connector.Command) Result[E] {
	res := Result[E]{Command: cmd}
	if err := connector.ValidateMessage(cmd); err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}
	res.EntityID = cmd.EntityID()
	cmdType := connector.GetMessageType(cmd)
	logger := connector.WithLoggerFields(r.logger.WithContext(ctx), map[string]any{
		"command_type": cmdType,
		"entity_id":    res.EntityID,
	})

	handler, ok := r.registry.Lookup(cmd)
	if !ok {
		res.Outcome = OutcomeFailed
		res.Err = connector.NewError(connector.ErrHandlerNotFound, "", nil, map[string]any{"command_type": cmdType})
		logger.Warn("command handler not found")
		return res
	}

	entity, err := r.store.FindByIDAndLease(ctx, res.EntityID)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		logger.Warn("command target unavailable: %v", err)
		return res
	}
	res.Entity = entity
	res.PreviousState = entity.Stateful().State

	progressed, err := r.modify(ctx, handler, entity, cmd)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = connector.NewError(connector.ErrCommandFailed, fmt.Sprintf("command %s failed", cmdType), err, map[string]any{
			"command_type": cmdType,
			"entity_id":    res.EntityID,
		})
		logger.Error("command failed: %v", err)
		r.release(ctx, logger, res.EntityID)
		return res
	}

	if !progressed {
		res.Outcome = OutcomeNoOp
		logger.Debug("command made no progress")
		r.release(ctx, logger, res.EntityID)
		return res
	}

	if err := r.store.Save(ctx, entity); err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		logger.Warn("command save failed: %v", err)
		return res
	}
	res.Outcome = OutcomeApplied
	logger.Debug("command applied state=%d", entity.Stateful().State)
	return res
}

func (r *Runner[E]) modify(ctx context.Context, handler Handler[E], entity E, cmd connector.Command) (progressed bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			progressed = false
			err = connector.RecoverError("command handler "+connector.GetMessageType(cmd), rec)
		}
	}()
	return handler.Modify(ctx, entity, cmd)
}

func (r *Runner[E]) release(ctx context.Context, logger connector.Logger, id string) {
	if err := r.store.ReleaseLease(ctx, id); err != nil {
		logger.Warn("command lease release failed: %v", err)
	}
}

// Drain runs up to max queued commands in FIFO order.
func Drain[E connector.Entity, C connector.Command](ctx context.Context, r *Runner[E], q Queue[C], max int) []Result[E] {
	if r == nil || q == nil {
		return nil
	}
	pending := q.Dequeue(max)
	results := make([]Result[E], 0, len(pending))
	for _, cmd := range pending {
		results = append(results, r.Run(ctx, cmd))
	}
	return results
}
