package commands

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-connector"
)

// Handler applies a command to a leased entity. It reports whether the
// entity changed and must be saved.
type Handler[E connector.Entity] interface {
	Modify(ctx context.Context, entity E, cmd connector.Command) (bool, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[E connector.Entity] func(ctx context.Context, entity E, cmd connector.Command) (bool, error)

func (f HandlerFunc[E]) Modify(ctx context.Context, entity E, cmd connector.Command) (bool, error) {
	return f(ctx, entity, cmd)
}

// HandlerRegistry maps command types to handlers.
type HandlerRegistry[E connector.Entity] struct {
	mu       sync.RWMutex
	handlers map[string]Handler[E]
}

func NewHandlerRegistry[E connector.Entity]() *HandlerRegistry[E] {
	return &HandlerRegistry[E]{handlers: make(map[string]Handler[E])}
}

// Register binds handler to commandType. A type can only be bound once.
func (r *HandlerRegistry[E]) Register(commandType string, handler Handler[E]) error {
	commandType = strings.TrimSpace(commandType)
	if commandType == "" {
		return errors.New("command type required", errors.CategoryBadInput).
			WithTextCode("COMMAND_TYPE_REQUIRED")
	}
	if handler == nil {
		return errors.New("command handler required", errors.CategoryBadInput).
			WithTextCode("COMMAND_HANDLER_REQUIRED")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[commandType]; exists {
		return errors.New("command handler already registered", errors.CategoryConflict).
			WithTextCode("COMMAND_HANDLER_ALREADY_REGISTERED").
			WithMetadata(map[string]any{"command_type": commandType})
	}
	r.handlers[commandType] = handler
	return nil
}

// Unregister removes the handler bound to commandType.
func (r *HandlerRegistry[E]) Unregister(commandType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, strings.TrimSpace(commandType))
}

// Lookup resolves the handler for cmd by its message type.
func (r *HandlerRegistry[E]) Lookup(cmd connector.Command) (Handler[E], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[connector.GetMessageType(cmd)]
	return h, ok
}

// Types lists registered command types, sorted.
func (r *HandlerRegistry[E]) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RegisterHandler binds a typed handler for command type C. C must be a
// value type whose zero value answers Type().
func RegisterHandler[E connector.Entity, C connector.Command](r *HandlerRegistry[E], fn func(ctx context.Context, entity E, cmd C) (bool, error)) error {
	var msg C
	return r.Register(msg.Type(), HandlerFunc[E](func(ctx context.Context, entity E, cmd connector.Command) (bool, error) {
		typed, ok := cmd.(C)
		if !ok {
			return false, errors.New("command type mismatch", errors.CategoryBadInput).
				WithTextCode("COMMAND_TYPE_MISMATCH").
				WithMetadata(map[string]any{
					"expected": msg.Type(),
					"actual":   connector.GetMessageType(cmd),
				})
		}
		return fn(ctx, entity, typed)
	}))
}
