package observe

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-connector"
)

// Source identifies what drove a transition.
type Source string

const (
	SourcePoll    Source = "poll"
	SourceCommand Source = "command"
)

// TransitionEvent describes a persisted entity change.
type TransitionEvent[E connector.Entity] struct {
	Entity        E
	EntityID      string
	PreviousState int
	CurrentState  int
	Source        Source
	OccurredAt    time.Time
	// ErrorDetail is set when the change moved the entity into its error state.
	ErrorDetail string
}

// Changed reports whether the state code moved.
func (e TransitionEvent[E]) Changed() bool {
	return e.PreviousState != e.CurrentState
}

// TransitionListener receives transition events.
type TransitionListener[E connector.Entity] interface {
	OnTransition(ctx context.Context, evt TransitionEvent[E]) error
}

// ListenerFunc adapts a function to TransitionListener.
type ListenerFunc[E connector.Entity] func(ctx context.Context, evt TransitionEvent[E]) error

func (f ListenerFunc[E]) OnTransition(ctx context.Context, evt TransitionEvent[E]) error {
	return f(ctx, evt)
}

// OnState only forwards events entering state.
func OnState[E connector.Entity](state int, listener TransitionListener[E]) TransitionListener[E] {
	return ListenerFunc[E](func(ctx context.Context, evt TransitionEvent[E]) error {
		if evt.CurrentState != state || listener == nil {
			return nil
		}
		return listener.OnTransition(ctx, evt)
	})
}

type Subscription interface {
	Unsubscribe()
}

type registration[E connector.Entity] struct {
	id       uint64
	listener TransitionListener[E]
}

// Observable fans events out to listeners synchronously, in registration
// order. A failing or panicking listener is logged and skipped.
type Observable[E connector.Entity] struct {
	mu        sync.RWMutex
	listeners []registration[E]
	nextID    uint64
	logger    connector.Logger
}

func NewObservable[E connector.Entity](logger connector.Logger) *Observable[E] {
	return &Observable[E]{logger: connector.NormalizeLogger(logger)}
}

// Register adds listener and returns a handle to remove it.
func (o *Observable[E]) Register(listener TransitionListener[E]) Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	o.listeners = append(o.listeners, registration[E]{id: o.nextID, listener: listener})
	return &subs[E]{observable: o, id: o.nextID}
}

// Len returns the number of registered listeners.
func (o *Observable[E]) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.listeners)
}

// InvokeForEach calls fn once per listener. It returns the number of
// listeners that failed.
func (o *Observable[E]) InvokeForEach(ctx context.Context, fn func(TransitionListener[E]) error) int {
	if o == nil || fn == nil {
		return 0
	}
	o.mu.RLock()
	snapshot := make([]registration[E], len(o.listeners))
	copy(snapshot, o.listeners)
	o.mu.RUnlock()

	logger := o.logger.WithContext(ctx)
	failed := 0
	for idx, reg := range snapshot {
		if reg.listener == nil {
			continue
		}
		if err := o.invoke(reg.listener, fn); err != nil {
			failed++
			logger.Warn("transition listener failed at index=%d: %v", idx, err)
		}
	}
	return failed
}

// Notify delivers evt to every listener.
func (o *Observable[E]) Notify(ctx context.Context, evt TransitionEvent[E]) int {
	return o.InvokeForEach(ctx, func(l TransitionListener[E]) error {
		return l.OnTransition(ctx, evt)
	})
}

func (o *Observable[E]) invoke(listener TransitionListener[E], fn func(TransitionListener[E]) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = connector.RecoverError("transition listener", r)
		}
	}()
	return fn(listener)
}

type subs[E connector.Entity] struct {
	observable *Observable[E]
	id         uint64
	once       sync.Once
}

func (s *subs[E]) Unsubscribe() {
	s.once.Do(func() {
		o := s.observable
		o.mu.Lock()
		defer o.mu.Unlock()

		newList := make([]registration[E], 0, len(o.listeners))
		for _, reg := range o.listeners {
			if reg.id != s.id {
				newList = append(newList, reg)
			}
		}
		o.listeners = newList
	})
}
