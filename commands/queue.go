package commands

import (
	"github.com/goliatone/go-connector"
)

// Queue is a FIFO buffer of pending commands.
type Queue[C connector.Command] interface {
	// Enqueue adds cmd without blocking, failing with ErrQueueFull at capacity.
	Enqueue(cmd C) error
	// Dequeue removes up to max queued commands. max <= 0 drains what is
	// queued right now.
	Dequeue(max int) []C
	Len() int
	Cap() int
}

// BoundedQueue is a channel backed Queue with fixed capacity.
type BoundedQueue[C connector.Command] struct {
	ch chan C
}

// DefaultQueueCapacity is used when a non-positive capacity is given.
const DefaultQueueCapacity = 1024

func NewBoundedQueue[C connector.Command](capacity int) *BoundedQueue[C] {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &BoundedQueue[C]{ch: make(chan C, capacity)}
}

func (q *BoundedQueue[C]) Enqueue(cmd C) error {
	select {
	case q.ch <- cmd:
		return nil
	default:
		return connector.NewError(connector.ErrQueueFull, "", nil, map[string]any{
			"capacity":     cap(q.ch),
			"command_type": connector.GetMessageType(cmd),
		})
	}
}

func (q *BoundedQueue[C]) Dequeue(max int) []C {
	if max <= 0 {
		max = len(q.ch)
	}
	out := make([]C, 0, max)
	for len(out) < max {
		select {
		case cmd := <-q.ch:
			out = append(out, cmd)
		default:
			return out
		}
	}
	return out
}

func (q *BoundedQueue[C]) Len() int {
	return len(q.ch)
}

func (q *BoundedQueue[C]) Cap() int {
	return cap(q.ch)
}
