// Package connectortest provides a minimal entity and helpers for exercising
// stores, retry processes and managers in tests.
package connectortest

import (
	"time"

	"github.com/goliatone/go-connector"
)

const (
	StateInitial    = 100
	StateAdvanced   = 200
	StateDone       = 800
	StateTerminated = 850
	StateError      = 900
)

// Entity is a bare stateful record with a free-form payload.
type Entity struct {
	connector.StatefulEntity
	Payload string `json:"payload,omitempty"`
}

// New creates an entity in state at now.
func New(id string, state int, now time.Time) *Entity {
	return &Entity{StatefulEntity: connector.NewStatefulEntity(id, state, now)}
}

// Empty is the zero value constructor used by codecs.
func Empty() *Entity {
	return &Entity{}
}

func (e *Entity) IsTerminal() bool {
	return e.State == StateDone || e.State == StateTerminated || e.State == StateError
}

func (e *Entity) TransitionToError(detail string, now time.Time) {
	e.SetErrorDetail(detail)
	e.TransitionTo(StateError, now)
}

// Copy returns a deep copy, useful to simulate a second reader.
func (e *Entity) Copy() *Entity {
	return &Entity{StatefulEntity: e.StatefulEntity.Clone(), Payload: e.Payload}
}

var _ connector.Entity = (*Entity)(nil)
