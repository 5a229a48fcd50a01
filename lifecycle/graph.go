// Package lifecycle describes the legal state transitions of an entity type
// as a looplab/fsm event graph over integer state codes.
package lifecycle

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/looplab/fsm"

	"github.com/goliatone/go-connector"
)

// Transition moves any state in From to To when Event fires.
type Transition struct {
	Event string
	From  []int
	To    int
}

// Graph validates transitions for one entity type. It is immutable and
// safe for concurrent use.
type Graph struct {
	name   string
	names  map[int]string
	codes  map[string]int
	events fsm.Events
}

// NewGraph builds a graph over the named states.
func NewGraph(name string, states map[int]string, transitions ...Transition) (*Graph, error) {
	g := &Graph{
		name:  strings.TrimSpace(name),
		names: make(map[int]string, len(states)),
		codes: make(map[string]int, len(states)),
	}
	for code, stateName := range states {
		stateName = strings.TrimSpace(stateName)
		if stateName == "" {
			return nil, fmt.Errorf("%s: state %d has no name", g.name, code)
		}
		if other, dup := g.codes[stateName]; dup {
			return nil, fmt.Errorf("%s: state name %s used by %d and %d", g.name, stateName, other, code)
		}
		g.names[code] = stateName
		g.codes[stateName] = code
	}
	for _, t := range transitions {
		if strings.TrimSpace(t.Event) == "" {
			return nil, fmt.Errorf("%s: transition without event", g.name)
		}
		dst, ok := g.names[t.To]
		if !ok {
			return nil, fmt.Errorf("%s: event %s targets unknown state %d", g.name, t.Event, t.To)
		}
		src := make([]string, 0, len(t.From))
		for _, from := range t.From {
			n, ok := g.names[from]
			if !ok {
				return nil, fmt.Errorf("%s: event %s leaves unknown state %d", g.name, t.Event, from)
			}
			src = append(src, n)
		}
		g.events = append(g.events, fsm.EventDesc{Name: t.Event, Src: src, Dst: dst})
	}
	return g, nil
}

// MustGraph is NewGraph for package level graphs.
func MustGraph(name string, states map[int]string, transitions ...Transition) *Graph {
	g, err := NewGraph(name, states, transitions...)
	if err != nil {
		panic(err)
	}
	return g
}

// Name is the entity type the graph belongs to.
func (g *Graph) Name() string {
	return g.name
}

// StateName renders code, falling back to the number for unknown codes.
func (g *Graph) StateName(code int) string {
	if n, ok := g.names[code]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", code)
}

// Code resolves a state name, case insensitive.
func (g *Graph) Code(name string) (int, bool) {
	code, ok := g.codes[strings.ToUpper(strings.TrimSpace(name))]
	return code, ok
}

// States lists the known state codes in ascending order.
func (g *Graph) States() []int {
	out := make([]int, 0, len(g.names))
	for code := range g.names {
		out = append(out, code)
	}
	sort.Ints(out)
	return out
}

// Next returns the state reached by firing event from current.
func (g *Graph) Next(ctx context.Context, current int, event string) (int, error) {
	machine, err := g.machine(current)
	if err != nil {
		return current, err
	}
	if err := machine.Event(ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if stderrors.As(err, &noTransition) && noTransition.Err == nil {
			return current, nil
		}
		return current, connector.NewError(connector.ErrInvalidTransition,
			fmt.Sprintf("%s: event %s not allowed in state %s", g.name, event, g.StateName(current)),
			err, map[string]any{
				"graph": g.name,
				"event": event,
				"state": g.StateName(current),
			})
	}
	return g.codes[machine.Current()], nil
}

// Can reports whether event may fire from current.
func (g *Graph) Can(current int, event string) bool {
	machine, err := g.machine(current)
	if err != nil {
		return false
	}
	return machine.Can(event)
}

// Events lists the events allowed from current in sorted order.
func (g *Graph) Events(current int) []string {
	machine, err := g.machine(current)
	if err != nil {
		return nil
	}
	events := machine.AvailableTransitions()
	sort.Strings(events)
	return events
}

// Visualize renders the graph in Graphviz dot format with current highlighted.
func (g *Graph) Visualize(current int) string {
	machine, err := g.machine(current)
	if err != nil {
		return ""
	}
	return fsm.Visualize(machine)
}

func (g *Graph) machine(current int) (*fsm.FSM, error) {
	n, ok := g.names[current]
	if !ok {
		return nil, connector.NewError(connector.ErrInvalidTransition,
			fmt.Sprintf("%s: unknown state %d", g.name, current), nil, map[string]any{
				"graph": g.name,
				"state": current,
			})
	}
	return fsm.NewFSM(n, g.events, fsm.Callbacks{}), nil
}
