package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-connector"
)

const (
	draft     = 10
	published = 20
	archived  = 30
)

func newDocumentGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := NewGraph("document",
		map[int]string{draft: "DRAFT", published: "PUBLISHED", archived: "ARCHIVED"},
		Transition{Event: "publish", From: []int{draft}, To: published},
		Transition{Event: "archive", From: []int{draft, published}, To: archived},
	)
	require.NoError(t, err)
	return g
}

func TestNextFollowsTransitions(t *testing.T) {
	g := newDocumentGraph(t)
	ctx := context.Background()

	next, err := g.Next(ctx, draft, "publish")
	require.NoError(t, err)
	assert.Equal(t, published, next)

	next, err = g.Next(ctx, published, "archive")
	require.NoError(t, err)
	assert.Equal(t, archived, next)
}

func TestNextRejectsIllegalEvent(t *testing.T) {
	g := newDocumentGraph(t)

	next, err := g.Next(context.Background(), archived, "publish")
	require.Error(t, err)
	assert.True(t, connector.IsInvalidTransition(err))
	assert.Equal(t, archived, next)

	_, err = g.Next(context.Background(), 99, "publish")
	assert.True(t, connector.IsInvalidTransition(err))
}

func TestCanAndEvents(t *testing.T) {
	g := newDocumentGraph(t)
	assert.True(t, g.Can(draft, "publish"))
	assert.False(t, g.Can(published, "publish"))
	assert.False(t, g.Can(99, "publish"))
	assert.Equal(t, []string{"archive", "publish"}, g.Events(draft))
	assert.Empty(t, g.Events(archived))
}

func TestStateNamesAndCodes(t *testing.T) {
	g := newDocumentGraph(t)
	assert.Equal(t, "document", g.Name())
	assert.Equal(t, "PUBLISHED", g.StateName(published))
	assert.Equal(t, "UNKNOWN(7)", g.StateName(7))

	code, ok := g.Code(" published ")
	require.True(t, ok)
	assert.Equal(t, published, code)
	_, ok = g.Code("missing")
	assert.False(t, ok)

	assert.Equal(t, []int{draft, published, archived}, g.States())
}

func TestNewGraphValidation(t *testing.T) {
	_, err := NewGraph("bad", map[int]string{1: "A"}, Transition{Event: "go", From: []int{1}, To: 2})
	assert.Error(t, err)

	_, err = NewGraph("bad", map[int]string{1: "A", 2: "A"})
	assert.Error(t, err)

	_, err = NewGraph("bad", map[int]string{1: "A"}, Transition{From: []int{1}, To: 1})
	assert.Error(t, err)

	assert.Panics(t, func() {
		MustGraph("bad", map[int]string{1: ""})
	})
}

func TestVisualizeMentionsStates(t *testing.T) {
	dot := newDocumentGraph(t).Visualize(draft)
	assert.Contains(t, dot, "DRAFT")
	assert.Contains(t, dot, "publish")
	assert.Empty(t, newDocumentGraph(t).Visualize(99))
}
