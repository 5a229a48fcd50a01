package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/connectortest"
	"github.com/goliatone/go-connector/retry"
)

func TestStateProcessorDecisions(t *testing.T) {
	clock := connector.NewManualClockMillis(10_000)
	boom := errors.New("boom")

	cases := []struct {
		name       string
		stateCount int
		action     Action[entity]
		want       Outcome
		save       bool
		wantState  int
	}{
		{
			name:       "progress saves",
			stateCount: 1,
			action:     advance,
			want:       OutcomeProgressed,
			save:       true,
			wantState:  connectortest.StateAdvanced,
		},
		{
			name:       "no progress releases",
			stateCount: 1,
			action:     func(context.Context, entity) (bool, error) { return false, nil },
			want:       OutcomeNoProgress,
			wantState:  connectortest.StateInitial,
		},
		{
			name:       "failure within budget schedules retry",
			stateCount: 2,
			action:     func(context.Context, entity) (bool, error) { return false, boom },
			want:       OutcomeRetryScheduled,
			save:       true,
			wantState:  connectortest.StateInitial,
		},
		{
			name:       "failure past budget moves to error",
			stateCount: 3,
			action:     func(context.Context, entity) (bool, error) { return false, boom },
			want:       OutcomeExhausted,
			save:       true,
			wantState:  connectortest.StateError,
		},
		{
			name:       "panic counts as failure",
			stateCount: 1,
			action:     func(context.Context, entity) (bool, error) { panic("kaboom") },
			want:       OutcomeRetryScheduled,
			save:       true,
			wantState:  connectortest.StateInitial,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewStateProcessor(tc.action, retry.DefaultConfiguration(2, nil), WithProcessorClock(clock))
			e := connectortest.New("e1", connectortest.StateInitial, time.UnixMilli(0))
			e.StateCount = tc.stateCount

			decision := p.Process(context.Background(), e)
			assert.Equal(t, tc.want, decision.Outcome)
			assert.Equal(t, tc.save, decision.Save)
			assert.Equal(t, tc.wantState, e.State)
		})
	}
}

func TestStateProcessorExhaustionCarriesCode(t *testing.T) {
	clock := connector.NewManualClockMillis(10_000)
	p := NewStateProcessor(func(context.Context, entity) (bool, error) {
		return false, errors.New("peer rejected")
	}, retry.DefaultConfiguration(0, nil), WithProcessorClock(clock), WithDescription("verify"))

	e := connectortest.New("e1", connectortest.StateInitial, clock.Now())
	decision := p.Process(context.Background(), e)
	require.Error(t, decision.Err)
	assert.Equal(t, connector.ErrCodeRetriesExhausted, connector.ErrorCode(decision.Err))
	assert.Equal(t, connectortest.StateError, e.State)
	assert.Contains(t, e.ErrorDetail, "verify")
}

func TestStateProcessorDelaysInsideBackoffWindow(t *testing.T) {
	clock := connector.NewManualClockMillis(10_000)
	calls := 0
	p := NewStateProcessor(func(context.Context, entity) (bool, error) {
		calls++
		return true, nil
	}, retry.DefaultConfiguration(5, retry.NewFixedWaitStrategy(500*time.Millisecond)), WithProcessorClock(clock))

	e := connectortest.New("e1", connectortest.StateInitial, clock.Now())
	e.StateCount = 2
	clock.Advance(200 * time.Millisecond)

	decision := p.Process(context.Background(), e)
	assert.Equal(t, OutcomeDelayed, decision.Outcome)
	assert.False(t, decision.Save)
	assert.Equal(t, int64(300), decision.DelayMillis)
	assert.Zero(t, calls)
}
