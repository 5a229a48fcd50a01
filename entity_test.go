package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatefulEntityStartsAtFirstAttempt(t *testing.T) {
	now := time.UnixMilli(1_000)
	e := NewStatefulEntity(" neg-1 ", 100, now)

	assert.Equal(t, "neg-1", e.ID)
	assert.Equal(t, 100, e.State)
	assert.Equal(t, 1, e.StateCount)
	assert.Equal(t, int64(1_000), e.StateTimestamp)
	assert.Equal(t, int64(1_000), e.CreatedAt)
	assert.Zero(t, e.Version)
}

func TestTransitionToCountsReentries(t *testing.T) {
	e := NewStatefulEntity("neg-1", 100, time.UnixMilli(0))

	e.TransitionTo(100, time.UnixMilli(10))
	assert.Equal(t, 2, e.StateCount)

	e.TransitionTo(200, time.UnixMilli(20))
	assert.Equal(t, 200, e.State)
	assert.Equal(t, 1, e.StateCount)
	assert.Equal(t, int64(20), e.StateTimestamp)
	assert.Equal(t, int64(20), e.UpdatedAt)
}

func TestRecordRetryKeepsState(t *testing.T) {
	e := StatefulEntity{ID: "neg-1", State: 300}
	e.RecordRetry(time.UnixMilli(50))

	assert.Equal(t, 300, e.State)
	assert.Equal(t, 2, e.StateCount)
	assert.Equal(t, int64(50), e.StateTimestamp)

	e.SetErrorDetail("  counter-party unreachable ")
	assert.Equal(t, "counter-party unreachable", e.ErrorDetail)
}

func TestLeaseExpiry(t *testing.T) {
	var missing *Lease
	assert.True(t, missing.IsExpired(0))
	assert.Zero(t, missing.ExpiresAt())

	lease := NewLease(" worker-a ", time.UnixMilli(1_000), time.Second)
	assert.Equal(t, "worker-a", lease.LeasedBy)
	assert.Equal(t, int64(2_000), lease.ExpiresAt())
	assert.False(t, lease.IsExpired(2_000))
	assert.True(t, lease.IsExpired(2_001))

	e := StatefulEntity{ID: "tp-1", Lease: lease}
	assert.True(t, e.IsLeased(time.UnixMilli(1_500)))
	assert.True(t, e.LeasedBy("worker-a", time.UnixMilli(1_500)))
	assert.False(t, e.LeasedBy("worker-b", time.UnixMilli(1_500)))
	assert.False(t, e.IsLeased(time.UnixMilli(2_500)))
}

func TestCloneSharesNothing(t *testing.T) {
	e := StatefulEntity{
		ID:           "tp-1",
		Lease:        &Lease{LeasedBy: "worker-a"},
		TraceContext: map[string]string{"trace_id": "abc"},
	}
	cp := e.Clone()
	cp.Lease.LeasedBy = "worker-b"
	cp.TraceContext["trace_id"] = "xyz"

	assert.Equal(t, "worker-a", e.Lease.LeasedBy)
	assert.Equal(t, "abc", e.TraceContext["trace_id"])
}

func TestManualClock(t *testing.T) {
	clock := NewManualClockMillis(1_000)
	assert.Equal(t, int64(1_000), NowMillis(clock))

	clock.Advance(250 * time.Millisecond)
	assert.Equal(t, int64(1_250), NowMillis(clock))

	clock.SetMillis(42)
	assert.Equal(t, int64(42), clock.Now().UnixMilli())

	require.IsType(t, SystemClock{}, NormalizeClock(nil))
}
