package connector

import (
	"strings"
	"time"
)

// Entity is the capability set the engine needs from a driven record.
// Concrete types embed StatefulEntity and own their state graph.
type Entity interface {
	Stateful() *StatefulEntity
	IsTerminal() bool
	TransitionToError(detail string, now time.Time)
}

// Lease is a time bounded claim of exclusive processing rights.
// All values are epoch milliseconds.
type Lease struct {
	LeasedBy      string `json:"leased_by"`
	LeasedAt      int64  `json:"leased_at"`
	LeaseDuration int64  `json:"lease_duration"`
}

// NewLease builds a lease for holder starting at now.
func NewLease(holder string, now time.Time, duration time.Duration) *Lease {
	return &Lease{
		LeasedBy:      strings.TrimSpace(holder),
		LeasedAt:      now.UnixMilli(),
		LeaseDuration: duration.Milliseconds(),
	}
}

// IsExpired reports whether the lease ended before now (epoch millis).
func (l *Lease) IsExpired(now int64) bool {
	if l == nil {
		return true
	}
	return l.LeasedAt+l.LeaseDuration < now
}

// ExpiresAt returns the epoch millis after which the lease is reclaimable.
func (l *Lease) ExpiresAt() int64 {
	if l == nil {
		return 0
	}
	return l.LeasedAt + l.LeaseDuration
}

// StatefulEntity is the versioned, leasable base record.
type StatefulEntity struct {
	ID             string            `json:"id"`
	State          int               `json:"state"`
	StateCount     int               `json:"state_count"`
	StateTimestamp int64             `json:"state_timestamp"`
	ErrorDetail    string            `json:"error_detail,omitempty"`
	Version        int64             `json:"version"`
	Lease          *Lease            `json:"lease,omitempty"`
	CreatedAt      int64             `json:"created_at"`
	UpdatedAt      int64             `json:"updated_at"`
	TraceContext   map[string]string `json:"trace_context,omitempty"`
}

// NewStatefulEntity creates a record in its initial state with stateCount 1.
func NewStatefulEntity(id string, initial int, now time.Time) StatefulEntity {
	ts := now.UnixMilli()
	return StatefulEntity{
		ID:             strings.TrimSpace(id),
		State:          initial,
		StateCount:     1,
		StateTimestamp: ts,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
}

// Stateful lets types embedding StatefulEntity satisfy part of Entity.
func (e *StatefulEntity) Stateful() *StatefulEntity {
	return e
}

// TransitionTo moves to state. Re-entering the current state counts as a
// retry, any other state resets the counter.
func (e *StatefulEntity) TransitionTo(state int, now time.Time) {
	if e.State == state && e.StateCount > 0 {
		e.StateCount++
	} else {
		e.StateCount = 1
	}
	e.State = state
	e.UpdateStateTimestamp(now)
}

// RecordRetry registers one more failed attempt in the current state.
func (e *StatefulEntity) RecordRetry(now time.Time) {
	if e.StateCount < 1 {
		e.StateCount = 1
	}
	e.StateCount++
	e.UpdateStateTimestamp(now)
}

// UpdateStateTimestamp sets the backoff reference point.
func (e *StatefulEntity) UpdateStateTimestamp(now time.Time) {
	ts := now.UnixMilli()
	e.StateTimestamp = ts
	e.UpdatedAt = ts
}

// SetErrorDetail records a human readable error detail.
func (e *StatefulEntity) SetErrorDetail(detail string) {
	e.ErrorDetail = strings.TrimSpace(detail)
}

// IsLeased reports a live lease at now.
func (e *StatefulEntity) IsLeased(now time.Time) bool {
	return e.Lease != nil && !e.Lease.IsExpired(now.UnixMilli())
}

// LeasedBy reports a live lease owned by holder at now.
func (e *StatefulEntity) LeasedBy(holder string, now time.Time) bool {
	return e.IsLeased(now) && e.Lease.LeasedBy == strings.TrimSpace(holder)
}

// Clone returns a copy that shares no mutable state with e.
func (e StatefulEntity) Clone() StatefulEntity {
	cp := e
	if e.Lease != nil {
		lease := *e.Lease
		cp.Lease = &lease
	}
	if e.TraceContext != nil {
		cp.TraceContext = make(map[string]string, len(e.TraceContext))
		for k, v := range e.TraceContext {
			cp.TraceContext[k] = v
		}
	}
	return cp
}
