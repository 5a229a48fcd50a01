package cron

import (
	"sync"
	"time"
)

type Subscription interface {
	Unsubscribe()
}

// ScheduleStatus reports a schedule handle state.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

func (s ScheduleStatus) terminal() bool {
	switch s {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

// RunStats counts the executions of one scheduled job.
type RunStats struct {
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Handle controls one scheduled job.
type Handle interface {
	Subscription
	Cancel()
	Status() ScheduleStatus
	Err() error
	Done() <-chan struct{}
	ID() int64
	Name() string
	Stats() RunStats
}

type jobHandle struct {
	scheduler *Scheduler
	id        int64
	name      string
	entryID   int
	done      chan struct{}
	once      sync.Once
	closeOnce sync.Once

	mu     sync.RWMutex
	status ScheduleStatus
	err    error
	stats  RunStats
}

func (h *jobHandle) Unsubscribe() { h.Cancel() }

func (h *jobHandle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.scheduler != nil {
			h.scheduler.removeHandle(h.id)
		}
		h.finish(ScheduleStatusCanceled, nil)
	})
}

func (h *jobHandle) Status() ScheduleStatus {
	if h == nil {
		return ScheduleStatusStopped
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Err is the last run failure, kept while a recurring job stays scheduled.
func (h *jobHandle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *jobHandle) Done() <-chan struct{} {
	if h == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.done
}

func (h *jobHandle) ID() int64 {
	if h == nil {
		return 0
	}
	return h.id
}

func (h *jobHandle) Name() string {
	if h == nil {
		return ""
	}
	return h.name
}

func (h *jobHandle) Stats() RunStats {
	if h == nil {
		return RunStats{}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

// begin marks a run as started. It returns false once the handle finished.
func (h *jobHandle) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.terminal() {
		return false
	}
	h.status = ScheduleStatusRunning
	return true
}

// record stores the outcome of a run and returns the run count.
func (h *jobHandle) record(at time.Time, err error) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.Runs++
	h.stats.LastRunAt = at
	h.stats.LastError = ""
	if err != nil {
		h.stats.Failures++
		h.stats.LastError = err.Error()
	}
	h.err = err
	if !h.status.terminal() {
		h.status = ScheduleStatusIdle
	}
	return h.stats.Runs
}

func (h *jobHandle) finish(status ScheduleStatus, err error) {
	h.mu.Lock()
	h.status = status
	if err != nil {
		h.err = err
	}
	h.mu.Unlock()
	h.closeOnce.Do(func() { close(h.done) })
}
