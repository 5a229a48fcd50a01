package manager

import (
	"context"
	"time"
)

// RuntimeState tracks the lifecycle of the background loop.
type RuntimeState string

const (
	RuntimeStateIdle     RuntimeState = "idle"
	RuntimeStateRunning  RuntimeState = "running"
	RuntimeStateStopping RuntimeState = "stopping"
	RuntimeStateStopped  RuntimeState = "stopped"
)

// RuntimeStatus captures the latest runtime state and cycle counters.
type RuntimeStatus struct {
	Name                string       `json:"name"`
	WorkerID            string       `json:"worker_id"`
	State               RuntimeState `json:"state"`
	LastRunAt           time.Time    `json:"last_run_at"`
	LastSuccessAt       time.Time    `json:"last_success_at"`
	LastError           string       `json:"last_error,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastLeased          int          `json:"last_leased"`
	LastSaved           int          `json:"last_saved"`
	LastCommands        int          `json:"last_commands"`
	QueueDepth          int          `json:"queue_depth"`
	QueueCapacity       int          `json:"queue_capacity"`
	Cycles              int64        `json:"cycles"`
}

// Health reports health derived from runtime status.
type Health struct {
	Healthy bool          `json:"healthy"`
	Reason  string        `json:"reason,omitempty"`
	Status  RuntimeStatus `json:"status"`
}

// EntityResult captures what happened to one entity during a cycle.
type EntityResult struct {
	EntityID      string
	State         int
	PreviousState int
	Outcome       Outcome
	Err           error
}

// CycleReport summarizes one manager cycle.
type CycleReport struct {
	Name       string
	WorkerID   string
	Leased     int
	Saved      int
	Released   int
	Delayed    int
	Retried    int
	Exhausted  int
	Conflicts  int
	Commands   int
	Applied    int
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []EntityResult
}

// Idle reports a cycle that found no entity and no command to work on.
func (r CycleReport) Idle() bool {
	return r.Leased == 0 && r.Commands == 0
}

// Duration is the wall time spent in the cycle.
func (r CycleReport) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Status returns a copy of the latest runtime status.
func (m *Manager[E]) Status() RuntimeStatus {
	if m == nil {
		return RuntimeStatus{State: RuntimeStateStopped}
	}
	m.stateMu.RLock()
	status := m.status
	m.stateMu.RUnlock()
	if queue := m.commandQueue(); queue != nil {
		status.QueueDepth = queue.Len()
		status.QueueCapacity = queue.Cap()
	}
	return status
}

// Health returns a derived health summary and emits the health hook.
func (m *Manager[E]) Health(ctx context.Context) Health {
	if ctx == nil {
		ctx = context.Background()
	}
	status := m.Status()
	health := Health{
		Healthy: true,
		Status:  status,
	}
	if status.ConsecutiveFailures > 0 {
		health.Healthy = false
		health.Reason = "cycle failures detected"
	} else if status.State == RuntimeStateStopped && !status.LastRunAt.IsZero() {
		health.Healthy = false
		health.Reason = "manager stopped"
	}
	if m != nil && m.healthHook != nil {
		m.healthHook(ctx, health)
	}
	return health
}

func (m *Manager[E]) recordCycle(ctx context.Context, report CycleReport, cycleErr error) {
	now := m.clock.Now().UTC()
	m.stateMu.Lock()
	status := m.status
	status.Name = m.name
	status.WorkerID = m.workerID
	status.LastRunAt = now
	status.LastLeased = report.Leased
	status.LastSaved = report.Saved
	status.LastCommands = report.Commands
	status.Cycles++
	if cycleErr == nil {
		status.LastSuccessAt = now
		status.LastError = ""
		status.ConsecutiveFailures = 0
	} else {
		status.LastError = cycleErr.Error()
		status.ConsecutiveFailures++
	}
	if status.State == "" {
		status.State = RuntimeStateIdle
	}
	if queue := m.commandQueue(); queue != nil {
		status.QueueDepth = queue.Len()
		status.QueueCapacity = queue.Cap()
	}
	m.status = status
	m.stateMu.Unlock()

	m.metrics.RecordCycle(m.name, report.Duration(), cycleErr)
	m.metrics.RecordQueueDepth(m.name, status.QueueDepth)
	if m.statusHook != nil {
		m.statusHook(ctx, status)
	}
	_ = m.Health(ctx)
}

func (m *Manager[E]) setRuntimeState(ctx context.Context, state RuntimeState) {
	m.stateMu.Lock()
	status := m.status
	status.Name = m.name
	status.WorkerID = m.workerID
	status.State = state
	m.status = status
	m.stateMu.Unlock()
	if m.statusHook != nil {
		m.statusHook(ctx, status)
	}
}
