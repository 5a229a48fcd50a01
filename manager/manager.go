package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/commands"
	"github.com/goliatone/go-connector/observe"
	"github.com/goliatone/go-connector/retry"
	"github.com/goliatone/go-connector/store"
)

const (
	DefaultBatchSize         = 20
	DefaultPollInterval      = time.Second
	DefaultCommandDrainLimit = 100
)

// Manager polls the store for entities in registered states, runs the
// matching processor and persists the result. Queued commands are drained
// at the start of every cycle.
type Manager[E connector.Entity] struct {
	store      store.EntityStore[E]
	processors map[int]Processor[E]
	states     []int

	name         string
	workerID     string
	batchSize    int
	pollInterval time.Duration
	drainLimit   int
	errorWait    connector.FeedbackWaitStrategy
	clock        connector.Clock
	logger       connector.Logger
	metrics      Metrics
	listeners    *observe.Observable[E]

	runner *commands.Runner[E]
	queue  commands.Queue[connector.Command]

	statusHook func(context.Context, RuntimeStatus)
	healthHook func(context.Context, Health)

	regMu sync.RWMutex

	stateMu sync.RWMutex
	status  RuntimeStatus

	runMu     sync.Mutex
	runCancel context.CancelFunc
	// workCancel aborts an in-flight cycle, only when Stop runs out of time
	workCancel context.CancelFunc
	runDone    chan struct{}
	running   bool
	wake      chan struct{}
}

// Option customizes manager behavior.
type Option func(*settings)

type settings struct {
	name         string
	workerID     string
	batchSize    int
	pollInterval time.Duration
	drainLimit   int
	errorWait    connector.FeedbackWaitStrategy
	clock        connector.Clock
	logger       connector.Logger
	metrics      Metrics
	statusHook   func(context.Context, RuntimeStatus)
	healthHook   func(context.Context, Health)
}

// WithName labels logs, metrics and status.
func WithName(name string) Option {
	return func(s *settings) {
		if name = strings.TrimSpace(name); name != "" {
			s.name = name
		}
	}
}

// WithWorkerID identifies this process in logs and status.
func WithWorkerID(workerID string) Option {
	return func(s *settings) {
		if workerID = strings.TrimSpace(workerID); workerID != "" {
			s.workerID = workerID
		}
	}
}

// WithBatchSize sets the max entities leased per state per cycle.
func WithBatchSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithPollInterval sets the wait after a cycle that found nothing to do.
func WithPollInterval(interval time.Duration) Option {
	return func(s *settings) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithCommandDrainLimit bounds the commands run per cycle.
func WithCommandDrainLimit(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.drainLimit = n
		}
	}
}

// WithErrorWaitStrategy sets the wait after a failed cycle. It is told
// about every success and failure.
func WithErrorWaitStrategy(strategy connector.FeedbackWaitStrategy) Option {
	return func(s *settings) {
		if strategy != nil {
			s.errorWait = strategy
		}
	}
}

func WithClock(clock connector.Clock) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithLogger(logger connector.Logger) Option {
	return func(s *settings) {
		s.logger = connector.NormalizeLogger(logger)
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(s *settings) {
		s.metrics = metrics
	}
}

// WithStatusHook receives runtime status updates.
func WithStatusHook(hook func(context.Context, RuntimeStatus)) Option {
	return func(s *settings) {
		s.statusHook = hook
	}
}

// WithHealthHook receives health snapshots after each cycle.
func WithHealthHook(hook func(context.Context, Health)) Option {
	return func(s *settings) {
		s.healthHook = hook
	}
}

// New constructs a manager over st.
func New[E connector.Entity](st store.EntityStore[E], opts ...Option) *Manager[E] {
	cfg := settings{
		name:         "state-machine",
		workerID:     "worker-1",
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
		drainLimit:   DefaultCommandDrainLimit,
		clock:        connector.SystemClock{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.errorWait == nil {
		cfg.errorWait = retry.NewExponentialWaitStrategy(cfg.pollInterval, 2, 30*cfg.pollInterval)
	}
	if cfg.metrics == nil {
		cfg.metrics = noopMetrics{}
	}
	logger := connector.WithLoggerFields(connector.NormalizeLogger(cfg.logger), map[string]any{
		"manager":   cfg.name,
		"worker_id": cfg.workerID,
	})

	return &Manager[E]{
		store:        st,
		processors:   map[int]Processor[E]{},
		name:         cfg.name,
		workerID:     cfg.workerID,
		batchSize:    cfg.batchSize,
		pollInterval: cfg.pollInterval,
		drainLimit:   cfg.drainLimit,
		errorWait:    cfg.errorWait,
		clock:        cfg.clock,
		logger:       logger,
		metrics:      cfg.metrics,
		listeners:    observe.NewObservable[E](logger),
		statusHook:   cfg.statusHook,
		healthHook:   cfg.healthHook,
		status: RuntimeStatus{
			Name:     cfg.name,
			WorkerID: cfg.workerID,
			State:    RuntimeStateIdle,
		},
		wake: make(chan struct{}, 1),
	}
}

func (m *Manager[E]) Name() string {
	return m.name
}

// Register binds processor to state. Each state takes one processor.
func (m *Manager[E]) Register(state int, processor Processor[E]) error {
	if processor == nil {
		return connector.NewError(connector.ErrInvalidConfiguration, "processor required", nil, map[string]any{
			"state": state,
		})
	}
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if _, exists := m.processors[state]; exists {
		return connector.NewError(connector.ErrProcessorRegistered, "", nil, map[string]any{
			"state":   state,
			"manager": m.name,
		})
	}
	m.processors[state] = processor
	m.states = append(m.states, state)
	sort.Ints(m.states)
	return nil
}

// Handle registers a StateProcessor for action at state.
func (m *Manager[E]) Handle(state int, action Action[E], config retry.EntityRetryProcessConfiguration, opts ...ProcessorOption) error {
	base := []ProcessorOption{WithProcessorClock(m.clock), WithProcessorLogger(m.logger)}
	return m.Register(state, NewStateProcessor(action, config, append(base, opts...)...))
}

// States lists the registered states in ascending order.
func (m *Manager[E]) States() []int {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	out := make([]int, len(m.states))
	copy(out, m.states)
	return out
}

// AttachCommands makes every cycle drain queue through runner.
func (m *Manager[E]) AttachCommands(runner *commands.Runner[E], queue commands.Queue[connector.Command]) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	m.runner = runner
	m.queue = queue
}

// Enqueue queues cmd for the next cycle and wakes an idle loop.
func (m *Manager[E]) Enqueue(cmd connector.Command) error {
	queue := m.commandQueue()
	if queue == nil {
		return connector.NewError(connector.ErrInvalidConfiguration, "command queue not attached", nil, map[string]any{
			"manager": m.name,
		})
	}
	if err := connector.ValidateMessage(cmd); err != nil {
		return err
	}
	if err := queue.Enqueue(cmd); err != nil {
		return err
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *Manager[E]) commandQueue() commands.Queue[connector.Command] {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.queue
}

// Subscribe adds a transition listener.
func (m *Manager[E]) Subscribe(listener observe.TransitionListener[E]) observe.Subscription {
	return m.listeners.Register(listener)
}

// Start runs the loop on its own goroutine until Stop or ctx cancellation.
func (m *Manager[E]) Start(ctx context.Context) error {
	_, err := m.start(ctx)
	return err
}

// Run starts the loop and blocks until it stops.
func (m *Manager[E]) Run(ctx context.Context) error {
	done, err := m.start(ctx)
	if err != nil {
		return err
	}
	<-done
	return nil
}

func (m *Manager[E]) start(ctx context.Context) (<-chan struct{}, error) {
	if m == nil {
		return nil, fmt.Errorf("state machine manager not configured")
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return nil, connector.NewError(connector.ErrManagerRunning, "", nil, map[string]any{
			"manager": m.name,
		})
	}
	// stopCtx ends the loop between cycles. Cycles run under workCtx so a
	// stop request lets the current batch finish its actions and saves.
	stopCtx, cancel := context.WithCancel(ctx)
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	runDone := make(chan struct{})
	m.runCancel = cancel
	m.workCancel = workCancel
	m.runDone = runDone
	m.running = true
	m.runMu.Unlock()

	m.setRuntimeState(stopCtx, RuntimeStateRunning)
	go m.loop(stopCtx, workCtx, runDone)
	return runDone, nil
}

func (m *Manager[E]) loop(ctx, workCtx context.Context, done chan struct{}) {
	logger := m.logger.WithContext(ctx)
	logger.Info("state machine manager started, states=%v", m.States())

	defer func() {
		m.setRuntimeState(context.Background(), RuntimeStateStopped)
		m.runMu.Lock()
		if m.workCancel != nil {
			m.workCancel()
		}
		m.running = false
		m.runCancel = nil
		m.workCancel = nil
		m.runDone = nil
		close(done)
		m.runMu.Unlock()
		logger.Info("state machine manager stopped")
	}()
	// a panic outside a processor ends the loop instead of the process
	defer connector.MakePanicHandler(connector.LoggerPanicLogger(logger))("state machine manager loop", map[string]any{"manager": m.name})

	for {
		if ctx.Err() != nil {
			return
		}
		report, err := m.RunOnce(workCtx)
		wait := time.Duration(0)
		if err != nil {
			if ctx.Err() != nil || workCtx.Err() != nil {
				return
			}
			m.errorWait.Failures(1)
			wait = time.Duration(m.errorWait.WaitForMillis()) * time.Millisecond
			logger.Warn("state machine cycle failed, waiting %s: %v", wait, err)
		} else {
			m.errorWait.Success()
			if report.Idle() {
				wait = m.pollInterval
			}
		}
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Stop requests loop termination and waits for the in-flight cycle to
// finish. When ctx ends first the cycle is canceled and ctx.Err returned.
func (m *Manager[E]) Stop(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("state machine manager not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.runMu.Lock()
	cancel := m.runCancel
	abort := m.workCancel
	done := m.runDone
	running := m.running
	m.runMu.Unlock()

	if !running || cancel == nil || done == nil {
		m.setRuntimeState(ctx, RuntimeStateStopped)
		return nil
	}

	m.setRuntimeState(ctx, RuntimeStateStopping)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if abort != nil {
			abort()
		}
		return ctx.Err()
	}
}

// Running reports whether the loop is active.
func (m *Manager[E]) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

// RunOnce drains queued commands, then leases and processes a batch for
// every registered state. Store failures end the cycle early.
func (m *Manager[E]) RunOnce(ctx context.Context) (CycleReport, error) {
	report := CycleReport{}
	if m == nil {
		return report, fmt.Errorf("state machine manager not configured")
	}
	if err := m.validate(); err != nil {
		return report, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	report.Name = m.name
	report.WorkerID = m.workerID
	report.StartedAt = m.clock.Now().UTC()

	cycleErr := m.drainCommands(ctx, &report)
	if cycleErr == nil {
		cycleErr = m.pollStates(ctx, &report)
	}

	report.FinishedAt = m.clock.Now().UTC()
	m.recordCycle(ctx, report, cycleErr)
	return report, cycleErr
}

func (m *Manager[E]) drainCommands(ctx context.Context, report *CycleReport) error {
	m.runMu.Lock()
	runner, queue := m.runner, m.queue
	m.runMu.Unlock()
	if runner == nil || queue == nil {
		return nil
	}

	var storeErr error
	for _, res := range commands.Drain(ctx, runner, queue, m.drainLimit) {
		report.Commands++
		m.metrics.RecordCommand(m.name, res.Outcome)
		switch {
		case res.Applied():
			report.Applied++
			m.notify(ctx, res.Entity, res.PreviousState, observe.SourceCommand)
		case res.Err != nil && connector.ErrorCode(res.Err) == connector.ErrCodeStoreUnavailable:
			if storeErr == nil {
				storeErr = res.Err
			}
		}
	}
	return storeErr
}

func (m *Manager[E]) pollStates(ctx context.Context, report *CycleReport) error {
	m.regMu.RLock()
	states := make([]int, len(m.states))
	copy(states, m.states)
	processors := make(map[int]Processor[E], len(m.processors))
	for state, p := range m.processors {
		processors[state] = p
	}
	m.regMu.RUnlock()

	for _, state := range states {
		if err := ctx.Err(); err != nil {
			return err
		}
		entities, err := m.store.NextNotLeased(ctx, m.batchSize, state)
		if err != nil {
			return err
		}
		m.metrics.RecordLeased(m.name, state, len(entities))
		report.Leased += len(entities)
		for i, entity := range entities {
			if err := m.processEntity(ctx, processors[state], entity, report); err != nil {
				m.releaseLeases(ctx, entities[i+1:])
				return err
			}
		}
	}
	return nil
}

// releaseLeases hands back the rest of a batch abandoned after a store
// failure, so other holders do not wait for the leases to expire.
func (m *Manager[E]) releaseLeases(ctx context.Context, entities []E) {
	ctx = context.WithoutCancel(ctx)
	for _, entity := range entities {
		id := entity.Stateful().ID
		if err := m.store.ReleaseLease(ctx, id); err != nil {
			m.logger.WithContext(ctx).Warn("lease release for %s skipped: %v", id, err)
		}
	}
}

// processEntity returns an error only when the store failed.
func (m *Manager[E]) processEntity(ctx context.Context, processor Processor[E], entity E, report *CycleReport) error {
	st := entity.Stateful()
	id := st.ID
	previous := st.State
	logger := connector.WithLoggerFields(m.logger.WithContext(ctx), connector.EntityFields(st))

	decision := m.invoke(ctx, processor, entity)
	result := EntityResult{
		EntityID:      id,
		PreviousState: previous,
		Outcome:       decision.Outcome,
		Err:           decision.Err,
	}

	switch decision.Outcome {
	case OutcomeDelayed:
		report.Delayed++
	case OutcomeRetryScheduled:
		report.Retried++
	case OutcomeExhausted:
		report.Exhausted++
	}

	if decision.Save {
		if err := m.store.Save(ctx, entity); err != nil {
			switch {
			case connector.IsVersionConflict(err), connector.IsLeased(err), connector.IsNotFound(err):
				logger.Warn("entity save dropped: %v", err)
				m.metrics.RecordVersionConflict(m.name)
				report.Conflicts++
				result.Err = err
				result.State = entity.Stateful().State
				report.Results = append(report.Results, result)
				return nil
			default:
				logger.Error("entity save failed: %v", err)
				return err
			}
		}
		report.Saved++
		m.notify(ctx, entity, previous, observe.SourcePoll)
	} else {
		if err := m.store.ReleaseLease(ctx, id); err != nil {
			if connector.ErrorCode(err) == connector.ErrCodeStoreUnavailable {
				logger.Error("entity lease release failed: %v", err)
				return err
			}
			logger.Warn("entity lease release skipped: %v", err)
		} else {
			report.Released++
		}
	}

	m.metrics.RecordOutcome(m.name, previous, decision.Outcome)
	result.State = entity.Stateful().State
	report.Results = append(report.Results, result)
	return nil
}

func (m *Manager[E]) invoke(ctx context.Context, processor Processor[E], entity E) (decision Decision) {
	if processor == nil {
		return Decision{Outcome: OutcomeNoProgress}
	}
	defer func() {
		if r := recover(); r != nil {
			err := connector.RecoverError("processor", r)
			connector.WithLoggerFields(m.logger.WithContext(ctx), connector.EntityFields(entity.Stateful())).
				Error("processor panicked: %v", err)
			decision = Decision{Outcome: OutcomeFailed, Err: err}
		}
	}()
	return processor.Process(ctx, entity)
}

func (m *Manager[E]) notify(ctx context.Context, entity E, previous int, source observe.Source) {
	st := entity.Stateful()
	evt := observe.TransitionEvent[E]{
		Entity:        entity,
		EntityID:      st.ID,
		PreviousState: previous,
		CurrentState:  st.State,
		Source:        source,
		OccurredAt:    m.clock.Now().UTC(),
	}
	if !evt.Changed() {
		return
	}
	if entity.IsTerminal() && st.ErrorDetail != "" {
		evt.ErrorDetail = st.ErrorDetail
	}
	m.listeners.Notify(ctx, evt)
}

func (m *Manager[E]) validate() error {
	if m.store == nil {
		return connector.NewError(connector.ErrInvalidConfiguration, "entity store not configured", nil, nil)
	}
	if strings.TrimSpace(m.workerID) == "" {
		return connector.NewError(connector.ErrInvalidConfiguration, "worker id required", nil, nil)
	}
	return nil
}
