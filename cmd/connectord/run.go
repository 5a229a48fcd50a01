package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/admin"
	"github.com/goliatone/go-connector/commands"
	"github.com/goliatone/go-connector/config"
	"github.com/goliatone/go-connector/cron"
	"github.com/goliatone/go-connector/dispatch"
	"github.com/goliatone/go-connector/lifecycle"
	"github.com/goliatone/go-connector/manager"
	"github.com/goliatone/go-connector/metrics"
	"github.com/goliatone/go-connector/negotiation"
	"github.com/goliatone/go-connector/observe"
	"github.com/goliatone/go-connector/store"
	"github.com/goliatone/go-connector/transfer"
)

const (
	negotiationManager = "negotiation"
	transferManager    = "transfer"

	// first status line once the managers ran a few cycles
	startupReportDelay = 5 * time.Second
)

// worker is a running connector process.
type worker interface {
	cron.StatusSource
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	RunOnce(ctx context.Context) (manager.CycleReport, error)
}

type daemon struct {
	cfg        config.Config
	workerID   string
	logger     connector.Logger
	recorder   *metrics.Recorder
	dispatcher connector.Dispatcher
	backend    *backend
	scheduler  *cron.Scheduler
	workers    []worker
	// cron driven workers are not started, the scheduler runs their cycles
	scheduled map[string]bool
}

func newDaemon(ctx context.Context, cfg config.Config) (*daemon, error) {
	workerID := strings.TrimSpace(cfg.Worker.ID)
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	logger := connector.WithLoggerFields(
		connector.NewJSONLogger(os.Stdout, cfg.Worker.LogLevel),
		map[string]any{"worker_id": workerID},
	)

	b, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	schedulerOpts := []cron.Option{cron.WithLogger(logger)}
	if cfg.Cron.Location != "" {
		loc, err := time.LoadLocation(cfg.Cron.Location)
		if err != nil {
			b.Close()
			return nil, err
		}
		schedulerOpts = append(schedulerOpts, cron.WithLocation(loc))
	}

	d := &daemon{
		cfg:        cfg,
		workerID:   workerID,
		logger:     logger,
		recorder:   metrics.New("connector"),
		dispatcher: newDispatcher(cfg.Dispatch, logger),
		backend:    b,
		scheduler:  cron.NewScheduler(schedulerOpts...),
		scheduled:  map[string]bool{},
	}
	if err := d.buildNegotiations(ctx); err != nil {
		b.Close()
		return nil, err
	}
	if err := d.buildTransfers(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return d, nil
}

func newDispatcher(cfg config.DispatchConfig, logger connector.Logger) connector.Dispatcher {
	if strings.EqualFold(cfg.Mode, config.DispatchLog) {
		return dispatch.NewLogDispatcher(logger)
	}
	return dispatch.NewHTTPDispatcher(
		dispatch.WithTimeout(cfg.Timeout),
		dispatch.WithRetries(cfg.RetryCount, cfg.RetryWait),
		dispatch.WithHeaders(cfg.Headers),
		dispatch.WithLogger(logger),
	)
}

func (d *daemon) managerOptions(name string, mc config.ManagerConfig) []manager.Option {
	return []manager.Option{
		manager.WithName(name),
		manager.WithWorkerID(d.workerID),
		manager.WithBatchSize(mc.BatchSize),
		manager.WithPollInterval(mc.PollInterval),
		manager.WithCommandDrainLimit(mc.CommandDrainLimit),
		manager.WithLogger(d.logger),
		manager.WithMetrics(d.recorder),
	}
}

func (d *daemon) storeOptions() []store.Option {
	return []store.Option{
		store.WithLeaseHolder(d.workerID),
		store.WithLogger(d.logger),
	}
}

func (d *daemon) buildNegotiations(ctx context.Context) error {
	mc := d.cfg.Manager(negotiationManager)
	if mc.Disabled {
		d.logger.Info("manager %s disabled", negotiationManager)
		return nil
	}
	st, err := entityStore[*negotiation.ContractNegotiation](ctx, d.backend, negotiationManager, store.NewJSONCodec(negotiation.Empty), d.storeOptions()...)
	if err != nil {
		return err
	}
	m := manager.New[*negotiation.ContractNegotiation](st, d.managerOptions(negotiationManager, mc)...)
	if err := negotiation.NewProcessors(d.dispatcher, nil).Register(m, mc.RetryConfiguration()); err != nil {
		return err
	}
	registry := commands.NewHandlerRegistry[*negotiation.ContractNegotiation]()
	if err := negotiation.RegisterCommands(registry, nil); err != nil {
		return err
	}
	m.AttachCommands(
		commands.NewRunner(st, registry, commands.WithRunnerLogger[*negotiation.ContractNegotiation](d.logger)),
		commands.NewBoundedQueue[connector.Command](mc.CommandQueueCapacity),
	)
	m.Subscribe(logTransitions[*negotiation.ContractNegotiation](d.logger, negotiation.Graph))
	return d.add(negotiationManager, mc, m)
}

func (d *daemon) buildTransfers(ctx context.Context) error {
	mc := d.cfg.Manager(transferManager)
	if mc.Disabled {
		d.logger.Info("manager %s disabled", transferManager)
		return nil
	}
	st, err := entityStore[*transfer.TransferProcess](ctx, d.backend, transferManager, store.NewJSONCodec(transfer.Empty), d.storeOptions()...)
	if err != nil {
		return err
	}
	m := manager.New[*transfer.TransferProcess](st, d.managerOptions(transferManager, mc)...)
	if err := transfer.NewProcessors(d.dispatcher, nil, nil).Register(m, mc.RetryConfiguration()); err != nil {
		return err
	}
	registry := commands.NewHandlerRegistry[*transfer.TransferProcess]()
	if err := transfer.RegisterCommands(registry, nil); err != nil {
		return err
	}
	m.AttachCommands(
		commands.NewRunner(st, registry, commands.WithRunnerLogger[*transfer.TransferProcess](d.logger)),
		commands.NewBoundedQueue[connector.Command](mc.CommandQueueCapacity),
	)
	m.Subscribe(logTransitions[*transfer.TransferProcess](d.logger, transfer.Graph))
	return d.add(transferManager, mc, m)
}

// logTransitions writes one line per state change.
func logTransitions[E connector.Entity](logger connector.Logger, g *lifecycle.Graph) observe.TransitionListener[E] {
	return observe.ListenerFunc[E](func(_ context.Context, evt observe.TransitionEvent[E]) error {
		if !evt.Changed() {
			return nil
		}
		if evt.ErrorDetail != "" {
			logger.Warn("%s %s: %s -> %s (%s): %s", g.Name(), evt.EntityID,
				g.StateName(evt.PreviousState), g.StateName(evt.CurrentState), evt.Source, evt.ErrorDetail)
			return nil
		}
		logger.Info("%s %s: %s -> %s (%s)", g.Name(), evt.EntityID,
			g.StateName(evt.PreviousState), g.StateName(evt.CurrentState), evt.Source)
		return nil
	})
}

func (d *daemon) add(name string, mc config.ManagerConfig, w worker) error {
	d.workers = append(d.workers, w)
	if mc.Cron == "" {
		return nil
	}
	if _, err := cron.ScheduleCycles(d.scheduler, mc.Cron, w); err != nil {
		return err
	}
	d.scheduled[name] = true
	return nil
}

func (d *daemon) sources() []cron.StatusSource {
	out := make([]cron.StatusSource, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, w)
	}
	return out
}

// run blocks until ctx is canceled or the admin server fails.
func (d *daemon) run(ctx context.Context) error {
	defer d.backend.Close()

	for _, w := range d.workers {
		if d.scheduled[w.Name()] {
			d.logger.Info("manager %s driven by cron", w.Name())
			continue
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		d.logger.Info("manager %s started", w.Name())
	}
	if d.cfg.Cron.StatusReport != "" {
		if _, err := cron.ScheduleStatusReport(d.scheduler, d.cfg.Cron.StatusReport, d.logger, d.sources()...); err != nil {
			return err
		}
	}
	if _, err := cron.ScheduleStatusReportAfter(d.scheduler, startupReportDelay, d.logger, d.sources()...); err != nil {
		return err
	}
	if err := d.scheduler.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: d.cfg.Admin.Listen,
		Handler: admin.NewServer(
			admin.WithMetrics(d.recorder.Handler()),
			admin.WithSources(d.sources()...),
			admin.WithSchedules(d.scheduler.Handles),
			admin.WithGraph(negotiationManager, negotiation.Graph),
			admin.WithGraph(transferManager, transfer.Graph),
		).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		d.logger.Info("admin server listening on %s", d.cfg.Admin.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	d.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("admin server shutdown: %v", err)
	}
	if err := d.scheduler.Stop(shutdownCtx); err != nil {
		d.logger.Warn("scheduler stop: %v", err)
	}
	for _, w := range d.workers {
		if d.scheduled[w.Name()] {
			continue
		}
		if err := w.Stop(shutdownCtx); err != nil {
			d.logger.Warn("manager %s stop: %v", w.Name(), err)
		}
	}
	return runErr
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
