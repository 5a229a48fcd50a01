package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/manager"
)

// CycleRunner runs one polling cycle. *manager.Manager satisfies it.
type CycleRunner interface {
	Name() string
	RunOnce(ctx context.Context) (manager.CycleReport, error)
}

// StatusSource exposes runtime status. *manager.Manager satisfies it.
type StatusSource interface {
	Name() string
	Status() manager.RuntimeStatus
	Health(ctx context.Context) manager.Health
}

// ScheduleCycles drives runner from a cron expression instead of the
// manager's own loop. Overlapping cycles are skipped unless the scheduler
// allows overlap.
func ScheduleCycles(s *Scheduler, expression string, runner CycleRunner) (Handle, error) {
	if s == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if runner == nil {
		return nil, fmt.Errorf("cycle runner cannot be nil")
	}
	return s.ScheduleCron(JobConfig{
		Name:       runner.Name() + " cycle",
		Expression: expression,
	}, func(ctx context.Context) error {
		_, err := runner.RunOnce(ctx)
		return err
	})
}

// ScheduleStatusReport periodically logs the status of every source. A run
// fails when any source is unhealthy.
func ScheduleStatusReport(s *Scheduler, expression string, logger connector.Logger, sources ...StatusSource) (Handle, error) {
	if s == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	logger = connector.NormalizeLogger(logger)
	return s.ScheduleCron(JobConfig{
		Name:       "status report",
		Expression: expression,
	}, func(ctx context.Context) error {
		return ReportStatus(ctx, logger, sources...)
	})
}

// ScheduleStatusReportAfter logs the status of every source once, after
// delay. The handle completes after the single run.
func ScheduleStatusReportAfter(s *Scheduler, delay time.Duration, logger connector.Logger, sources ...StatusSource) (Handle, error) {
	if s == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	logger = connector.NormalizeLogger(logger)
	return s.ScheduleAfter(delay, JobConfig{Name: "startup status report"}, func(ctx context.Context) error {
		return ReportStatus(ctx, logger, sources...)
	})
}

// ReportStatus logs one line per source and joins the unhealthy reasons.
func ReportStatus(ctx context.Context, logger connector.Logger, sources ...StatusSource) error {
	logger = connector.NormalizeLogger(logger).WithContext(ctx)
	var errs []error
	for _, src := range sources {
		if src == nil {
			continue
		}
		health := src.Health(ctx)
		status := health.Status
		fields := map[string]any{
			"manager":              src.Name(),
			"state":                status.State,
			"cycles":               status.Cycles,
			"last_leased":          status.LastLeased,
			"last_saved":           status.LastSaved,
			"queue_depth":          status.QueueDepth,
			"queue_capacity":       status.QueueCapacity,
			"consecutive_failures": status.ConsecutiveFailures,
		}
		l := connector.WithLoggerFields(logger, fields)
		if health.Healthy {
			l.Info("manager %s healthy", src.Name())
			continue
		}
		l.Warn("manager %s unhealthy: %s", src.Name(), health.Reason)
		errs = append(errs, fmt.Errorf("%s: %s", src.Name(), health.Reason))
	}
	return errors.Join(errs...)
}
