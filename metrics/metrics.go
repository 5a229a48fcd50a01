package metrics

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/goliatone/go-connector/commands"
	"github.com/goliatone/go-connector/manager"
)

const DefaultNamespace = "connector"

// Recorder is the Prometheus implementation of manager.Metrics.
type Recorder struct {
	registry *prometheus.Registry

	CycleDuration    *prometheus.HistogramVec
	CycleFailures    *prometheus.CounterVec
	Leased           *prometheus.CounterVec
	Outcomes         *prometheus.CounterVec
	Retries          *prometheus.CounterVec
	Exhausted        *prometheus.CounterVec
	VersionConflicts *prometheus.CounterVec
	Commands         *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
}

// New builds a Recorder and registers its collectors on a fresh registry.
func New(namespace string) *Recorder {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "State machine cycle duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"manager"},
		),
		CycleFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycle_failures_total",
				Help:      "Cycles ended by a store failure",
			},
			[]string{"manager"},
		),
		Leased: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entities_leased_total",
				Help:      "Entities leased for processing",
			},
			[]string{"manager", "state"},
		),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Processed entities by outcome",
			},
			[]string{"manager", "state", "outcome"},
		),
		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Failed attempts scheduled for retry",
			},
			[]string{"manager", "state"},
		),
		Exhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_exhausted_total",
				Help:      "Entities moved to their error state after exhausting retries",
			},
			[]string{"manager", "state"},
		),
		VersionConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "version_conflicts_total",
				Help:      "Saves dropped because another worker progressed the entity",
			},
			[]string{"manager"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands executed by outcome",
			},
			[]string{"manager", "outcome"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "command_queue_depth",
				Help:      "Commands waiting in the queue",
			},
			[]string{"manager"},
		),
	}
	r.registry.MustRegister(
		r.CycleDuration, r.CycleFailures, r.Leased, r.Outcomes,
		r.Retries, r.Exhausted, r.VersionConflicts, r.Commands, r.QueueDepth,
	)
	return r
}

// Registry exposes the underlying registry, e.g. to add process collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) RecordCycle(name string, duration time.Duration, err error) {
	r.CycleDuration.WithLabelValues(name).Observe(duration.Seconds())
	if err != nil {
		r.CycleFailures.WithLabelValues(name).Inc()
	}
}

func (r *Recorder) RecordLeased(name string, state int, count int) {
	if count <= 0 {
		return
	}
	r.Leased.WithLabelValues(name, strconv.Itoa(state)).Add(float64(count))
}

func (r *Recorder) RecordOutcome(name string, state int, outcome manager.Outcome) {
	st := strconv.Itoa(state)
	r.Outcomes.WithLabelValues(name, st, string(outcome)).Inc()
	switch outcome {
	case manager.OutcomeRetryScheduled:
		r.Retries.WithLabelValues(name, st).Inc()
	case manager.OutcomeExhausted:
		r.Exhausted.WithLabelValues(name, st).Inc()
	}
}

func (r *Recorder) RecordVersionConflict(name string) {
	r.VersionConflicts.WithLabelValues(name).Inc()
}

func (r *Recorder) RecordCommand(name string, outcome commands.Outcome) {
	r.Commands.WithLabelValues(name, string(outcome)).Inc()
}

func (r *Recorder) RecordQueueDepth(name string, depth int) {
	r.QueueDepth.WithLabelValues(name).Set(float64(depth))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// WritePrometheus writes the text exposition format to w.
func (r *Recorder) WritePrometheus(w io.Writer) error {
	families, err := r.registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

var _ manager.Metrics = (*Recorder)(nil)
