package manager

import (
	"time"

	"github.com/goliatone/go-connector/commands"
)

// Metrics captures observability events for manager cycles.
type Metrics interface {
	RecordCycle(manager string, duration time.Duration, err error)
	RecordLeased(manager string, state int, count int)
	RecordOutcome(manager string, state int, outcome Outcome)
	RecordVersionConflict(manager string)
	RecordCommand(manager string, outcome commands.Outcome)
	RecordQueueDepth(manager string, depth int)
}

type noopMetrics struct{}

func (noopMetrics) RecordCycle(string, time.Duration, error) {}
func (noopMetrics) RecordLeased(string, int, int)            {}
func (noopMetrics) RecordOutcome(string, int, Outcome)       {}
func (noopMetrics) RecordVersionConflict(string)             {}
func (noopMetrics) RecordCommand(string, commands.Outcome)   {}
func (noopMetrics) RecordQueueDepth(string, int)             {}
