package scheduler

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the scheduler's OpenTelemetry instruments: scheduled
// tasks, successful steals, task completions, failures and task latency.
// Queue depth and worker utilization are not exported.
type Metrics struct {
	scheduled   metric.Int64Counter
	completed   metric.Int64Counter
	failed      metric.Int64Counter
	steals      metric.Int64Counter
	taskLatency metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	scheduled, err := meter.Int64Counter("novadb.scheduler.tasks_scheduled")
	if err != nil {
		return nil, err
	}
	completed, err := meter.Int64Counter("novadb.scheduler.tasks_completed")
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("novadb.scheduler.tasks_failed")
	if err != nil {
		return nil, err
	}
	steals, err := meter.Int64Counter("novadb.scheduler.steal_attempts_succeeded")
	if err != nil {
		return nil, err
	}
	taskLatency, err := meter.Float64Histogram("novadb.scheduler.task_duration_seconds")
	if err != nil {
		return nil, err
	}
	return &Metrics{
		scheduled:   scheduled,
		completed:   completed,
		failed:      failed,
		steals:      steals,
		taskLatency: taskLatency,
	}, nil
}

func (m *Metrics) recordScheduled(ctx context.Context) {
	if m == nil {
		return
	}
	m.scheduled.Add(ctx, 1)
}

func (m *Metrics) recordTaskDone(ctx context.Context, seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.completed.Add(ctx, 1)
	m.taskLatency.Record(ctx, seconds)
	if failed {
		m.failed.Add(ctx, 1)
	}
}

func (m *Metrics) recordSteal(ctx context.Context) {
	if m == nil {
		return
	}
	m.steals.Add(ctx, 1)
}
