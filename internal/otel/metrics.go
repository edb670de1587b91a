package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	stepEventsCounter   metric.Int64Counter
	bootstrapCounter    metric.Int64Counter
	bootstrapDuration   metric.Float64Histogram
	presenceSweptCount  metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseEventsCounter    metric.Int64Counter
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only
// runs once. Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		stepEventsCounter, err = m.Int64Counter("missiond_step_events_total", metric.WithDescription("Total step webhook events processed"))
		if err != nil {
			return
		}
		bootstrapCounter, err = m.Int64Counter("missiond_session_bootstraps_total", metric.WithDescription("Total session bootstraps started"))
		if err != nil {
			return
		}
		bootstrapDuration, err = m.Float64Histogram("missiond_session_bootstrap_duration_seconds", metric.WithDescription("Session bootstrap duration in seconds"))
		if err != nil {
			return
		}
		presenceSweptCount, err = m.Int64Counter("missiond_presence_swept_total", metric.WithDescription("Presence records forced offline by the sweep"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("missiond_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("missiond_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordStepEvent records one processed step webhook event.
func RecordStepEvent(ctx context.Context, kind, status string, applied bool) {
	if stepEventsCounter == nil {
		return
	}
	stepEventsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrKind.String(kind),
		AttrStatus.String(status),
		attribute.Bool("applied", applied),
	))
}

// RecordBootstrap records a session bootstrap and its duration.
func RecordBootstrap(ctx context.Context, duration time.Duration) {
	if bootstrapCounter != nil {
		bootstrapCounter.Add(ctx, 1)
	}
	if bootstrapDuration != nil {
		bootstrapDuration.Record(ctx, duration.Seconds())
	}
}

// RecordPresenceSwept records how many presence records a sweep forced offline.
func RecordPresenceSwept(ctx context.Context, n int64) {
	if presenceSweptCount != nil && n > 0 {
		presenceSweptCount.Add(ctx, n)
	}
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// TodoCountFunc returns (pending, active, done, failed) counts for the todo
// status gauge.
type TodoCountFunc func() (pending, active, done, failed int64)

// InitMetricsWithTodoCount creates instruments and optionally registers a
// callback for the todo gauge. Call after InitMeterProvider. If todoCount is
// nil, the gauge is not reported.
func InitMetricsWithTodoCount(ctx context.Context, todoCount TodoCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if todoCount == nil {
		return nil
	}
	m := Meter()
	todosGauge, err := m.Float64ObservableGauge("missiond_todos_total", metric.WithDescription("Number of todos by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		pending, active, done, failed := todoCount()
		o.ObserveFloat64(todosGauge, float64(pending), metric.WithAttributes(AttrStatus.String("pending")))
		o.ObserveFloat64(todosGauge, float64(active), metric.WithAttributes(AttrStatus.String("active")))
		o.ObserveFloat64(todosGauge, float64(done), metric.WithAttributes(AttrStatus.String("done")))
		o.ObserveFloat64(todosGauge, float64(failed), metric.WithAttributes(AttrStatus.String("failed")))
		return nil
	}, todosGauge)
	return err
}
