package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds the coordinator's metric instruments.
type Metrics struct {
	ActiveWorkers       metric.Int64UpDownCounter
	TasksTotal          metric.Int64Counter
	TaskDuration        metric.Float64Histogram
	ApprovalWait        metric.Float64Histogram
	ApprovalsTotal      metric.Int64Counter
	ActiveConnections   metric.Int64UpDownCounter
	EventsDropped       metric.Int64Counter
	SessionsExpired     metric.Int64Counter
	StateWriteConflicts metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActiveWorkers, err = meter.Int64UpDownCounter("taskhub.engine.workers.active",
		metric.WithDescription("Worker subprocesses currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksTotal, err = meter.Int64Counter("taskhub.engine.tasks",
		metric.WithDescription("Tasks finished, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("taskhub.engine.task.duration",
		metric.WithDescription("Task wall time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalWait, err = meter.Float64Histogram("taskhub.approval.wait.duration",
		metric.WithDescription("Time a task waited on a human decision in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsTotal, err = meter.Int64Counter("taskhub.approval.requests",
		metric.WithDescription("Approval requests, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter("taskhub.connections.active",
		metric.WithDescription("Client channels currently registered"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("taskhub.connections.events.dropped",
		metric.WithDescription("Outbound events dropped by bounded buffers"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsExpired, err = meter.Int64Counter("taskhub.sessions.expired",
		metric.WithDescription("Sessions expired by the sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.StateWriteConflicts, err = meter.Int64Counter("taskhub.sessions.state.conflicts",
		metric.WithDescription("Versioned state writes that lost a race and were retried"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(NoopProvider().Meter)
	if err != nil {
		panic(err)
	}
	return m
}
