package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all missiond metric instruments.
type Metrics struct {
	SessionsOpened   metric.Int64Counter
	SessionsReused   metric.Int64Counter
	SessionsClosed   metric.Int64Counter
	EnsureDuration   metric.Float64Histogram
	DeliveryDuration metric.Float64Histogram
	DeliveryRetries  metric.Int64Counter
	DeadLetters      metric.Int64Counter
	BackoffDelay     metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SessionsOpened, err = meter.Int64Counter("missiond.session.opened",
		metric.WithDescription("New session generations opened"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsReused, err = meter.Int64Counter("missiond.session.reused",
		metric.WithDescription("ensure calls answered by an already-open session"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsClosed, err = meter.Int64Counter("missiond.session.closed",
		metric.WithDescription("Sessions retired by task completion or sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.EnsureDuration, err = meter.Float64Histogram("missiond.session.ensure.duration",
		metric.WithDescription("ensure session duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryDuration, err = meter.Float64Histogram("missiond.dispatch.duration",
		metric.WithDescription("Work delivery duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryRetries, err = meter.Int64Counter("missiond.dispatch.retries",
		metric.WithDescription("Delivery attempts rescheduled with backoff"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLetters, err = meter.Int64Counter("missiond.dispatch.dead_letters",
		metric.WithDescription("Work items parked after exhausting attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.BackoffDelay, err = meter.Float64Histogram("missiond.dispatch.backoff",
		metric.WithDescription("Computed retry delay in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
