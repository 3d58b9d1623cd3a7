package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the bridge's metric instruments.
type Metrics struct {
	UpdatesAccepted   metric.Int64Counter
	RunsStarted       metric.Int64Counter
	RunsFailed        metric.Int64Counter
	RunDuration       metric.Float64Histogram
	EventsPersisted   metric.Int64Counter
	DeliveryRetries   metric.Int64Counter
	CallbackAcks      metric.Int64Counter
	CounterIncrements metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.UpdatesAccepted, err = meter.Int64Counter("tgbridge.updates.accepted",
		metric.WithDescription("Platform updates accepted into the ingress queue"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsStarted, err = meter.Int64Counter("tgbridge.runs.started",
		metric.WithDescription("CLI runs started"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("tgbridge.runs.failed",
		metric.WithDescription("CLI runs that ended in failure"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("tgbridge.run.duration",
		metric.WithDescription("CLI run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPersisted, err = meter.Int64Counter("tgbridge.events.persisted",
		metric.WithDescription("Adapter events persisted"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryRetries, err = meter.Int64Counter("tgbridge.delivery.retries",
		metric.WithDescription("Platform send retries after rate limiting"),
	)
	if err != nil {
		return nil, err
	}

	m.CallbackAcks, err = meter.Int64Counter("tgbridge.callback.acks",
		metric.WithDescription("Callback queries acknowledged"),
	)
	if err != nil {
		return nil, err
	}

	m.CounterIncrements, err = meter.Int64Counter("tgbridge.counter.increments",
		metric.WithDescription("Runtime metric counter increments"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
