package utils

import (
	"aaronromeo.com/identityswitch/pkg/base"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

func Tracer() trace.Tracer {
	return otel.Tracer(base.InstrumentationName)
}

// Instruments are the counters shared by the polling components. They bind
// to whatever meter provider is global at creation time.
type Instruments struct {
	Checks   metric.Int64Counter
	Records  metric.Int64Counter
	Triggers metric.Int64Counter
	Notified metric.Int64Counter
}

func NewInstruments() (*Instruments, error) {
	meter := otel.Meter(base.InstrumentationName)

	checks, err := meter.Int64Counter("identityswitch.worker.checks",
		metric.WithDescription("Per-account unseen checks by outcome"))
	if err != nil {
		return nil, err
	}
	records, err := meter.Int64Counter("identityswitch.exchange.records",
		metric.WithDescription("Exchange records harvested by kind"))
	if err != nil {
		return nil, err
	}
	triggers, err := meter.Int64Counter("identityswitch.scheduler.triggers",
		metric.WithDescription("Scheduler triggers by resulting state"))
	if err != nil {
		return nil, err
	}
	notified, err := meter.Int64Counter("identityswitch.notify.accounts",
		metric.WithDescription("Accounts included in notification payloads"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Checks:   checks,
		Records:  records,
		Triggers: triggers,
		Notified: notified,
	}, nil
}
