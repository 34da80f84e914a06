package infra

import (
	"context"

	"callgate/admission/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OtelStatsStore publica os eventos como instrumentos OpenTelemetry.
// StoreID fica de fora dos atributos (cardinalidade).
type OtelStatsStore struct {
	events  metric.Int64Counter
	latency metric.Float64Histogram
}

func NewOtelStatsStore(meter metric.Meter) (*OtelStatsStore, error) {
	events, err := meter.Int64Counter("callgate.admission.events",
		metric.WithDescription("Admission lifecycle transitions by kind and reason"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("callgate.admission.latency",
		metric.WithDescription("Admission decision latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &OtelStatsStore{events: events, latency: latency}, nil
}

func (s *OtelStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	attrs := metric.WithAttributes(
		attribute.String("kind", string(ev.Kind)),
		attribute.String("reason", ev.Reason),
	)
	s.events.Add(ctx, 1, attrs)
	if ev.Latency > 0 {
		s.latency.Record(ctx, ev.Latency.Seconds(), metric.WithAttributes(attribute.String("kind", string(ev.Kind))))
	}
	return nil
}
