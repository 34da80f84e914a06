package infra

import (
	"context"
	"testing"
	"time"

	"callgate/admission/domain"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInitTelemetry_DisabledIsNoop(t *testing.T) {
	tel, err := InitTelemetry(context.Background(), TelemetryConfig{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if tel.Tracer == nil || tel.Meter == nil {
		t.Fatalf("expected noop tracer and meter")
	}
	if _, err := NewOtelStatsStore(tel.Meter); err != nil {
		t.Fatalf("instruments on noop meter: %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestOtelStatsStore_CountsByKind(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	s, err := NewOtelStatsStore(mp.Meter("test"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	_ = s.Record(ctx, domain.StatsEvent{StoreID: "s1", Kind: domain.RecordAdmitted, Latency: 2 * time.Millisecond})
	_ = s.Record(ctx, domain.StatsEvent{StoreID: "s1", Kind: domain.RecordAdmitted, Latency: 3 * time.Millisecond})
	_ = s.Record(ctx, domain.StatsEvent{StoreID: "s2", Kind: domain.RecordRejected, Reason: "capacity_exceeded"})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	var total int64
	var histCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					histCount += dp.Count
				}
			}
		}
	}
	if total != 3 {
		t.Fatalf("expected 3 events, got %d", total)
	}
	if histCount != 2 {
		t.Fatalf("expected 2 latency samples, got %d", histCount)
	}
}
