package stt

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func depthObserved(t *testing.T, reader *sdkmetric.ManualReader) bool {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "flowstt.queue.depth" {
				continue
			}
			if gauge, ok := m.Data.(metricdata.Gauge[int64]); ok && len(gauge.DataPoints) > 0 {
				return true
			}
		}
	}
	return false
}

func TestQueueCloseUnregistersDepthGauge(t *testing.T) {
	prev := otel.GetMeterProvider()
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	q := NewQueue(context.Background(), &fakeEngine{}, QueueOptions{Capacity: 2, Logger: newLogger()})
	q.Start()
	if !depthObserved(t, reader) {
		t.Fatalf("expected depth gauge while the queue runs")
	}
	q.Close()
	if depthObserved(t, reader) {
		t.Fatalf("depth gauge still observed after close")
	}
}
