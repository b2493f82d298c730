package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/flowstt/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry owns the process-wide providers installed by newTelemetry.
type telemetry struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	// handler serves /metrics; nil when the Prometheus reader is unavailable.
	handler http.Handler
}

func newTelemetry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("flowstt.node.id", cfg.Node.ID),
		attribute.String("flowstt.audio.backend", cfg.Audio.Backend),
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.Telemetry.Traces))
	exporter, err := traceExporter(ctx, mode, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
		logger.Info("trace export enabled", slog.String("exporter", mode))
	} else {
		// Keep span contexts flowing through the queue even when nothing is exported.
		traceOpts = append(traceOpts, sdktrace.WithSampler(sdktrace.NeverSample()))
	}

	t := &telemetry{traces: sdktrace.NewTracerProvider(traceOpts...)}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader, err := prometheus.New(); err != nil {
		logger.Warn("prometheus reader unavailable", slog.String("error", err.Error()))
	} else {
		meterOpts = append(meterOpts, sdkmetric.WithReader(reader))
		t.handler = promhttp.Handler()
	}
	t.metrics = sdkmetric.NewMeterProvider(meterOpts...)

	otel.SetTracerProvider(t.traces)
	otel.SetMeterProvider(t.metrics)
	return t, nil
}

// traceExporter returns nil for modes that export nothing.
func traceExporter(ctx context.Context, mode string, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch mode {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(strings.TrimSpace(cfg.OTLPEndpoint))}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		return exp, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, nil
	}
}

// Shutdown flushes pending spans and stops both providers.
func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.metrics.Shutdown(ctx), t.traces.Shutdown(ctx))
}
