// Package telemetry installs the OpenTelemetry tracer and meter providers and
// exposes the instruments the engine records into.
package telemetry

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"milapp/internal/logging"
)

const instrumentationName = "milapp/engine"

type Config struct {
	Enabled     bool
	ServiceName string
	// Writer receives exported spans and metrics; defaults to stderr.
	Writer io.Writer
	// MetricInterval is how often metrics are exported to Writer.
	MetricInterval time.Duration
	// MetricReader replaces the periodic Writer export when set.
	MetricReader sdkmetric.Reader
}

// Setup installs global tracer and meter providers exporting to Writer when
// enabled. The returned function flushes and stops both.
func Setup(ctx context.Context, log *logging.Logger, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}
	name := cfg.ServiceName
	if name == "" {
		name = "milapp"
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return noop, err
	}
	reader := cfg.MetricReader
	if reader == nil {
		mexp, err := stdoutmetric.New(stdoutmetric.WithWriter(w), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return noop, err
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = time.Minute
		}
		reader = sdkmetric.NewPeriodicReader(mexp, sdkmetric.WithInterval(interval))
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	if log != nil {
		log.Info("telemetry enabled", "service", name)
	}
	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Instruments groups the tracer and counters used by the engine.
type Instruments struct {
	Tracer        trace.Tracer
	Transitions   metric.Int64Counter
	GateDecisions metric.Int64Counter
	Escalations   metric.Int64Counter
}

// NewInstruments binds to whatever global providers are installed.
func NewInstruments() Instruments {
	meter := otel.Meter(instrumentationName)
	transitions, _ := meter.Int64Counter("milapp.transitions",
		metric.WithDescription("Transition requests by decision"),
		metric.WithUnit("{transition}"))
	decisions, _ := meter.Int64Counter("milapp.gate_decisions",
		metric.WithDescription("Recorded gate decisions by resulting status"),
		metric.WithUnit("{decision}"))
	escalations, _ := meter.Int64Counter("milapp.gate_escalations",
		metric.WithDescription("Gates escalated after their SLA deadline"),
		metric.WithUnit("{gate}"))
	return Instruments{
		Tracer:        otel.Tracer(instrumentationName),
		Transitions:   transitions,
		GateDecisions: decisions,
		Escalations:   escalations,
	}
}

// Count adds one to c when c is set.
func Count(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
