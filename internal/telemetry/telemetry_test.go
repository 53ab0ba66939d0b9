package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"milapp/internal/logging"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), logging.Nop(), Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupExportsSpans(t *testing.T) {
	restoreProviders(t)

	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), logging.Nop(), Config{Enabled: true, ServiceName: "milapp-test", Writer: &buf})
	require.NoError(t, err)

	in := NewInstruments()
	_, span := in.Tracer.Start(context.Background(), "engine.RequestTransition")
	span.End()
	Count(context.Background(), in.Transitions)

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "engine.RequestTransition")
	assert.Contains(t, buf.String(), "milapp-test")
}

func TestSetupRecordsCounters(t *testing.T) {
	restoreProviders(t)

	reader := sdkmetric.NewManualReader()
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), logging.Nop(), Config{Enabled: true, Writer: &buf, MetricReader: reader})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	in := NewInstruments()
	Count(context.Background(), in.Escalations, attribute.String("gate", "G2"))
	Count(context.Background(), in.Escalations, attribute.String("gate", "G2"))
	Count(context.Background(), in.Transitions)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(2), counterValue(t, rm, "milapp.gate_escalations"))
	assert.Equal(t, int64(1), counterValue(t, rm, "milapp.transitions"))
}

func restoreProviders(t *testing.T) {
	tp, mp := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is %T", name, m.Data)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %s not collected", name)
	return 0
}
