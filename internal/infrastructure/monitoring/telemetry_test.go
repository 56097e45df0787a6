package monitoring

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTelemetry_BridgesMetricsIntoRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel, err := NewTelemetry(TelemetryConfig{
		ServiceName:    "imagepipe-test",
		MetricsEnabled: true,
	}, reg, zap.NewNop())
	require.NoError(t, err)

	counter, err := tel.Meter().Int64Counter("imagepipe.test.events")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	families, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, family := range families {
		if strings.Contains(family.GetName(), "test") && strings.Contains(family.GetName(), "events") {
			found = true
			require.NotEmpty(t, family.GetMetric())
			assert.Equal(t, float64(3), family.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "otel counter exported through the registry")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tel.Shutdown(ctx))
}

func TestTelemetry_TracingWithoutExporter(t *testing.T) {
	tel, err := NewTelemetry(TelemetryConfig{
		ServiceName:    "imagepipe-test",
		TracingEnabled: true,
	}, prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, err)

	_, span := tel.Tracer().Start(context.Background(), "probe")
	span.End()

	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTelemetry_OTLPExporterIsLazy(t *testing.T) {
	tel, err := NewTelemetry(TelemetryConfig{
		ServiceName:    "imagepipe-test",
		TracingEnabled: true,
		OTLPEndpoint:   "127.0.0.1:4318",
		OTLPInsecure:   true,
		SamplingRate:   0.5,
	}, prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, err, "the exporter does not dial until spans are flushed")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = tel.Shutdown(ctx)
}
