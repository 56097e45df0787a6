package monitoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Tracing configuration
	TracingEnabled bool
	OTLPEndpoint   string
	OTLPInsecure   bool
	SamplingRate   float64

	// MetricsEnabled bridges OpenTelemetry instruments, including the
	// otelhttp client metrics, into the Prometheus registry.
	MetricsEnabled bool
}

// Telemetry owns the global OpenTelemetry tracer and meter providers
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	exporter       *otlptrace.Exporter
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *zap.Logger
	config         TelemetryConfig
}

// NewTelemetry installs the global providers. Without an OTLP endpoint spans
// are not exported.
func NewTelemetry(config TelemetryConfig, reg prometheus.Registerer, logger *zap.Logger) (*Telemetry, error) {
	t := &Telemetry{
		logger: logger,
		config: config,
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", config.ServiceName),
			attribute.String("service.version", config.ServiceVersion),
			attribute.String("deployment.environment", config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if config.TracingEnabled {
		if err := t.initializeTracing(res); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	if config.MetricsEnabled {
		if err := t.initializeMetrics(res, reg); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	t.tracer = otel.Tracer(config.ServiceName, trace.WithInstrumentationVersion(config.ServiceVersion))
	t.meter = otel.Meter(config.ServiceName, metric.WithInstrumentationVersion(config.ServiceVersion))

	logger.Info("OpenTelemetry initialized",
		zap.String("service", config.ServiceName),
		zap.Bool("tracing_enabled", config.TracingEnabled),
		zap.Bool("exporting_spans", t.exporter != nil),
		zap.Bool("metrics_enabled", config.MetricsEnabled),
	)

	return t, nil
}

func (t *Telemetry) initializeTracing(res *resource.Resource) error {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if t.config.OTLPEndpoint == "" {
		t.logger.Warn("No trace exporter configured, spans are not exported")
		return nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(t.config.OTLPEndpoint)}
	if t.config.OTLPInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	t.exporter = exporter

	sampling := t.config.SamplingRate
	if sampling <= 0 || sampling > 1 {
		sampling = 1
	}

	t.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampling))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(t.tracerProvider)

	t.logger.Info("OTLP trace exporter configured",
		zap.String("endpoint", t.config.OTLPEndpoint),
		zap.Float64("sampling_rate", sampling),
	)
	return nil
}

func (t *Telemetry) initializeMetrics(res *resource.Resource, reg prometheus.Registerer) error {
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(t.meterProvider)
	return nil
}

// Tracer returns the service tracer
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Meter returns the service meter
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// Shutdown flushes pending spans and stops the providers
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}

	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}

	return errors.Join(errs...)
}
