// Package tracing wires OpenTelemetry spans around the three stage
// operations. Disabled tracing hands out a no-op tracer so call sites never
// branch.
package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Config configures the trace exporter.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Endpoint       string        `yaml:"endpoint"`
	SampleRate     float64       `yaml:"sample_rate"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
}

// DefaultConfig returns the disabled default.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "meshflow",
		ServiceVersion: "v0.1.0",
		Endpoint:       "localhost:4318",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Manager owns the tracer provider lifecycle.
type Manager struct {
	config   Config
	logger   *logrus.Logger
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewManager builds a manager. When tracing is disabled the returned manager
// hands out a no-op tracer.
func NewManager(config Config, logger *logrus.Logger) (*Manager, error) {
	m := &Manager{config: config, logger: logger}
	if !config.Enabled {
		m.tracer = oteltrace.NewNoopTracerProvider().Tracer("noop")
		return m, nil
	}

	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(config.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	m.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter, trace.WithBatchTimeout(config.BatchTimeout)),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(config.SampleRate)),
	)
	otel.SetTracerProvider(m.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	m.tracer = otel.Tracer(config.ServiceName)

	logger.WithFields(logrus.Fields{
		"component": "tracing",
		"endpoint":  config.Endpoint,
	}).Info("Tracing enabled")
	return m, nil
}

// Tracer returns the tracer, always non-nil.
func (m *Manager) Tracer() oteltrace.Tracer { return m.tracer }

// StageSpan opens a span for one stage operation.
func (m *Manager) StageSpan(ctx context.Context, stage, operation string, port int) (context.Context, oteltrace.Span) {
	return m.tracer.Start(ctx, fmt.Sprintf("%s.%s", stage, operation),
		oteltrace.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("operation", operation),
			attribute.Int("port", port),
		),
	)
}

// Shutdown flushes pending spans.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
