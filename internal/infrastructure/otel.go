package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	ServiceName    = "stitchkey-license-service"
	ServiceVersion = "v1.0.0"
	MeterName      = "stitchkey"
)

// OTelConfig holds OpenTelemetry configuration
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	TraceExporter  string // "stdout", "none"
	EnableMetrics  bool
	EnableTracing  bool
	SampleRatio    float64
}

// OTelProviders holds the OpenTelemetry providers
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Logger         *slog.Logger
}

// DefaultOTelConfig returns a default OpenTelemetry configuration
func DefaultOTelConfig() *OTelConfig {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	return &OTelConfig{
		ServiceName:    ServiceName,
		ServiceVersion: ServiceVersion,
		Environment:    env,
		TraceExporter:  "stdout",
		EnableMetrics:  true,
		EnableTracing:  true,
		SampleRatio:    1.0,
	}
}

// InitializeOTel initializes tracing and Prometheus-backed metrics.
func InitializeOTel(cfg *OTelConfig, logger *slog.Logger) (*OTelProviders, error) {
	if cfg == nil {
		cfg = DefaultOTelConfig()
	}

	ctx := context.Background()
	logger.InfoContext(ctx, "initializing OpenTelemetry",
		slog.String("service", cfg.ServiceName),
		slog.String("version", cfg.ServiceVersion),
		slog.String("environment", cfg.Environment),
		slog.Bool("tracing_enabled", cfg.EnableTracing),
		slog.Bool("metrics_enabled", cfg.EnableMetrics))

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		attribute.String("environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	providers := &OTelProviders{Logger: logger}

	if cfg.EnableTracing {
		if err := initializeTracing(cfg, res, providers); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}
	if cfg.EnableMetrics {
		if err := initializeMetrics(res, providers); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	providers.Tracer = otel.Tracer(MeterName)
	if providers.MeterProvider != nil {
		providers.Meter = providers.MeterProvider.Meter(MeterName)
	} else {
		providers.Meter = otel.Meter(MeterName)
	}
	return providers, nil
}

func initializeTracing(cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	}

	if cfg.TraceExporter == "stdout" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	providers.TracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(providers.TracerProvider)
	return nil
}

func initializeMetrics(res *resource.Resource, providers *OTelProviders) error {
	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	providers.MeterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(providers.MeterProvider)
	providers.PrometheusHTTP = promhttp.Handler()
	return nil
}

// Shutdown flushes and stops the providers.
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LicenseMetrics holds the business counters for the licensing domain.
// All methods are nil-safe so tests can run without a meter.
type LicenseMetrics struct {
	Activations        metric.Int64Counter
	TrialsIssued       metric.Int64Counter
	Verifications      metric.Int64Counter
	Migrations         metric.Int64Counter
	CapacityRejections metric.Int64Counter
}

// CreateLicenseMetrics registers the licensing counters on the meter.
func CreateLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	m := &LicenseMetrics{}
	var err error

	if m.Activations, err = meter.Int64Counter("license_activations_total",
		metric.WithDescription("License activation attempts")); err != nil {
		return nil, err
	}
	if m.TrialsIssued, err = meter.Int64Counter("license_trials_issued_total",
		metric.WithDescription("Trial licenses issued")); err != nil {
		return nil, err
	}
	if m.Verifications, err = meter.Int64Counter("license_verifications_total",
		metric.WithDescription("Credential verification calls")); err != nil {
		return nil, err
	}
	if m.Migrations, err = meter.Int64Counter("license_migrations_total",
		metric.WithDescription("License migrations")); err != nil {
		return nil, err
	}
	if m.CapacityRejections, err = meter.Int64Counter("license_capacity_rejections_total",
		metric.WithDescription("Activations rejected for capacity")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordActivation counts one activation attempt.
func (m *LicenseMetrics) RecordActivation(ctx context.Context, success bool) {
	if m == nil || m.Activations == nil {
		return
	}
	m.Activations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordTrialIssued counts one issued trial.
func (m *LicenseMetrics) RecordTrialIssued(ctx context.Context) {
	if m == nil || m.TrialsIssued == nil {
		return
	}
	m.TrialsIssued.Add(ctx, 1)
}

// RecordVerification counts one verify call with its outcome.
func (m *LicenseMetrics) RecordVerification(ctx context.Context, result string) {
	if m == nil || m.Verifications == nil {
		return
	}
	m.Verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordMigration counts one migration by source license type.
func (m *LicenseMetrics) RecordMigration(ctx context.Context, sourceType string) {
	if m == nil || m.Migrations == nil {
		return
	}
	m.Migrations.Add(ctx, 1, metric.WithAttributes(attribute.String("source_type", sourceType)))
}

// RecordCapacityRejection counts one capacity rejection.
func (m *LicenseMetrics) RecordCapacityRejection(ctx context.Context) {
	if m == nil || m.CapacityRejections == nil {
		return
	}
	m.CapacityRejections.Add(ctx, 1)
}

// TraceIDFromContext returns the active span's trace id, falling back
// to the request-scoped trace id.
func TraceIDFromContext(ctx context.Context) string {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return GetTraceID(ctx)
}
