package observe

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig identifies this larder instance in exported telemetry.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string

	// Environment becomes deployment.environment. Empty omits it.
	Environment string

	// InstanceID becomes service.instance.id. Empty means the hostname.
	InstanceID string

	// SampleRatio is the fraction of new root traces that are recorded.
	// Unsampled spans still carry trace ids, so [CorrelationID] keeps working.
	SampleRatio float64

	// Backends are reported as larder.backend.<name>=<kind>, e.g.
	// "catalog" → "postgres".
	Backends map[string]string

	// TraceExporters receive finished sampled spans, each through its own
	// batcher.
	TraceExporters []sdktrace.SpanExporter
}

// NewResource describes this instance: service identity, deployment
// environment and the storage backends it was started with.
func NewResource(cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "larder"
	}
	instance := cfg.InstanceID
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("observe: resolve instance id: %w", err)
		}
		instance = host
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.ServiceInstanceID(instance),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	for kind, backend := range cfg.Backends {
		attrs = append(attrs, attribute.String("larder.backend."+kind, backend))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

// newTracerProvider builds the tracer provider without registering it.
func newTracerProvider(cfg ProviderConfig, res *resource.Resource) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	for _, exp := range cfg.TraceExporters {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...)
}

// InitProvider registers the global meter provider, backed by the
// Prometheus exporter served on /metrics, and the global tracer provider.
// The returned function flushes and closes both.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := NewResource(cfg)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(promExp))
	tp := newTracerProvider(cfg, res)
	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
