// Package observability provides OpenTelemetry tracing and metrics for the
// agent. Disabled by default: a store-floor box usually has no collector,
// and a disabled provider is a set of no-ops.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317" for gRPC
	BatchTimeout   time.Duration // how long to batch spans before export
	Enabled        bool
	Insecure       bool // plaintext collector connection
}

// DefaultConfig returns defaults suitable for a store deployment.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "retailstack-pos-agent",
		ServiceVersion: "1.0.0",
		Environment:    "store",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider manages OpenTelemetry trace and metric providers plus the
// agent's domain counters.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	capturedCounter  metric.Int64Counter
	droppedCounter   metric.Int64Counter
	gapCounter       metric.Int64Counter
	syncCounter      metric.Int64Counter
	syncDurationHist metric.Float64Histogram
	pendingGauge     metric.Int64UpDownCounter
}

// New creates an observability provider. With Enabled false every recording
// method is a no-op and nothing is exported.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("retailstack.pos-agent",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("retailstack.pos-agent",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.capturedCounter, err = p.meter.Int64Counter("agent.transactions.captured",
		metric.WithDescription("Transactions decoded and durably stored"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return err
	}

	p.droppedCounter, err = p.meter.Int64Counter("agent.transactions.dropped",
		metric.WithDescription("Decoded transactions lost to durable write failures"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return err
	}

	p.gapCounter, err = p.meter.Int64Counter("agent.gaps.detected",
		metric.WithDescription("Receipt sequence gaps detected"),
		metric.WithUnit("{gap}"),
	)
	if err != nil {
		return err
	}

	p.syncCounter, err = p.meter.Int64Counter("agent.sync.attempts",
		metric.WithDescription("Backend sync attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	p.syncDurationHist, err = p.meter.Float64Histogram("agent.sync.duration",
		metric.WithDescription("Sync request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}

	p.pendingGauge, err = p.meter.Int64UpDownCounter("agent.sync.pending",
		metric.WithDescription("Transactions awaiting backend confirmation"),
		metric.WithUnit("{transaction}"),
	)
	return err
}

// Shutdown gracefully shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("retailstack.pos-agent")
	}
	return p.tracer
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordCaptured counts one durably stored transaction.
func (p *Provider) RecordCaptured(ctx context.Context, printerID string) {
	if p.capturedCounter != nil {
		p.capturedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("printer.id", printerID)))
	}
	if p.pendingGauge != nil {
		p.pendingGauge.Add(ctx, 1, metric.WithAttributes(
			attribute.String("printer.id", printerID)))
	}
}

// RecordDropped counts a transaction lost to a durable write failure.
func (p *Provider) RecordDropped(ctx context.Context, printerID string) {
	if p.droppedCounter != nil {
		p.droppedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("printer.id", printerID)))
	}
}

// RecordGap counts one detected receipt sequence gap.
func (p *Provider) RecordGap(ctx context.Context, printerID string, missing int64) {
	if p.gapCounter != nil {
		p.gapCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("printer.id", printerID),
			attribute.Int64("gap.missing", missing)))
	}
}

// RecordSync counts one sync attempt and its latency. outcome is
// accepted, rejected or transient.
func (p *Provider) RecordSync(ctx context.Context, printerID, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("printer.id", printerID),
		attribute.String("sync.outcome", outcome))
	if p.syncCounter != nil {
		p.syncCounter.Add(ctx, 1, attrs)
	}
	if p.syncDurationHist != nil {
		p.syncDurationHist.Record(ctx, duration.Seconds(), attrs)
	}
	if outcome == "accepted" && p.pendingGauge != nil {
		p.pendingGauge.Add(ctx, -1, metric.WithAttributes(
			attribute.String("printer.id", printerID)))
	}
}
