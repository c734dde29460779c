// Package observability wires distributed tracing and RED (Rate, Errors,
// Duration) metrics for the gateway and collector processes.
package observability

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the observability provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Enabled        bool
}

func DefaultConfig() Config {
	return Config{
		ServiceName:    "vcevidence",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Enabled:        true,
	}
}

// Provider bundles a tracer and the Prometheus-exposed RED metrics.
type Provider struct {
	config Config
	tracer trace.Tracer

	registry         *prometheus.Registry
	requestCounter   *prometheus.CounterVec
	errorCounter     *prometheus.CounterVec
	durationHist     *prometheus.HistogramVec
	activeOperations *prometheus.GaugeVec
}

// New creates a Provider. Spans are kept in-process (no OTLP exporter is
// configured here); Prometheus is the scrape surface for RED metrics.
func New(cfg Config) *Provider {
	if cfg.ServiceName == "" {
		cfg = DefaultConfig()
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	tracer := otel.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.ServiceVersion))

	registry := prometheus.NewRegistry()
	p := &Provider{
		config:   cfg,
		tracer:   tracer,
		registry: registry,
		requestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vcevidence_requests_total",
			Help: "Total number of operations processed.",
		}, []string{"operation"}),
		errorCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vcevidence_errors_total",
			Help: "Total number of operation failures.",
		}, []string{"operation"}),
		durationHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vcevidence_operation_duration_seconds",
			Help:    "Operation duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		activeOperations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vcevidence_operations_active",
			Help: "Number of in-flight operations.",
		}, []string{"operation"}),
	}

	registry.MustRegister(p.requestCounter, p.errorCounter, p.durationHist, p.activeOperations)

	slog.Info("observability initialized", "service", cfg.ServiceName, "environment", cfg.Environment)
	return p
}

// Handler exposes the Prometheus scrape endpoint.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// TrackOperation starts a span and RED instrumentation for name, returning a
// completion function that records the outcome.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))

	p.activeOperations.WithLabelValues(name).Inc()
	p.requestCounter.WithLabelValues(name).Inc()

	return ctx, func(err error) {
		p.activeOperations.WithLabelValues(name).Dec()
		p.durationHist.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			p.errorCounter.WithLabelValues(name).Inc()
		}
		span.End()
	}
}

// Shutdown shuts down the global SDK tracer provider, if one is installed.
// No network exporter is wired, so nothing is sent anywhere.
func (p *Provider) Shutdown(ctx context.Context) error {
	if tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); ok {
		return tp.Shutdown(ctx)
	}
	return nil
}
