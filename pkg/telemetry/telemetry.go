// Package telemetry provides the bridge's OpenTelemetry wiring: a meter
// provider backed by a Prometheus exporter when telemetry is enabled, no-op
// providers otherwise, and the bridge's instruments.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/flekschas/mcp-web/pkg/logger"
)

// Config holds the telemetry configuration.
type Config struct {
	// ServiceName identifies the service on exported metrics.
	ServiceName string

	// ServiceVersion identifies the service version on exported metrics.
	ServiceVersion string

	// PrometheusEnabled installs a Prometheus exporter and scrape handler.
	// When false every provider is a no-op.
	PrometheusEnabled bool

	// RuntimeMetrics adds Go runtime and process collectors to the
	// Prometheus registry.
	RuntimeMetrics bool
}

// Provider bundles the tracer provider, the meter provider, the Prometheus
// scrape handler, and cleanup.
type Provider struct {
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

// NewProvider creates the providers the configuration calls for.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.PrometheusEnabled {
		logger.Debugf("Telemetry disabled, using no-op providers")
		return noopProvider(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource for service %q: %w", cfg.ServiceName, err)
	}

	registry := prometheus.NewRegistry()
	if cfg.RuntimeMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	// Default name translation appends _total to counters and the unit
	// suffix to histograms, which is where the scrape names come from.
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	logger.Infof("Telemetry provider created with Prometheus exporter")
	return &Provider{
		tracerProvider:    tracenoop.NewTracerProvider(),
		meterProvider:     meterProvider,
		prometheusHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		shutdownFuncs:     []func(context.Context) error{meterProvider.Shutdown},
	}, nil
}

func noopProvider() *Provider {
	return &Provider{
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}
}

// TracerProvider returns the tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the scrape handler, nil when Prometheus is not
// enabled.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Shutdown flushes and stops all providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	for _, shutdown := range p.shutdownFuncs {
		if err := shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
