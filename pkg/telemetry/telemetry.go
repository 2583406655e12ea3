// Package telemetry wires up the OpenTelemetry meter provider and the
// Prometheus exporter used across the resolver.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/logging"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Telemetry holds the meter provider and the optional Prometheus endpoint
type Telemetry struct {
	cfg              *config.TelemetryConfig
	meterProvider    metric.MeterProvider
	registry         *promclient.Registry
	prometheusServer *http.Server
	logger           *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	// Query outcomes
	QueriesTotal     metric.Int64Counter
	QueriesBlocked   metric.Int64Counter
	QueriesForwarded metric.Int64Counter
	QueriesExhausted metric.Int64Counter
	QueryDuration    metric.Float64Histogram

	// Transport and upstream health
	UpstreamIssues metric.Int64Counter
	DecodeDrops    metric.Int64Counter
	StaleReplies   metric.Int64Counter
	PendingQueries metric.Int64UpDownCounter

	// Domain sets
	BlocklistSize metric.Int64UpDownCounter

	// Storage
	StorageQueriesDropped metric.Int64Counter
}

// New creates a new telemetry instance. Disabled telemetry yields no-op instruments.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		t.meterProvider = noop.NewMeterProvider()
		return t, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)
	return t, nil
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if t.cfg.PrometheusEnabled {
		t.registry = promclient.NewRegistry()
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		exporter, err := prometheus.New(prometheus.WithRegisterer(t.registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(exporter))
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if t.cfg.PrometheusEnabled && t.cfg.PrometheusPort > 0 {
		t.startPrometheusServer()
		t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	}
	return nil
}

// Handler serves the Prometheus exposition, or 404 when Prometheus is disabled.
func (t *Telemetry) Handler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func (t *Telemetry) startPrometheusServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()
}

// InitMetrics creates every instrument on the "dnsgate" meter
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("dnsgate")
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.QueriesTotal, "dns.queries.total", "Total number of decoded DNS queries"},
		{&m.QueriesBlocked, "dns.queries.blocked", "Queries answered by the block policy"},
		{&m.QueriesForwarded, "dns.queries.forwarded", "Queries relayed from an upstream reply"},
		{&m.QueriesExhausted, "dns.queries.exhausted", "Queries answered with SERVFAIL after every upstream failed"},
		{&m.UpstreamIssues, "dns.upstream.issues", "Upstream send errors, timeouts and failure rcodes"},
		{&m.DecodeDrops, "dns.packets.dropped", "Inbound packets dropped because they could not be decoded"},
		{&m.StaleReplies, "dns.replies.stale", "Upstream replies with no matching pending query"},
		{&m.StorageQueriesDropped, "storage.queries.dropped", "Query log records dropped due to a full buffer"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	queryDuration, err := meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}
	m.QueryDuration = queryDuration

	pending, err := meter.Int64UpDownCounter(
		"dns.queries.pending",
		metric.WithDescription("Queries waiting for an upstream reply"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending queries gauge: %w", err)
	}
	m.PendingQueries = pending

	blocklistSize, err := meter.Int64UpDownCounter(
		"blocklist.size",
		metric.WithDescription("Number of domains in the block set"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create blocklist size gauge: %w", err)
	}
	m.BlocklistSize = blocklistSize

	return m, nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// AddDroppedQuery implements storage.MetricsRecorder
func (m *Metrics) AddDroppedQuery(ctx context.Context, count int64) {
	if m != nil && m.StorageQueriesDropped != nil {
		m.StorageQueriesDropped.Add(ctx, count)
	}
}

// Shutdown stops the Prometheus endpoint and flushes the meter provider
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("telemetry shutdown errors: %w", err)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
