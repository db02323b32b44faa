// Package otelmeter records gateway events as OpenTelemetry metrics exported
// in the Prometheus format.
package otelmeter

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ineyio/imagegate"
)

// Meter is an imagegate.Meter backed by OpenTelemetry instruments.
type Meter struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	requests   metric.Int64Counter
	duration   metric.Float64Histogram
	admissions metric.Int64Counter
	credits    metric.Int64Counter
	refunds    metric.Int64Counter
	retries    metric.Int64Counter
}

var _ imagegate.Meter = (*Meter)(nil)

// New creates a Meter with its own Prometheus registry.
func New() (*Meter, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("imagegate/otelmeter: create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("imagegate")

	m := &Meter{registry: registry, provider: provider}

	if m.requests, err = meter.Int64Counter(
		"imagegate_requests_total",
		metric.WithDescription("Requests by path and terminal stage"),
	); err != nil {
		return nil, fmt.Errorf("imagegate/otelmeter: requests counter: %w", err)
	}
	if m.duration, err = meter.Float64Histogram(
		"imagegate_request_duration_seconds",
		metric.WithDescription("Request processing time in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("imagegate/otelmeter: duration histogram: %w", err)
	}
	if m.admissions, err = meter.Int64Counter(
		"imagegate_admission_decisions_total",
		metric.WithDescription("Admission checks and commits by outcome"),
	); err != nil {
		return nil, fmt.Errorf("imagegate/otelmeter: admission counter: %w", err)
	}
	if m.credits, err = meter.Int64Counter(
		"imagegate_credits_charged_total",
		metric.WithDescription("Credits charged, before refunds"),
	); err != nil {
		return nil, fmt.Errorf("imagegate/otelmeter: credits counter: %w", err)
	}
	if m.refunds, err = meter.Int64Counter(
		"imagegate_credits_refunded_total",
		metric.WithDescription("Credits refunded by cause"),
	); err != nil {
		return nil, fmt.Errorf("imagegate/otelmeter: refunds counter: %w", err)
	}
	if m.retries, err = meter.Int64Counter(
		"imagegate_provider_retries_total",
		metric.WithDescription("Provider retries after rate limiting"),
	); err != nil {
		return nil, fmt.Errorf("imagegate/otelmeter: retries counter: %w", err)
	}

	return m, nil
}

// Handler serves the metrics in the Prometheus text format.
func (m *Meter) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Meter) Registry() *prometheus.Registry { return m.registry }

// Shutdown flushes and stops the meter provider.
func (m *Meter) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

func (m *Meter) OnAdmission(e imagegate.AdmissionEvent) {
	outcome := "allowed"
	switch {
	case e.Error != nil:
		outcome = "error"
	case !e.Allowed:
		outcome = "denied"
	}
	op := "check"
	if e.Committed {
		op = "commit"
	}
	m.admissions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
		attribute.String("code", string(e.Code)),
	))
}

func (m *Meter) OnLedger(e imagegate.LedgerEvent) {
	if e.Error != nil {
		return
	}
	ctx := context.Background()
	if e.Delta < 0 {
		m.credits.Add(ctx, -e.Delta)
		return
	}
	m.refunds.Add(ctx, e.Delta, metric.WithAttributes(attribute.String("reason", e.Reason)))
}

func (m *Meter) OnRetry(e imagegate.RetryEvent) {
	m.retries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("provider", e.Provider),
		attribute.String("model", e.Model),
	))
}

func (m *Meter) OnResult(e imagegate.ResultEvent) {
	attrs := metric.WithAttributes(
		attribute.String("path", string(e.Path)),
		attribute.String("stage", e.Stage.String()),
		attribute.String("gate", string(e.Gate)),
		attribute.String("model", e.Model),
	)
	ctx := context.Background()
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, e.Duration.Seconds(), attrs)
}
