package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes guardrail instruments. A nil *Metrics is a valid no-op.
type Metrics struct {
	webhookOutcomes metric.Int64Counter
	idempotency     metric.Int64Counter
	spendDecisions  metric.Int64Counter
	shieldWarnings  metric.Int64Counter
	ledgerEvents    metric.Int64Counter
	ledgerFailures  metric.Int64Counter
	rateLimitDenied metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "spendguard"
	}
	meter := provider.Meter(name)

	var err error
	counter := func(name string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name)
		if err != nil {
			err = fmt.Errorf("create counter %s: %w", name, err)
		}
		return c
	}

	m := &Metrics{
		webhookOutcomes: counter("spendguard_webhook_outcomes_total"),
		idempotency:     counter("spendguard_idempotency_reservations_total"),
		spendDecisions:  counter("spendguard_spend_decisions_total"),
		shieldWarnings:  counter("spendguard_shield_soft_warnings_total"),
		ledgerEvents:    counter("spendguard_ledger_events_total"),
		ledgerFailures:  counter("spendguard_ledger_failures_total"),
		rateLimitDenied: counter("spendguard_rate_limit_denied_total"),
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordWebhookOutcome counts webhook deliveries by final outcome.
func (m *Metrics) RecordWebhookOutcome(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReservation counts idempotency reservations by backend and result.
func (m *Metrics) RecordReservation(ctx context.Context, backend, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("backend", strings.TrimSpace(backend)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.idempotency.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSpendDecision counts spend decisions by budget and reason code.
func (m *Metrics) RecordSpendDecision(ctx context.Context, budget, reason string, allowed bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("budget", strings.TrimSpace(budget)),
		attribute.String("reason", strings.TrimSpace(reason)),
		attribute.Bool("allowed", allowed),
	)
	m.spendDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordShieldWarning counts soft-cap warnings attached to accepted spends.
func (m *Metrics) RecordShieldWarning(ctx context.Context, warning string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(warning)))
	m.shieldWarnings.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerEvent counts ledger appends by event type.
func (m *Metrics) RecordLedgerEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.ledgerEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerFailure counts failed ledger appends.
func (m *Metrics) RecordLedgerFailure(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.ledgerFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied counts webhook deliveries refused by the rate limiter.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, provider, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":    {},
	"status_code": {},
	"provider":    {},
	"event_type":  {},
	"outcome":     {},
	"backend":     {},
	"budget":      {},
	"reason":      {},
	"allowed":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
