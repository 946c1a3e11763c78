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

// Metrics exposes application-level instruments.
type Metrics struct {
	deductions      metric.Int64Counter
	denials         metric.Int64Counter
	creditGrants    metric.Int64Counter
	paymentEvents   metric.Int64Counter
	lowCreditAlerts metric.Int64Counter
	monitorDrift    metric.Int64Counter
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
		name = "tabula"
	}
	meter := provider.Meter(name)

	deductions, err := meter.Int64Counter("tabula_credit_deductions_total")
	if err != nil {
		return nil, err
	}
	denials, err := meter.Int64Counter("tabula_entitlement_denials_total")
	if err != nil {
		return nil, err
	}
	creditGrants, err := meter.Int64Counter("tabula_credit_grants_total")
	if err != nil {
		return nil, err
	}
	paymentEvents, err := meter.Int64Counter("tabula_payment_events_total")
	if err != nil {
		return nil, err
	}
	lowCreditAlerts, err := meter.Int64Counter("tabula_low_credit_alerts_total")
	if err != nil {
		return nil, err
	}
	monitorDrift, err := meter.Int64Counter("tabula_balance_drift_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		deductions:      deductions,
		denials:         denials,
		creditGrants:    creditGrants,
		paymentEvents:   paymentEvents,
		lowCreditAlerts: lowCreditAlerts,
		monitorDrift:    monitorDrift,
	}, nil
}

// RecordDeduction increments successful credit deduction counts.
func (m *Metrics) RecordDeduction(ctx context.Context, model string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("model", strings.TrimSpace(model)))
	m.deductions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDenial increments entitlement denial counts.
func (m *Metrics) RecordDenial(ctx context.Context, model, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("model", strings.TrimSpace(model)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.denials.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCreditGrant increments credit grant counts.
func (m *Metrics) RecordCreditGrant(ctx context.Context, model, sourceType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("model", strings.TrimSpace(model)),
		attribute.String("source_type", strings.TrimSpace(sourceType)),
	)
	m.creditGrants.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentEvent increments payment event counts.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLowCreditAlert increments low balance alert counts.
func (m *Metrics) RecordLowCreditAlert(ctx context.Context, model string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("model", strings.TrimSpace(model)))
	m.lowCreditAlerts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBalanceDrift increments reconciliation drift counts.
func (m *Metrics) RecordBalanceDrift(ctx context.Context, model string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("model", strings.TrimSpace(model)))
	m.monitorDrift.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"model":       {},
	"reason":      {},
	"provider":    {},
	"event_type":  {},
	"source_type": {},
	"endpoint":    {},
	"status_code": {},
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
