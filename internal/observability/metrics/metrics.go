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

// Metrics exposes business-level OTLP instruments. A nil *Metrics is a no-op.
type Metrics struct {
	commissionAmount metric.Int64Counter
	eventsRecorded   metric.Int64Counter
	ordersSplit      metric.Int64Counter
	payoutsCleared   metric.Int64Counter
}

// NewProvider configures and registers the global meter provider.
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
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "revshare"
	}
	meter := provider.Meter(name)

	commissionAmount, err := meter.Int64Counter("revshare_commission_amount_total",
		metric.WithDescription("Sum of computed commission amounts in minor units."))
	if err != nil {
		return nil, err
	}
	eventsRecorded, err := meter.Int64Counter("revshare_events_recorded_total")
	if err != nil {
		return nil, err
	}
	ordersSplit, err := meter.Int64Counter("revshare_orders_split_total")
	if err != nil {
		return nil, err
	}
	payoutsCleared, err := meter.Int64Counter("revshare_payouts_cleared_amount_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		commissionAmount: commissionAmount,
		eventsRecorded:   eventsRecorded,
		ordersSplit:      ordersSplit,
		payoutsCleared:   payoutsCleared,
	}, nil
}

func (m *Metrics) RecordCommission(ctx context.Context, ruleType, currency string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("rule_type", strings.TrimSpace(ruleType)),
		attribute.String("currency", strings.TrimSpace(currency)),
	)
	m.commissionAmount.Add(ctx, amount, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsRecorded.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("event_type", eventType))...))
}

func (m *Metrics) RecordOrderSplit(ctx context.Context, currency string) {
	if m == nil {
		return
	}
	m.ordersSplit.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("currency", currency))...))
}

func (m *Metrics) RecordCleared(ctx context.Context, currency string, amount int64) {
	if m == nil || amount == 0 {
		return
	}
	m.payoutsCleared.Add(ctx, amount, metric.WithAttributes(FilterAttributes(attribute.String("currency", currency))...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
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
	"rule_type":  {},
	"event_type": {},
	"currency":   {},
	"outcome":    {},
	"reason":     {},
}

// FilterAttributes strips labels outside the allow list. Subject, vendor and
// order ids are never allowed as labels.
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
