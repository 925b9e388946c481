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

// Metrics exposes OTLP billing instruments.
type Metrics struct {
	invoicesCreated metric.Int64Counter
	billedCents     metric.Int64Counter
	lateFees        metric.Int64Counter
	holdsChanged    metric.Int64Counter
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
					log.Info("metrics.shutdown")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics.initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the billing instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "daycare-billing"
	}
	meter := provider.Meter(name)

	invoicesCreated, err := meter.Int64Counter("daycare_invoices_created_total")
	if err != nil {
		return nil, err
	}
	billedCents, err := meter.Int64Counter("daycare_invoice_billed_cents_total")
	if err != nil {
		return nil, err
	}
	lateFees, err := meter.Int64Counter("daycare_late_fees_applied_total")
	if err != nil {
		return nil, err
	}
	holdsChanged, err := meter.Int64Counter("daycare_payment_hold_updates_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		invoicesCreated: invoicesCreated,
		billedCents:     billedCents,
		lateFees:        lateFees,
		holdsChanged:    holdsChanged,
	}, nil
}

// RecordInvoiceCreated counts a persisted invoice and its total.
func (m *Metrics) RecordInvoiceCreated(ctx context.Context, trigger string, totalCents int64, dryRun bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("trigger", strings.TrimSpace(trigger)),
		attribute.Bool("dry_run", dryRun),
	)
	m.invoicesCreated.Add(ctx, 1, metric.WithAttributes(attrs...))
	if totalCents > 0 {
		m.billedCents.Add(ctx, totalCents, metric.WithAttributes(attrs...))
	}
}

// RecordLateFee counts a late-fee step; added is false for re-marks.
func (m *Metrics) RecordLateFee(ctx context.Context, added, dryRun bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.Bool("added", added),
		attribute.Bool("dry_run", dryRun),
	)
	m.lateFees.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordHold counts a payment-hold recompute.
func (m *Metrics) RecordHold(ctx context.Context, hold, dryRun bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.Bool("hold", hold),
		attribute.Bool("dry_run", dryRun),
	)
	m.holdsChanged.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"trigger":     {},
	"dry_run":     {},
	"added":       {},
	"hold":        {},
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
