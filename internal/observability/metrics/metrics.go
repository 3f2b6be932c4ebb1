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
	creditEntries    metric.Int64Counter
	creditAmount     metric.Int64Counter
	meteredCalls     metric.Int64Counter
	runsCreated      metric.Int64Counter
	runsFinalized    metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
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

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
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
		name = "promptreviews"
	}
	meter := provider.Meter(name)

	creditEntries, err := meter.Int64Counter("promptreviews_credit_entries_total")
	if err != nil {
		return nil, err
	}
	creditAmount, err := meter.Int64Counter("promptreviews_credit_amount_total",
		metric.WithDescription("Absolute credits moved through the ledger."))
	if err != nil {
		return nil, err
	}
	meteredCalls, err := meter.Int64Counter("promptreviews_metered_calls_total")
	if err != nil {
		return nil, err
	}
	runsCreated, err := meter.Int64Counter("promptreviews_batch_runs_created_total")
	if err != nil {
		return nil, err
	}
	runsFinalized, err := meter.Int64Counter("promptreviews_batch_runs_finalized_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("promptreviews_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("promptreviews_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		creditEntries:    creditEntries,
		creditAmount:     creditAmount,
		meteredCalls:     meteredCalls,
		runsCreated:      runsCreated,
		runsFinalized:    runsFinalized,
		rateLimitAllowed: rateLimitAllowed,
		rateLimitDenied:  rateLimitDenied,
	}, nil
}

// RecordCreditEntry counts a committed ledger entry.
func (m *Metrics) RecordCreditEntry(ctx context.Context, transactionType, featureType string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("transaction_type", strings.TrimSpace(transactionType)),
		attribute.String("feature_type", strings.TrimSpace(featureType)),
	)
	m.creditEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
	if amount < 0 {
		amount = -amount
	}
	m.creditAmount.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordMeteredCall counts a metered operation by outcome.
func (m *Metrics) RecordMeteredCall(ctx context.Context, featureType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feature_type", strings.TrimSpace(featureType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.meteredCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRunCreated(ctx context.Context, batchType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("batch_type", strings.TrimSpace(batchType)))
	m.runsCreated.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRunFinalized(ctx context.Context, batchType, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("batch_type", strings.TrimSpace(batchType)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.runsFinalized.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
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

// Account ids are never labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"transaction_type": {},
	"feature_type":     {},
	"batch_type":       {},
	"status":           {},
	"outcome":          {},
	"endpoint":         {},
	"reason":           {},
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
