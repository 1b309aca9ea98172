package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"pairarb/internal/application/port"
	"pairarb/internal/domain/model"
)

type Options struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
	Interval    time.Duration
}

// Setup endpoint 为空时不导出，只在进程内计数
func Setup(ctx context.Context, opts Options) (*sdkmetric.MeterProvider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(opts.ServiceName),
	))
	if err != nil {
		return nil, err
	}
	providerOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if opts.Endpoint != "" {
		expOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(opts.Endpoint)}
		if opts.Insecure {
			expOpts = append(expOpts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		interval := opts.Interval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		providerOpts = append(providerOpts,
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	}

	mp := sdkmetric.NewMeterProvider(providerOpts...)
	otel.SetMeterProvider(mp)
	return mp, nil
}

// Metrics 引擎计数器
type Metrics struct {
	decisions    metric.Int64Counter
	orders       metric.Int64Counter
	orderErrors  metric.Int64Counter
	skippedSwaps metric.Int64Counter
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("pairarb/engine")
	m := &Metrics{}
	var err error
	if m.decisions, err = meter.Int64Counter("pairarb.decisions",
		metric.WithDescription("journaled bucket and sell decisions")); err != nil {
		return nil, err
	}
	if m.orders, err = meter.Int64Counter("pairarb.orders",
		metric.WithDescription("orders accepted by the exchange")); err != nil {
		return nil, err
	}
	if m.orderErrors, err = meter.Int64Counter("pairarb.order_errors",
		metric.WithDescription("orders given up after retries")); err != nil {
		return nil, err
	}
	if m.skippedSwaps, err = meter.Int64Counter("pairarb.swaps_skipped",
		metric.WithDescription("bucket swaps skipped for lack of balance")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) DecisionRecorded(ctx context.Context, kind model.DecisionKind) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *Metrics) OrderPlaced(ctx context.Context, side model.OrderSide, symbol string) {
	m.orders.Add(ctx, 1, metric.WithAttributes(
		attribute.String("side", string(side)), attribute.String("symbol", symbol)))
}

func (m *Metrics) OrderFailed(ctx context.Context, side model.OrderSide, symbol string) {
	m.orderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("side", string(side)), attribute.String("symbol", symbol)))
}

func (m *Metrics) SwapSkipped(ctx context.Context, from, to model.QuoteBase) {
	m.skippedSwaps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)), attribute.String("to", string(to))))
}

var _ port.Metrics = (*Metrics)(nil)
