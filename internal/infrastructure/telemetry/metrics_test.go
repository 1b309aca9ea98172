package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"pairarb/internal/domain/model"
)

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out
}

func TestMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	ctx := context.Background()

	m.DecisionRecorded(ctx, model.DecisionBucket)
	m.DecisionRecorded(ctx, model.DecisionMiss)
	m.OrderPlaced(ctx, model.SideBuy, "ABC/BUSD")
	m.OrderFailed(ctx, model.SideSell, "ABC/USDT")
	m.SwapSkipped(ctx, model.QuoteUSDT, model.QuoteBUSD)

	got := collect(t, reader)
	assert.Equal(t, int64(2), got["pairarb.decisions"])
	assert.Equal(t, int64(1), got["pairarb.orders"])
	assert.Equal(t, int64(1), got["pairarb.order_errors"])
	assert.Equal(t, int64(1), got["pairarb.swaps_skipped"])
}

func TestSetupWithoutEndpoint(t *testing.T) {
	mp, err := Setup(context.Background(), Options{ServiceName: "pairarb"})
	require.NoError(t, err)
	assert.NoError(t, mp.Shutdown(context.Background()))
}
