package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairarb/internal/domain/model"
)

type fixedAvg struct {
	v  float64
	ok bool
}

func (f fixedAvg) Average(time.Time) (float64, bool) { return f.v, f.ok }

var refs = ReferencePrices{model.QuoteBNB: 300, model.QuoteETH: 2000, model.QuoteBTC: 40000}

func TestValueOf(t *testing.T) {
	v, ok := ValueOf(model.QuoteUSDT, 1.5, refs)
	require.True(t, ok)
	assert.Equal(t, 1.5, v)

	v, ok = ValueOf(model.QuoteBNB, 0.005, refs)
	require.True(t, ok)
	assert.InDelta(t, 1.5, v, 1e-9)

	_, ok = ValueOf(model.QuoteETH, 1, ReferencePrices{})
	assert.False(t, ok)
}

func TestBucketValuesExcludesEmptyWindows(t *testing.T) {
	windows := map[model.QuoteBase]Averager{
		model.QuoteUSDT: fixedAvg{1.0, true},
		model.QuoteBUSD: fixedAvg{0, false},
		model.QuoteBNB:  fixedAvg{0.004, true},
	}
	values := BucketValues(windows, refs, t0)
	require.Len(t, values, 2)
	assert.Equal(t, model.QuoteUSDT, values[0].Base)
	assert.Equal(t, model.QuoteBNB, values[1].Base)
	assert.InDelta(t, 1.2, values[1].Value, 1e-9)
}

func TestRankDescendingWithStableTies(t *testing.T) {
	values := []model.Valuation{
		{Base: model.QuoteUSDT, Value: 1.0},
		{Base: model.QuoteBUSD, Value: 1.2},
		{Base: model.QuoteBNB, Value: 1.0},
		{Base: model.QuoteETH, Value: 0.9},
	}
	ranked := Rank(values)
	got := make([]model.QuoteBase, len(ranked))
	for i, v := range ranked {
		got[i] = v.Base
	}
	assert.Equal(t, []model.QuoteBase{model.QuoteBUSD, model.QuoteUSDT, model.QuoteBNB, model.QuoteETH}, got)
	// input untouched
	assert.Equal(t, model.QuoteUSDT, values[0].Base)
}

func TestSpreadPercent(t *testing.T) {
	equal := []model.Valuation{{Base: model.QuoteUSDT, Value: 2}, {Base: model.QuoteBUSD, Value: 2}, {Base: model.QuoteBNB, Value: 2}}
	assert.Equal(t, 0.0, SpreadPercent(equal))

	a := []model.Valuation{{Base: model.QuoteUSDT, Value: 100}, {Base: model.QuoteBUSD, Value: 97}}
	b := []model.Valuation{{Base: model.QuoteBTC, Value: 97}, {Base: model.QuoteETH, Value: 100}}
	assert.InDelta(t, 3.0, SpreadPercent(a), 1e-9)
	assert.Equal(t, SpreadPercent(a), SpreadPercent(b))

	assert.Equal(t, 0.0, SpreadPercent(a[:1]))
	assert.Equal(t, 0.0, SpreadPercent(nil))
}

func TestIsMissAndColor(t *testing.T) {
	assert.True(t, IsMiss(1.99, 2))
	assert.False(t, IsMiss(2, 2))
	assert.True(t, IsMiss(0.05, 0.1))

	assert.Equal(t, -1, SpreadColor(1, 2))
	assert.Equal(t, 0, SpreadColor(3, 2))
	assert.Equal(t, +1, SpreadColor(4, 2))
}
