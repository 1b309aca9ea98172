package service

import (
	"math"
	"sort"
	"time"

	"pairarb/internal/domain/model"
)

// ReferencePrices holds crypto quote bases priced in the stable unit.
type ReferencePrices map[model.QuoteBase]float64

// PriceOf returns the stable-unit price of one unit of the base; stables are 1.
func (r ReferencePrices) PriceOf(q model.QuoteBase) (float64, bool) {
	if q.IsStable() {
		return 1, true
	}
	p, ok := r[q]
	return p, ok && p > 0
}

// ValueOf converts a rolling average quoted in base into stable units.
func ValueOf(base model.QuoteBase, average float64, refs ReferencePrices) (float64, bool) {
	p, ok := refs.PriceOf(base)
	if !ok {
		return 0, false
	}
	return average * p, true
}

// Averager is the read side of a price window.
type Averager interface {
	Average(at time.Time) (float64, bool)
}

// BucketValues values every base in fixed order. Bases with no window data or no
// reference price are left out rather than counted as zero.
func BucketValues(windows map[model.QuoteBase]Averager, refs ReferencePrices, at time.Time) []model.Valuation {
	out := make([]model.Valuation, 0, len(windows))
	for _, base := range model.QuoteBases {
		w, ok := windows[base]
		if !ok || w == nil {
			continue
		}
		avg, ok := w.Average(at)
		if !ok {
			continue
		}
		v, ok := ValueOf(base, avg, refs)
		if !ok {
			continue
		}
		out = append(out, model.Valuation{Base: base, Average: avg, Value: v})
	}
	return out
}

// Rank orders values descending. Equal values keep the fixed base order.
func Rank(values []model.Valuation) []model.Valuation {
	out := make([]model.Valuation, len(values))
	copy(out, values)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Value == out[j].Value {
			return out[i].Base.Index() < out[j].Base.Index()
		}
		return out[i].Value > out[j].Value
	})
	return out
}

// SpreadPercent is |richest - poorest| / richest * 100.
func SpreadPercent(values []model.Valuation) float64 {
	if len(values) < 2 {
		return 0
	}
	hi, lo := values[0].Value, values[0].Value
	for _, v := range values[1:] {
		hi = math.Max(hi, v.Value)
		lo = math.Min(lo, v.Value)
	}
	if hi == 0 {
		return 0
	}
	return math.Abs(hi-lo) / hi * 100
}

// IsMiss reports a spread below the threshold percentage.
func IsMiss(spread, thresholdPct float64) bool {
	return spread < thresholdPct
}

// SpreadColor: -1 red (miss), +1 green (at least twice the threshold), 0 yellow.
func SpreadColor(spread, thresholdPct float64) int {
	if IsMiss(spread, thresholdPct) {
		return -1
	}
	if spread >= 2*thresholdPct {
		return +1
	}
	return 0
}
