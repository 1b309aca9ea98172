package binance

import (
	"strconv"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// marketInfo 下单精度，来自 exchangeInfo 的 LOT_SIZE / PRICE_FILTER
type marketInfo struct {
	pair           string
	stepSize       decimal.Decimal
	tickSize       decimal.Decimal
	minQty         decimal.Decimal
	quotePrecision int32
}

func parseMarket(pair string, s binance.Symbol) marketInfo {
	m := marketInfo{pair: pair, quotePrecision: int32(s.QuoteAssetPrecision)}
	if m.quotePrecision <= 0 {
		m.quotePrecision = 8
	}
	if f := s.LotSizeFilter(); f != nil {
		m.stepSize = decOrZero(f.StepSize)
		m.minQty = decOrZero(f.MinQuantity)
	}
	if f := s.PriceFilter(); f != nil {
		m.tickSize = decOrZero(f.TickSize)
	}
	return m
}

func decOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// amount 按 stepSize 向下截断
func (m marketInfo) amount(v float64) decimal.Decimal {
	d := decimal.NewFromFloat(v)
	if m.stepSize.IsPositive() {
		d = d.Div(m.stepSize).Floor().Mul(m.stepSize)
	}
	return d
}

// price 按 tickSize 四舍五入
func (m marketInfo) price(v float64) decimal.Decimal {
	d := decimal.NewFromFloat(v)
	if m.tickSize.IsPositive() {
		d = d.Div(m.tickSize).Round(0).Mul(m.tickSize)
	}
	return d
}

func (m marketInfo) quote(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Truncate(m.quotePrecision)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
