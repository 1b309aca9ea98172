package service

import (
	"errors"
	"fmt"

	"pairarb/internal/domain/model"
)

// MinNotional is the smallest order size in stable units.
const MinNotional = 10.0

var ErrInvalidRoute = errors.New("invalid route")

// Market is a direct spot market between two quote bases.
type Market struct {
	Base  model.QuoteBase
	Quote model.QuoteBase
}

func (m Market) Symbol() string { return model.Pair(m.Base.Asset(), m.Quote.Asset()) }

// DefaultMarkets lists the direct markets between quote bases.
var DefaultMarkets = []Market{
	{model.QuoteBUSD, model.QuoteUSDT},
	{model.QuoteBNB, model.QuoteUSDT},
	{model.QuoteETH, model.QuoteUSDT},
	{model.QuoteBTC, model.QuoteUSDT},
	{model.QuoteBNB, model.QuoteBUSD},
	{model.QuoteETH, model.QuoteBUSD},
	{model.QuoteBTC, model.QuoteBUSD},
	{model.QuoteETH, model.QuoteBTC},
	{model.QuoteBNB, model.QuoteBTC},
}

// RouteLeg is one order of a route. A buy spends From (the market quote) by
// quote amount; a sell sells From (the market base) by amount.
type RouteLeg struct {
	Market Market
	Side   model.OrderSide
	From   model.QuoteBase
	To     model.QuoteBase
}

func (l RouteLeg) Symbol() string { return l.Market.Symbol() }

type RoutePlan struct {
	From model.QuoteBase
	To   model.QuoteBase
	Legs []RouteLeg
}

type routeKey struct{ from, to model.QuoteBase }

// Router resolves conversions between quote bases from a table of direct markets.
type Router struct {
	reference model.QuoteBase
	routes    map[routeKey]RoutePlan
}

// NewRouter builds every route: direct where a market exists, otherwise two legs
// through the reference stable.
func NewRouter(reference model.QuoteBase, markets []Market) *Router {
	if len(markets) == 0 {
		markets = DefaultMarkets
	}
	direct := make(map[routeKey]RouteLeg, len(markets)*2)
	for _, m := range markets {
		direct[routeKey{m.Quote, m.Base}] = RouteLeg{Market: m, Side: model.SideBuy, From: m.Quote, To: m.Base}
		direct[routeKey{m.Base, m.Quote}] = RouteLeg{Market: m, Side: model.SideSell, From: m.Base, To: m.Quote}
	}

	r := &Router{reference: reference, routes: map[routeKey]RoutePlan{}}
	for _, from := range model.QuoteBases {
		for _, to := range model.QuoteBases {
			if from == to {
				continue
			}
			k := routeKey{from, to}
			if leg, ok := direct[k]; ok {
				r.routes[k] = RoutePlan{From: from, To: to, Legs: []RouteLeg{leg}}
				continue
			}
			first, ok1 := direct[routeKey{from, reference}]
			second, ok2 := direct[routeKey{reference, to}]
			if ok1 && ok2 {
				r.routes[k] = RoutePlan{From: from, To: to, Legs: []RouteLeg{first, second}}
			}
		}
	}
	return r
}

func (r *Router) Reference() model.QuoteBase { return r.reference }

// Plan returns the route converting from into to.
func (r *Router) Plan(from, to model.QuoteBase) (RoutePlan, error) {
	p, ok := r.routes[routeKey{from, to}]
	if !ok {
		return RoutePlan{}, fmt.Errorf("%w: %s -> %s", ErrInvalidRoute, from, to)
	}
	return p, nil
}

// Notional values amount of base in stable units.
func Notional(base model.QuoteBase, amount float64, refs ReferencePrices) (float64, bool) {
	p, ok := refs.PriceOf(base)
	if !ok {
		return 0, false
	}
	return amount * p, true
}
