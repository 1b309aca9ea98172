package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"pairarb/internal/application/port"
	"pairarb/internal/domain/model"
	dsvc "pairarb/internal/domain/service"
)

// RetryPolicy bounds order placement retries.
type RetryPolicy struct {
	MaxAttempts     uint
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     8,
		MaxElapsed:      30 * time.Second,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Executor places market orders on the exchange and converts between quote
// bases along the router's plans.
type Executor struct {
	ex          port.Exchange
	router      *dsvc.Router
	retry       RetryPolicy
	minNotional float64
	metrics     port.Metrics
}

func NewExecutor(ex port.Exchange, router *dsvc.Router, retry RetryPolicy, minNotional float64, metrics port.Metrics) *Executor {
	if minNotional <= 0 {
		minNotional = dsvc.MinNotional
	}
	if metrics == nil {
		metrics = port.NopMetrics{}
	}
	return &Executor{ex: ex, router: router, retry: retry, minNotional: minNotional, metrics: metrics}
}

func (e *Executor) Router() *dsvc.Router { return e.router }

func (e *Executor) MinNotional() float64 { return e.minNotional }

// Buy spends quoteAmount of the symbol's quote asset at market.
func (e *Executor) Buy(ctx context.Context, symbol string, quoteAmount float64) (model.OrderResult, error) {
	if quoteAmount <= 0 {
		return model.NoFill("nothing to spend"), nil
	}
	return e.Place(ctx, model.OrderRequest{
		Symbol:      symbol,
		Type:        model.OrderMarket,
		Side:        model.SideBuy,
		QuoteAmount: quoteAmount,
	})
}

// Sell sells amount of the symbol's base asset at market.
func (e *Executor) Sell(ctx context.Context, symbol string, amount float64) (model.OrderResult, error) {
	amount = e.ex.AmountToPrecision(symbol, amount)
	if amount <= 0 {
		return model.NoFill("amount rounds to zero"), nil
	}
	return e.Place(ctx, model.OrderRequest{
		Symbol: symbol,
		Type:   model.OrderMarket,
		Side:   model.SideSell,
		Amount: amount,
	})
}

// Place submits the order, retrying transient failures with exponential backoff
// until the policy gives up. Insufficient balance is not retried.
func (e *Executor) Place(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	b := backoff.NewExponentialBackOff()
	if e.retry.InitialInterval > 0 {
		b.InitialInterval = e.retry.InitialInterval
	}
	if e.retry.MaxInterval > 0 {
		b.MaxInterval = e.retry.MaxInterval
	}

	attempt := 0
	op := func() (model.Order, error) {
		attempt++
		o, err := e.ex.CreateOrder(ctx, req)
		if err == nil {
			return o, nil
		}
		if errors.Is(err, port.ErrInsufficientBalance) {
			return o, backoff.Permanent(err)
		}
		log.Warn().
			Err(err).
			Str("pair", req.Symbol).
			Str("side", string(req.Side)).
			Int("attempt", attempt).
			Msg("order failed, retrying")
		return o, err
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if e.retry.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(e.retry.MaxAttempts))
	}
	if e.retry.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(e.retry.MaxElapsed))
	}

	o, err := backoff.Retry(ctx, op, opts...)
	if err != nil {
		e.metrics.OrderFailed(ctx, req.Side, req.Symbol)
		return model.OrderResult{}, fmt.Errorf("%s %s %s: %w", req.Type, req.Side, req.Symbol, err)
	}
	e.metrics.OrderPlaced(ctx, req.Side, req.Symbol)
	log.Info().
		Str("pair", req.Symbol).
		Str("side", string(req.Side)).
		Str("order", o.ID).
		Float64("filled", o.Filled).
		Float64("remaining", o.Remaining).
		Msg("order placed")
	return model.Placed(o), nil
}

// Swap converts amount of from into to. Amounts worth less than the minimum
// notional are skipped without touching the exchange.
func (e *Executor) Swap(ctx context.Context, from, to model.QuoteBase, amount float64, refs dsvc.ReferencePrices) (model.OrderResult, error) {
	plan, err := e.router.Plan(from, to)
	if err != nil {
		return model.OrderResult{}, err
	}
	notional, ok := dsvc.Notional(from, amount, refs)
	if !ok {
		return model.OrderResult{}, fmt.Errorf("no reference price for %s", from)
	}
	if notional < e.minNotional {
		e.metrics.SwapSkipped(ctx, from, to)
		log.Info().
			Str("from", string(from)).
			Str("to", string(to)).
			Float64("amount", amount).
			Float64("notional", notional).
			Msg("swap below minimum notional, skipped")
		return model.NoFill("below minimum notional"), nil
	}

	in := amount
	var res model.OrderResult
	for i, leg := range plan.Legs {
		if leg.Side == model.SideBuy {
			res, err = e.Buy(ctx, leg.Symbol(), in)
		} else {
			res, err = e.Sell(ctx, leg.Symbol(), in)
		}
		if err != nil {
			return res, fmt.Errorf("swap %s -> %s leg %d: %w", from, to, i+1, err)
		}
		o, ok := res.Order()
		if !ok {
			return res, nil
		}
		in = legProceeds(leg, in, o, refs)
	}
	return res, nil
}

// legProceeds is what one leg yields in its destination asset. Exchange fill
// figures win; the reference cross rate covers orders acknowledged without them.
func legProceeds(leg dsvc.RouteLeg, in float64, o model.Order, refs dsvc.ReferencePrices) float64 {
	if leg.Side == model.SideSell && o.Cost > 0 {
		return o.Cost
	}
	if leg.Side == model.SideBuy && o.Filled > 0 {
		return o.Filled
	}
	fromPx, ok1 := refs.PriceOf(leg.From)
	toPx, ok2 := refs.PriceOf(leg.To)
	if !ok1 || !ok2 || toPx == 0 {
		return 0
	}
	return in * fromPx / toPx
}

// ConvertAll swaps every listed base except target into target, using the free
// balances given. Failures are logged per base and the first one is returned.
func (e *Executor) ConvertAll(ctx context.Context, bases []model.QuoteBase, target model.QuoteBase, balances model.Balances, refs dsvc.ReferencePrices) error {
	var firstErr error
	for _, base := range bases {
		if base == target {
			continue
		}
		amount := balances.FreeOf(base.Asset())
		if amount <= 0 {
			continue
		}
		if _, err := e.Swap(ctx, base, target, amount, refs); err != nil {
			log.Error().Err(err).Str("base", string(base)).Float64("amount", amount).Msg("conversion failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SpreadOut splits the free source balance evenly across bases, keeping one unit
// per base back for price differences between stables.
func (e *Executor) SpreadOut(ctx context.Context, source model.QuoteBase, bases []model.QuoteBase, balances model.Balances, refs dsvc.ReferencePrices) error {
	if len(bases) == 0 {
		return nil
	}
	available := balances.FreeOf(source.Asset())
	share := math.Floor(available/float64(len(bases))) - 1
	if share <= 0 {
		return nil
	}
	var firstErr error
	for _, base := range bases {
		if base == source {
			continue
		}
		if _, err := e.Swap(ctx, source, base, share, refs); err != nil {
			log.Error().Err(err).Str("base", string(base)).Float64("amount", share).Msg("spread out failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
