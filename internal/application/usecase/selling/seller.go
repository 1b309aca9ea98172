package selling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"pairarb/internal/application/port"
	"pairarb/internal/application/service"
	"pairarb/internal/domain/model"
	dsvc "pairarb/internal/domain/service"
)

var (
	// ErrNotStarted wraps failures that happened before any order was sent.
	ErrNotStarted = errors.New("sale failed before trading")
	ErrNoPrice    = errors.New("no price observed on any pair")
)

type SellerDeps struct {
	Exchange port.Exchange
	Executor *service.Executor
	Store    port.TokenStore
	Latency  port.LatencyMeter
	Journal  port.DecisionJournal
	Notifier port.Notifier
	Metrics  port.Metrics
	Settings Settings
}

// Seller sells a token's whole exchange balance once, at a fixed instant after
// the first trade, into the pair with the best trimmed price.
type Seller struct {
	deps SellerDeps
	s    Settings
}

func NewSeller(deps SellerDeps) *Seller {
	if deps.Metrics == nil {
		deps.Metrics = port.NopMetrics{}
	}
	return &Seller{deps: deps, s: deps.Settings}
}

// sale is the shared state of one Sell call.
type sale struct {
	id      string
	token   string
	pairs   model.TradingPairSet
	amount  float64
	latency time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	prices map[model.QuoteBase][]float64

	timeToSell atomic.Int64 // unix ms, 0 until the first trade
	sellLock   atomic.Bool

	// written by the lock winner only
	err error
}

func (sl *sale) add(base model.QuoteBase, price float64) {
	sl.mu.Lock()
	sl.prices[base] = append(sl.prices[base], price)
	sl.mu.Unlock()
}

// best ranks the pairs by trimmed highest price. Equal prices keep the fixed base order.
func (sl *sale) best(discard int) (model.QuoteBase, float64, []model.Valuation, bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	var (
		bestBase  model.QuoteBase
		bestPrice float64
		values    []model.Valuation
	)
	for _, base := range sl.pairs.Bases() {
		px, ok := dsvc.TrimmedHighest(sl.prices[base], discard)
		if !ok {
			continue
		}
		values = append(values, model.Valuation{Base: base, Average: px, Value: px})
		if px > bestPrice {
			bestBase, bestPrice = base, px
		}
	}
	return bestBase, bestPrice, values, bestPrice > 0
}

// Sell blocks until the token is sold, the sale fails or ctx ends. The token is
// expected in inTrading; errors wrapping ErrNotStarted leave it there untouched.
func (s *Seller) Sell(ctx context.Context, tok *model.TradeableToken) error {
	pairs := tok.Pairs()
	if err := pairs.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotStarted, err)
	}
	code := strings.ToUpper(tok.TokenCode)
	ex := s.deps.Exchange

	if err := ex.LoadMarkets(ctx, true); err != nil {
		return fmt.Errorf("%w: load markets: %v", ErrNotStarted, err)
	}
	bal, err := ex.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("%w: fetch balance: %v", ErrNotStarted, err)
	}
	available := bal.FreeOf(code)
	if available <= 0 {
		return fmt.Errorf("%w: no %s balance", ErrNotStarted, code)
	}
	drift, err := s.deps.Latency.MeasureLatency(ctx)
	if err != nil {
		return fmt.Errorf("%w: measure latency: %v", ErrNotStarted, err)
	}

	sl := &sale{
		id:      uuid.NewString(),
		token:   code,
		pairs:   pairs,
		amount:  available,
		latency: drift.Latency,
		prices:  make(map[model.QuoteBase][]float64, len(pairs)),
	}
	sl.log = log.With().Str("token", code).Str("sale", sl.id).Logger()
	sl.log.Info().
		Strs("pairs", pairs.Symbols()).
		Float64("amount", available).
		Dur("latency", drift.Latency).
		Dur("offset", drift.Offset).
		Msg("waiting for first trade")

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg conc.WaitGroup
	for _, base := range pairs.Bases() {
		wg.Go(func() {
			if s.watch(watchCtx, tok, sl, base) {
				cancel()
			}
		})
	}
	wg.Wait()

	if !sl.sellLock.Load() {
		return fmt.Errorf("%w: %v", ErrNotStarted, ctx.Err())
	}
	return sl.err
}

// watch feeds one pair's trades into the sale. It returns true when this
// watcher executed the sale.
func (s *Seller) watch(ctx context.Context, tok *model.TradeableToken, sl *sale, base model.QuoteBase) bool {
	symbol := sl.pairs[base]
	logger := sl.log.With().Str("pair", symbol).Logger()

	var stream port.TradeStream
	defer func() {
		if stream != nil {
			_ = stream.Close()
		}
	}()

	for ctx.Err() == nil && !sl.sellLock.Load() {
		if stream == nil {
			st, err := s.deps.Exchange.SubscribeTrades(ctx, symbol)
			if err != nil {
				logger.Warn().Err(err).Msg("trade subscription failed")
				if !sleepCtx(ctx, s.s.ResubscribeDelay) {
					return false
				}
				continue
			}
			stream = st
		}
		trades, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			logger.Warn().Err(err).Msg("trade stream failed, resubscribing")
			_ = stream.Close()
			stream = nil
			continue
		}
		for _, t := range trades {
			if s.observe(ctx, tok, sl, base, t) {
				return true
			}
		}
	}
	return false
}

func (s *Seller) observe(ctx context.Context, tok *model.TradeableToken, sl *sale, base model.QuoteBase, t model.Trade) bool {
	if sl.sellLock.Load() || t.Price <= 0 || t.Time.IsZero() {
		return false
	}
	sl.add(base, t.Price)
	if sl.timeToSell.CompareAndSwap(0, t.Time.Add(s.s.SellDelay-sl.latency).UnixMilli()) {
		sl.log.Info().Time("first_trade", t.Time).Int64("time_to_sell", sl.timeToSell.Load()).Msg("sell instant fixed")
	}
	if t.Time.UnixMilli() < sl.timeToSell.Load() {
		return false
	}
	if !sl.sellLock.CompareAndSwap(false, true) {
		return false
	}
	// 卖单不随 watcher 取消而中断
	sl.err = s.execute(context.WithoutCancel(ctx), tok, sl, t.Time)
	return true
}

func (s *Seller) execute(ctx context.Context, tok *model.TradeableToken, sl *sale, at time.Time) error {
	base, price, values, ok := sl.best(s.s.DiscardTop)
	if !ok {
		return ErrNoPrice
	}
	symbol := sl.pairs[base]
	sl.log.Info().Str("pair", symbol).Float64("price", price).Msg("selling into best pair")

	store := s.deps.Store
	if _, err := store.TransitionToken(ctx, tok.TokenCode, model.TokenInTrading, model.TokenSellingInProgress); err != nil {
		return fmt.Errorf("mark selling %s: %w", tok.TokenCode, err)
	}
	if err := s.sellAll(ctx, sl, symbol, price); err != nil {
		sl.log.Error().Err(err).Str("pair", symbol).Msg("sale failed")
		s.notifyFailure(ctx, tok, symbol, err)
		return err
	}
	if _, err := store.TransitionToken(ctx, tok.TokenCode, model.TokenSellingInProgress, model.TokenSoldOnBinance); err != nil {
		return fmt.Errorf("mark sold %s: %w", tok.TokenCode, err)
	}

	d := model.Decision{
		RunID:     sl.id,
		RecordID:  tok.TokenCode,
		TokenCode: sl.token,
		Kind:      model.DecisionSell,
		Richest:   base,
		Values:    values,
		At:        at,
		Note:      fmt.Sprintf("limit %s @ %g", symbol, price),
	}
	s.deps.Metrics.DecisionRecorded(ctx, d.Kind)
	if s.deps.Journal != nil {
		if err := s.deps.Journal.RecordDecision(ctx, d); err != nil {
			sl.log.Warn().Err(err).Msg("journal write failed")
		}
	}
	sl.log.Info().Str("pair", symbol).Msg("sale complete")
	return nil
}

// sellAll places a limit sell for the whole amount, lets it rest for the settle
// delay, then cancels it and market-sells whatever is still free.
func (s *Seller) sellAll(ctx context.Context, sl *sale, symbol string, price float64) error {
	ex := s.deps.Exchange
	amount := ex.AmountToPrecision(symbol, sl.amount)
	price = ex.PriceToPrecision(symbol, price)

	remaining := amount
	limit, err := ex.CreateOrder(ctx, model.OrderRequest{
		Symbol: symbol,
		Type:   model.OrderLimit,
		Side:   model.SideSell,
		Amount: amount,
		Price:  price,
	})
	placed := err == nil
	switch {
	case placed:
		s.deps.Metrics.OrderPlaced(ctx, model.SideSell, symbol)
		remaining = limit.Remaining
		sl.log.Info().
			Str("order", limit.ID).
			Float64("filled", limit.Filled).
			Float64("remaining", limit.Remaining).
			Msg("limit sell placed")
	case errors.Is(err, port.ErrInsufficientBalance):
		sl.log.Warn().Err(err).Msg("limit sell rejected for balance, falling back to market")
		if bal, berr := ex.FetchBalance(ctx); berr == nil {
			remaining = bal.FreeOf(sl.token)
		}
	default:
		s.deps.Metrics.OrderFailed(ctx, model.SideSell, symbol)
		return fmt.Errorf("limit sell %s: %w", symbol, err)
	}

	if placed && remaining <= 0 {
		return nil
	}
	sleepCtx(ctx, s.s.LimitSettle)

	if placed {
		if err := ex.CancelOrder(ctx, limit.ID, symbol); err != nil {
			sl.log.Warn().Err(err).Str("order", limit.ID).Msg("cancel limit sell failed")
		}
		// 挂单期间可能继续成交, 以撤单后的可用余额为准
		bal, err := ex.FetchBalance(ctx)
		if err != nil {
			sl.log.Warn().Err(err).Msg("refresh balance after cancel failed")
		} else if free := ex.AmountToPrecision(symbol, bal.FreeOf(sl.token)); free < remaining {
			sl.log.Info().
				Float64("placed_remaining", remaining).
				Float64("free", free).
				Msg("limit sell filled further before cancel")
			remaining = free
		}
		if remaining <= 0 {
			return nil
		}
	}
	res, err := s.deps.Executor.Sell(ctx, symbol, remaining)
	if err != nil {
		return fmt.Errorf("market sell %s: %w", symbol, err)
	}
	if o, ok := res.Order(); ok && o.Status != model.OrderClosed {
		return fmt.Errorf("market sell %s left %s", symbol, o.Status)
	}
	return nil
}

func (s *Seller) notifyFailure(ctx context.Context, tok *model.TradeableToken, symbol string, cause error) {
	if s.deps.Notifier == nil {
		return
	}
	n := port.Notification{TokenCode: tok.TokenCode, ReferenceID: tok.TokenCode, Message: "sale failed on " + symbol}
	if err := s.deps.Notifier.NotifyFailure(ctx, n, cause); err != nil {
		log.Warn().Err(err).Str("token", tok.TokenCode).Msg("failure notification failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
