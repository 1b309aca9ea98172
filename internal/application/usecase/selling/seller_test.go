package selling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairarb/internal/application/port"
	"pairarb/internal/application/port/porttest"
	"pairarb/internal/application/service"
	"pairarb/internal/domain/model"
	dsvc "pairarb/internal/domain/service"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func testSettings() Settings {
	s := DefaultSettings()
	s.LimitSettle = 5 * time.Millisecond
	s.ResubscribeDelay = 5 * time.Millisecond
	s.WithdrawDelay = 0
	return s
}

func testExecutor(ex port.Exchange) *service.Executor {
	retry := service.RetryPolicy{MaxAttempts: 2, MaxElapsed: time.Second, InitialInterval: time.Millisecond}
	return service.NewExecutor(ex, dsvc.NewRouter(model.QuoteBUSD, nil), retry, 0, nil)
}

type sellFixture struct {
	ex       *porttest.Exchange
	store    *porttest.Store
	journal  *porttest.Journal
	notifier *porttest.Notifier
	seller   *Seller
	tok      *model.TradeableToken
}

func newSellFixture(t *testing.T) *sellFixture {
	t.Helper()
	ex := porttest.NewExchange()
	ex.Balances["ABC"] = 100
	ex.Prices["ABC/USDT"] = 9.5
	ex.Prices["ABC/BUSD"] = 9.4
	ex.LimitFill = 1

	store := porttest.NewStore()
	tok := &model.TradeableToken{
		TokenCode:  "ABC",
		TokenPairs: []string{"ABC/BUSD", "ABC/USDT"},
		Status:     model.TokenInTrading,
	}
	require.NoError(t, store.CreateToken(context.Background(), tok))

	f := &sellFixture{ex: ex, store: store, journal: &porttest.Journal{}, notifier: &porttest.Notifier{}, tok: tok}
	f.seller = NewSeller(SellerDeps{
		Exchange: ex,
		Executor: testExecutor(ex),
		Store:    store,
		Latency:  porttest.Latency{Drift: model.Drift{Latency: 100 * time.Millisecond}},
		Journal:  f.journal,
		Notifier: f.notifier,
		Settings: testSettings(),
	})
	return f
}

// publishLadder sends [15,14,13,12,11,10,10,10,10,10] on ABC/USDT followed by a
// trade at the sell instant.
func (f *sellFixture) publishLadder() {
	var trades []model.Trade
	for i, px := range []float64{15, 14, 13, 12, 11, 10, 10, 10, 10, 10} {
		trades = append(trades, model.Trade{Symbol: "ABC/USDT", Price: px, Time: t0.Add(time.Duration(i) * 50 * time.Millisecond)})
	}
	trades = append(trades, model.Trade{Symbol: "ABC/USDT", Price: 10, Time: t0.Add(time.Second)})
	f.ex.Publish("ABC/USDT", trades...)
}

func (f *sellFixture) status(t *testing.T) model.TokenStatus {
	tok, err := f.store.GetToken(context.Background(), "ABC")
	require.NoError(t, err)
	return tok.Status
}

func TestSellerLimitFilled(t *testing.T) {
	f := newSellFixture(t)
	f.publishLadder()

	require.NoError(t, f.seller.Sell(context.Background(), f.tok))

	require.Len(t, f.ex.Orders, 1)
	o := f.ex.Orders[0]
	assert.Equal(t, "ABC/USDT", o.Symbol)
	assert.Equal(t, model.OrderLimit, o.Type)
	assert.Equal(t, model.SideSell, o.Side)
	assert.Equal(t, 10.0, o.Price)
	assert.Equal(t, 100.0, o.Amount)
	assert.Empty(t, f.ex.Canceled)
	assert.Equal(t, 1, f.ex.Reloads)

	assert.Equal(t, model.TokenSoldOnBinance, f.status(t))
	assert.Equal(t, []string{
		"ABC:inTrading->sellingInProgress",
		"ABC:sellingInProgress->soldOnBinance",
	}, f.store.History)
	assert.Equal(t, 1, f.journal.Count(model.DecisionSell))
}

func TestSellerCancelsAndMarketSellsRemainder(t *testing.T) {
	f := newSellFixture(t)
	f.ex.LimitFill = 0.4
	f.publishLadder()

	require.NoError(t, f.seller.Sell(context.Background(), f.tok))

	require.Len(t, f.ex.Orders, 2)
	assert.Equal(t, model.OrderLimit, f.ex.Orders[0].Type)
	assert.Equal(t, []string{"1"}, f.ex.Canceled)
	market := f.ex.Orders[1]
	assert.Equal(t, model.OrderMarket, market.Type)
	assert.Equal(t, "ABC/USDT", market.Symbol)
	assert.InDelta(t, 60, market.Amount, 1e-6)
	assert.InDelta(t, 0, f.ex.Balance("ABC"), 1e-6)
	assert.Equal(t, model.TokenSoldOnBinance, f.status(t))
}

func TestSellerMarketSellsOnlyWhatIsFreeAfterCancel(t *testing.T) {
	f := newSellFixture(t)
	f.ex.LimitFill = 0.4
	// 60 left at placement, half of it fills while the order rests
	f.ex.SettleFill = 0.5
	f.publishLadder()

	require.NoError(t, f.seller.Sell(context.Background(), f.tok))

	require.Len(t, f.ex.Orders, 2)
	assert.Equal(t, []string{"1"}, f.ex.Canceled)
	market := f.ex.Orders[1]
	assert.Equal(t, model.OrderMarket, market.Type)
	assert.InDelta(t, 30, market.Amount, 1e-6)
	assert.InDelta(t, 0, f.ex.Balance("ABC"), 1e-6)
	assert.Equal(t, model.TokenSoldOnBinance, f.status(t))
}

func TestSellerSkipsMarketWhenLimitFilledBeforeCancel(t *testing.T) {
	f := newSellFixture(t)
	f.ex.LimitFill = 0.4
	f.ex.SettleFill = 1
	f.publishLadder()

	require.NoError(t, f.seller.Sell(context.Background(), f.tok))

	require.Len(t, f.ex.Orders, 1)
	assert.Equal(t, []string{"1"}, f.ex.Canceled)
	assert.InDelta(t, 0, f.ex.Balance("ABC"), 1e-6)
	assert.Equal(t, model.TokenSoldOnBinance, f.status(t))
}

func TestSellerFallsBackToMarketOnInsufficientBalance(t *testing.T) {
	f := newSellFixture(t)
	f.ex.OrderErr = func(req model.OrderRequest) error {
		if req.Type == model.OrderLimit {
			return port.ErrInsufficientBalance
		}
		return nil
	}
	f.publishLadder()

	require.NoError(t, f.seller.Sell(context.Background(), f.tok))

	require.Len(t, f.ex.Orders, 1)
	assert.Equal(t, model.OrderMarket, f.ex.Orders[0].Type)
	assert.Equal(t, 100.0, f.ex.Orders[0].Amount)
	assert.Empty(t, f.ex.Canceled)
	assert.Equal(t, model.TokenSoldOnBinance, f.status(t))
}

func TestSellerLimitRejectionIsFatal(t *testing.T) {
	f := newSellFixture(t)
	rejected := errors.New("filter failure: PRICE_FILTER")
	f.ex.OrderErr = func(req model.OrderRequest) error { return rejected }
	f.publishLadder()

	err := f.seller.Sell(context.Background(), f.tok)
	require.ErrorIs(t, err, rejected)
	assert.NotErrorIs(t, err, ErrNotStarted)

	assert.Equal(t, 1, f.ex.Attempts, "limit sell is not retried")
	assert.Empty(t, f.ex.Orders)
	assert.Equal(t, 1, f.notifier.FailureCount())
	assert.Equal(t, model.TokenSellingInProgress, f.status(t))
	assert.Zero(t, f.journal.Count(model.DecisionSell))
}

func TestSellerWaitsForSellInstant(t *testing.T) {
	f := newSellFixture(t)
	f.ex.Publish("ABC/USDT",
		model.Trade{Symbol: "ABC/USDT", Price: 10, Time: t0},
		model.Trade{Symbol: "ABC/USDT", Price: 11, Time: t0.Add(999 * time.Millisecond)},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.seller.Sell(ctx, f.tok) }()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.ex.OrderCount())
	cancel()

	err := <-done
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, model.TokenInTrading, f.status(t))
}

func TestSellerNeedsBalance(t *testing.T) {
	f := newSellFixture(t)
	f.ex.Balances["ABC"] = 0

	err := f.seller.Sell(context.Background(), f.tok)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Zero(t, f.ex.SubscribeCount("ABC/USDT"))
}

func TestSellerNeedsLatency(t *testing.T) {
	f := newSellFixture(t)
	f.seller.deps.Latency = porttest.Latency{Err: errors.New("timeout")}

	err := f.seller.Sell(context.Background(), f.tok)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSellerSellsExactlyOnce(t *testing.T) {
	f := newSellFixture(t)
	for _, symbol := range []string{"ABC/BUSD", "ABC/USDT"} {
		f.ex.Publish(symbol,
			model.Trade{Symbol: symbol, Price: 10, Time: t0},
			model.Trade{Symbol: symbol, Price: 10, Time: t0.Add(2 * time.Second)},
			model.Trade{Symbol: symbol, Price: 10, Time: t0.Add(3 * time.Second)},
		)
	}

	require.NoError(t, f.seller.Sell(context.Background(), f.tok))
	assert.Equal(t, 1, f.ex.OrderCount())
	assert.Equal(t, 1, f.journal.Count(model.DecisionSell))
}

func TestSaleBestPicksTrimmedHighest(t *testing.T) {
	sl := &sale{
		pairs:  model.ExtractTradingPairs([]string{"ABC/BUSD", "ABC/USDT", "ABC/BNB"}),
		prices: map[model.QuoteBase][]float64{},
	}
	for _, px := range []float64{10, 10, 10, 10, 10, 11, 12, 13, 14, 15} {
		sl.add(model.QuoteUSDT, px)
	}
	for _, px := range []float64{10.5, 99} {
		sl.add(model.QuoteBUSD, px)
	}

	base, px, values, ok := sl.best(5)
	require.True(t, ok)
	assert.Equal(t, model.QuoteBUSD, base)
	assert.Equal(t, 99.0, px)
	assert.Len(t, values, 2, "pairs without trades are not ranked")
}

func TestSaleBestKeepsFixedOrderOnTie(t *testing.T) {
	sl := &sale{
		pairs:  model.ExtractTradingPairs([]string{"ABC/BUSD", "ABC/USDT"}),
		prices: map[model.QuoteBase][]float64{},
	}
	sl.add(model.QuoteBUSD, 10)
	sl.add(model.QuoteUSDT, 10)

	base, _, _, ok := sl.best(5)
	require.True(t, ok)
	assert.Equal(t, model.QuoteUSDT, base)
}
