package selling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairarb/internal/application/port/porttest"
	"pairarb/internal/domain/model"
)

type fakeSeller struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeSeller) Sell(ctx context.Context, tok *model.TradeableToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tok.TokenCode)
	return f.err
}

type fakeWithdrawer struct {
	mu      sync.Mutex
	calls   int
	asset   string
	amount  float64
	address string
}

func (w *fakeWithdrawer) Withdraw(ctx context.Context, asset string, amount float64, address string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	w.asset, w.amount, w.address = asset, amount, address
	return "w-1", nil
}

func (w *fakeWithdrawer) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func newPipeline(t *testing.T, status model.TokenStatus) (*Pipeline, *porttest.Store, *porttest.Exchange) {
	t.Helper()
	store := porttest.NewStore()
	require.NoError(t, store.CreateToken(context.Background(), &model.TradeableToken{
		TokenCode:        "ABC",
		TokenPairs:       []string{"ABC/BUSD", "ABC/USDT"},
		TradingStartDate: t0,
		Status:           status,
	}))
	ex := porttest.NewExchange()
	p := NewPipeline(PipelineDeps{
		Store:    store,
		Exchange: ex,
		Executor: testExecutor(ex),
		Seller:   &fakeSeller{},
		Settings: testSettings(),
		Now:      func() time.Time { return t0.Add(-4 * time.Minute) },
	})
	return p, store, ex
}

func tokenStatus(t *testing.T, store *porttest.Store) model.TokenStatus {
	tok, err := store.GetToken(context.Background(), "ABC")
	require.NoError(t, err)
	return tok.Status
}

func TestPipelineMovesOwnedTokens(t *testing.T) {
	p, store, _ := newPipeline(t, model.TokenPurchased)
	n, err := p.MoveOwnedToExchange(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{
		"ABC:purchased->sendingToBinance",
		"ABC:sendingToBinance->sentToBinance",
	}, store.History)
}

func TestPipelineWaitsForDeposit(t *testing.T) {
	p, store, ex := newPipeline(t, model.TokenSentToBinance)
	ctx := context.Background()

	n, err := p.CheckBalanceAvailable(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, model.TokenSentToBinance, tokenStatus(t, store))

	ex.Balances["ABC"] = 42
	n, err = p.CheckBalanceAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.TokenAvailableOnBinance, tokenStatus(t, store))
}

func TestPipelinePromotesWithinLeadTime(t *testing.T) {
	p, store, _ := newPipeline(t, model.TokenAvailableOnBinance)
	p.deps.Now = func() time.Time { return t0.Add(-6 * time.Minute) }
	n, err := p.PromoteApproaching(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	p.deps.Now = func() time.Time { return t0.Add(-5 * time.Minute) }
	n, err = p.PromoteApproaching(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.TokenReadyForTrading, tokenStatus(t, store))
}

func TestPipelineInitiateStartsOneSale(t *testing.T) {
	p, store, _ := newPipeline(t, model.TokenReadyForTrading)
	seller := &fakeSeller{}
	p.deps.Seller = seller

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Initiate(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	p.Wait()

	assert.Equal(t, []string{"ABC"}, seller.calls)
	assert.Equal(t, model.TokenInTrading, tokenStatus(t, store))
}

func TestPipelineReturnsUnstartedSaleToReady(t *testing.T) {
	p, store, _ := newPipeline(t, model.TokenReadyForTrading)
	p.deps.Seller = &fakeSeller{err: ErrNotStarted}

	n, err := p.Initiate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p.Wait()

	assert.Equal(t, model.TokenReadyForTrading, tokenStatus(t, store))
}

func TestPipelineMovesFundsBack(t *testing.T) {
	p, store, ex := newPipeline(t, model.TokenSoldOnBinance)
	ex.Balances["BUSD"] = 1000
	ex.Balances["USDT"] = 5
	ex.Prices["ETH/BUSD"] = 2000
	w := &fakeWithdrawer{}
	p.deps.Withdrawer = w
	p.s.WithdrawAddress = "0xabc"

	n, err := p.MoveFundsBack(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p.Wait()

	require.Len(t, ex.Orders, 1, "USDT below minimum notional is not converted")
	assert.Equal(t, "ETH/BUSD", ex.Orders[0].Symbol)
	assert.InDelta(t, 998, ex.Orders[0].QuoteAmount, 1e-9)

	assert.Equal(t, "ETH", w.asset)
	assert.InDelta(t, 0.499, w.amount, 1e-9)
	assert.Equal(t, "0xabc", w.address)
	assert.Equal(t, model.TokenWithdrawnFromBinance, tokenStatus(t, store))
}

func TestPipelineSkipsWithdrawalWithoutAddress(t *testing.T) {
	p, store, ex := newPipeline(t, model.TokenSoldOnBinance)
	ex.Balances["BUSD"] = 1000
	ex.Prices["ETH/BUSD"] = 2000
	w := &fakeWithdrawer{}
	p.deps.Withdrawer = w

	_, err := p.MoveFundsBack(context.Background())
	require.NoError(t, err)
	p.Wait()
	assert.Empty(t, w.asset)
	assert.Equal(t, model.TokenWithdrawnFromBinance, tokenStatus(t, store))
}

func TestPipelineWithdrawalDelayDoesNotBlockTick(t *testing.T) {
	p, store, ex := newPipeline(t, model.TokenSoldOnBinance)
	ex.Balances["BUSD"] = 1000
	ex.Prices["ETH/BUSD"] = 2000
	w := &fakeWithdrawer{}
	p.deps.Withdrawer = w
	p.s.WithdrawAddress = "0xabc"
	p.s.WithdrawDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	begin := time.Now()
	p.Tick(ctx)
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, model.TokenConvertedOnBinance, tokenStatus(t, store))

	// 其他 token 在等待期间继续推进, 同一 token 不会再起一次提现
	require.NoError(t, store.CreateToken(ctx, &model.TradeableToken{
		TokenCode:  "XYZ",
		TokenPairs: []string{"XYZ/USDT"},
		Status:     model.TokenPurchased,
	}))
	p.Tick(ctx)
	xyz, err := store.GetToken(ctx, "XYZ")
	require.NoError(t, err)
	assert.Equal(t, model.TokenSentToBinance, xyz.Status)
	assert.True(t, p.isRunning("ABC"))

	cancel()
	p.Wait()
	assert.Zero(t, w.count())
	assert.Equal(t, model.TokenConvertedOnBinance, tokenStatus(t, store))
	assert.False(t, p.isRunning("ABC"))
}

func TestPipelineResumesPendingWithdrawal(t *testing.T) {
	p, store, ex := newPipeline(t, model.TokenConvertedOnBinance)
	ex.Balances["ETH"] = 0.5
	w := &fakeWithdrawer{}
	p.deps.Withdrawer = w
	p.s.WithdrawAddress = "0xabc"

	n, err := p.MoveFundsBack(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	p.Wait()

	assert.Equal(t, 1, w.count())
	assert.InDelta(t, 0.5, w.amount, 1e-9)
	assert.Empty(t, ex.Orders)
	assert.Equal(t, model.TokenWithdrawnFromBinance, tokenStatus(t, store))
}
