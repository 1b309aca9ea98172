package selling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"pairarb/internal/application/port"
	"pairarb/internal/application/service"
	"pairarb/internal/domain/model"
)

// TokenSeller sells one token in inTrading.
type TokenSeller interface {
	Sell(ctx context.Context, tok *model.TradeableToken) error
}

type PipelineDeps struct {
	Store    port.TokenStore
	Exchange port.Exchange
	Executor *service.Executor
	Seller   TokenSeller
	// Withdrawer is optional; without it converted funds stay on the exchange.
	Withdrawer port.Withdrawer
	Notifier   port.Notifier
	Settings   Settings
	Now        func() time.Time
}

// Pipeline walks purchased tokens through the exchange: deposit, availability,
// trading start, sale and conversion back. Each step moves a token exactly one
// status forward.
type Pipeline struct {
	deps PipelineDeps
	s    Settings

	mu      sync.Mutex
	running map[string]struct{}
	wg      conc.WaitGroup
}

func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{deps: deps, s: deps.Settings, running: map[string]struct{}{}}
}

// step claims every token in from by moving it to to; tokens already claimed
// elsewhere are skipped.
func (p *Pipeline) step(ctx context.Context, tok *model.TradeableToken, from, to model.TokenStatus) (bool, error) {
	if _, err := p.deps.Store.TransitionToken(ctx, tok.TokenCode, from, to); err != nil {
		if errors.Is(err, port.ErrStaleState) {
			return false, nil
		}
		return false, err
	}
	log.Debug().Str("token", tok.TokenCode).Str("from", string(from)).Str("to", string(to)).Msg("token status changed")
	return true, nil
}

// MoveOwnedToExchange hands purchased tokens over for deposit. The transfer
// itself happens outside this process.
func (p *Pipeline) MoveOwnedToExchange(ctx context.Context) (int, error) {
	toks, err := p.deps.Store.ListTokensByStatus(ctx, model.TokenPurchased)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, tok := range toks {
		ok, err := p.step(ctx, tok, model.TokenPurchased, model.TokenSendingToBinance)
		if err != nil {
			return moved, err
		}
		if !ok {
			continue
		}
		log.Info().Str("token", tok.TokenCode).Msg("tokens will be deposited to the exchange manually")
		if _, err := p.step(ctx, tok, model.TokenSendingToBinance, model.TokenSentToBinance); err != nil {
			log.Error().Err(err).Str("token", tok.TokenCode).Msg("transfer hand-off failed, reverting to purchased")
			if _, rerr := p.step(ctx, tok, model.TokenSendingToBinance, model.TokenPurchased); rerr != nil {
				log.Error().Err(rerr).Str("token", tok.TokenCode).Msg("revert failed")
			}
			continue
		}
		moved++
		p.notify(ctx, tok, "awaiting deposit on exchange")
	}
	return moved, nil
}

// CheckBalanceAvailable marks deposited tokens available once the exchange shows a free balance.
func (p *Pipeline) CheckBalanceAvailable(ctx context.Context) (int, error) {
	toks, err := p.deps.Store.ListTokensByStatus(ctx, model.TokenSentToBinance)
	if err != nil || len(toks) == 0 {
		return 0, err
	}
	bal, err := p.deps.Exchange.FetchBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch balance: %w", err)
	}
	n := 0
	for _, tok := range toks {
		free := bal.FreeOf(tok.TokenCode)
		if free <= 0 {
			log.Debug().Str("token", tok.TokenCode).Msg("waiting for deposit")
			continue
		}
		ok, err := p.step(ctx, tok, model.TokenSentToBinance, model.TokenAvailableOnBinance)
		if err != nil {
			return n, err
		}
		if ok {
			n++
			log.Info().Str("token", tok.TokenCode).Float64("free", free).Msg("balance detected on exchange")
		}
	}
	return n, nil
}

// PromoteApproaching marks available tokens ready once trading starts within the lead time.
func (p *Pipeline) PromoteApproaching(ctx context.Context) (int, error) {
	toks, err := p.deps.Store.ListTokensByStatus(ctx, model.TokenAvailableOnBinance)
	if err != nil {
		return 0, err
	}
	now := p.deps.Now()
	n := 0
	for _, tok := range toks {
		if !tok.Approaching(now, p.s.LeadTime) {
			continue
		}
		ok, err := p.step(ctx, tok, model.TokenAvailableOnBinance, model.TokenReadyForTrading)
		if err != nil {
			return n, err
		}
		if ok {
			n++
			log.Info().Str("token", tok.TokenCode).Time("start", tok.TradingStartDate).Msg("trading starts soon, ready for trading")
		}
	}
	return n, nil
}

// Initiate claims ready tokens and starts a sale for each.
func (p *Pipeline) Initiate(ctx context.Context) (int, error) {
	toks, err := p.deps.Store.ListTokensByStatus(ctx, model.TokenReadyForTrading)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, tok := range toks {
		if err := tok.Pairs().Validate(); err != nil {
			log.Warn().Err(err).Str("token", tok.TokenCode).Strs("pairs", tok.TokenPairs).Msg("token has no tradable pair")
			continue
		}
		if p.isRunning(tok.TokenCode) {
			continue
		}
		ok, err := p.step(ctx, tok, model.TokenReadyForTrading, model.TokenInTrading)
		if err != nil {
			return started, err
		}
		if !ok {
			continue
		}
		cur, err := p.deps.Store.GetToken(ctx, tok.TokenCode)
		if err != nil {
			return started, err
		}
		if cur.Status != model.TokenInTrading || !p.claim(cur.TokenCode) {
			continue
		}
		started++
		p.wg.Go(func() {
			defer p.release(cur.TokenCode)
			p.sell(ctx, cur)
		})
	}
	return started, nil
}

func (p *Pipeline) sell(ctx context.Context, tok *model.TradeableToken) {
	err := p.deps.Seller.Sell(ctx, tok)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotStarted):
		log.Warn().Err(err).Str("token", tok.TokenCode).Msg("sale did not start, returning to ready")
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, rerr := p.step(rctx, tok, model.TokenInTrading, model.TokenReadyForTrading); rerr != nil {
			log.Error().Err(rerr).Str("token", tok.TokenCode).Msg("recovery transition failed")
		}
	default:
		log.Error().Err(err).Str("token", tok.TokenCode).Msg("sale failed")
	}
}

// MoveFundsBack converts the stable proceeds of sold tokens into the conversion
// asset, then starts the delayed withdrawal of every converted token in the
// background.
func (p *Pipeline) MoveFundsBack(ctx context.Context) (int, error) {
	toks, err := p.deps.Store.ListTokensByStatus(ctx, model.TokenSoldOnBinance)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, tok := range toks {
		ok, err := p.step(ctx, tok, model.TokenSoldOnBinance, model.TokenConvertingOnBinance)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		p.convert(ctx, tok)
		if _, err := p.step(ctx, tok, model.TokenConvertingOnBinance, model.TokenConvertedOnBinance); err != nil {
			return n, err
		}
		n++
	}
	return n, p.startWithdrawals(ctx)
}

// startWithdrawals 每个 convertedOnBinance token 只起一个 goroutine, 重启后也会接上
func (p *Pipeline) startWithdrawals(ctx context.Context) error {
	toks, err := p.deps.Store.ListTokensByStatus(ctx, model.TokenConvertedOnBinance)
	if err != nil {
		return err
	}
	for _, tok := range toks {
		if !p.claim(tok.TokenCode) {
			continue
		}
		p.wg.Go(func() {
			defer p.release(tok.TokenCode)
			if !p.withdraw(ctx, tok) {
				return
			}
			if _, err := p.step(ctx, tok, model.TokenConvertedOnBinance, model.TokenWithdrawnFromBinance); err != nil {
				log.Error().Err(err).Str("token", tok.TokenCode).Msg("withdrawn transition failed")
			}
		})
	}
	return nil
}

// convert buys the conversion asset with ConversionShare of every stable balance.
// Failures are logged per stable.
func (p *Pipeline) convert(ctx context.Context, tok *model.TradeableToken) {
	bal, err := p.deps.Exchange.FetchBalance(ctx)
	if err != nil {
		log.Error().Err(err).Str("token", tok.TokenCode).Msg("fetch balance for conversion failed")
		return
	}
	x := p.deps.Executor
	for _, stable := range []model.QuoteBase{model.QuoteBUSD, model.QuoteUSDT} {
		symbol := model.Pair(p.s.ConversionAsset.Asset(), stable.Asset())
		spend := bal.FreeOf(stable.Asset()) * p.s.ConversionShare
		if spend < x.MinNotional() {
			log.Debug().Str("pair", symbol).Float64("spend", spend).Msg("not enough to convert")
			continue
		}
		if _, err := x.Buy(ctx, symbol, spend); err != nil {
			log.Error().Err(err).Str("token", tok.TokenCode).Str("pair", symbol).Msg("conversion failed")
		}
	}
}

// withdraw reports false only when ctx ended during the delay; the token then
// stays converted and is picked up again on the next run.
func (p *Pipeline) withdraw(ctx context.Context, tok *model.TradeableToken) bool {
	if p.deps.Withdrawer == nil || p.s.WithdrawAddress == "" {
		return true
	}
	asset := p.s.ConversionAsset.Asset()
	log.Info().Str("token", tok.TokenCode).Dur("delay", p.s.WithdrawDelay).Msg("waiting before withdrawal")
	if !sleepCtx(ctx, p.s.WithdrawDelay) {
		return false
	}
	bal, err := p.deps.Exchange.FetchBalance(ctx)
	if err != nil {
		log.Error().Err(err).Msg("fetch balance for withdrawal failed")
		return true
	}
	amount := bal.FreeOf(asset)
	if amount <= 0 {
		log.Warn().Str("asset", asset).Msg("nothing to withdraw")
		return true
	}
	id, err := p.deps.Withdrawer.Withdraw(ctx, asset, amount, p.s.WithdrawAddress)
	if err != nil {
		log.Error().Err(err).Str("asset", asset).Float64("amount", amount).Msg("withdrawal failed")
		return true
	}
	log.Info().Str("asset", asset).Float64("amount", amount).Str("withdrawal", id).Msg("withdrawal submitted")
	return true
}

func (p *Pipeline) notify(ctx context.Context, tok *model.TradeableToken, msg string) {
	if p.deps.Notifier == nil {
		return
	}
	n := port.Notification{TokenCode: tok.TokenCode, ReferenceID: tok.TokenCode, Message: msg}
	if err := p.deps.Notifier.NotifyPurchase(ctx, n); err != nil {
		log.Warn().Err(err).Str("token", tok.TokenCode).Msg("notification failed")
	}
}

func (p *Pipeline) isRunning(code string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[code]
	return ok
}

func (p *Pipeline) claim(code string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.running[code]; ok {
		return false
	}
	p.running[code] = struct{}{}
	return true
}

func (p *Pipeline) release(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, code)
}

// Tick runs every step once, in pipeline order.
func (p *Pipeline) Tick(ctx context.Context) {
	steps := []struct {
		name string
		fn   func(context.Context) (int, error)
	}{
		{"move owned", p.MoveOwnedToExchange},
		{"check balance", p.CheckBalanceAvailable},
		{"promote", p.PromoteApproaching},
		{"initiate", p.Initiate},
		{"move funds back", p.MoveFundsBack},
	}
	for _, st := range steps {
		if _, err := st.fn(ctx); err != nil {
			log.Error().Err(err).Str("step", st.name).Msg("selling step failed")
		}
	}
}

// Run polls until ctx ends, then waits for active sales and withdrawals to drain.
func (p *Pipeline) Run(ctx context.Context) error {
	interval := p.s.PollInterval
	if interval <= 0 {
		interval = DefaultSettings().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

func (p *Pipeline) Wait() { p.wg.Wait() }
