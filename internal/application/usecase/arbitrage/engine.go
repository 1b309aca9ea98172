package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
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
	ErrNotStarted     = errors.New("run failed before trading")
	ErrAlreadyRunning = errors.New("run already active for record")
)

type triggerKind int

const (
	triggerInitialBuy triggerKind = iota + 1
	triggerFirstBucket
	triggerBucket
	triggerClose
)

type trigger struct {
	kind triggerKind
	at   time.Time
	pair string
}

type run struct {
	id       string
	opp      *model.Opportunity
	token    string
	pairs    model.TradingPairSet
	windows  map[model.QuoteBase]*dsvc.PriceWindow
	refs     dsvc.ReferencePrices
	state    *executionState
	triggers chan trigger
	log      zerolog.Logger

	// coordinator only
	reason       string
	ordersPlaced bool
}

func (r *run) averagers() map[model.QuoteBase]dsvc.Averager {
	out := make(map[model.QuoteBase]dsvc.Averager, len(r.windows))
	for b, w := range r.windows {
		out[b] = w
	}
	return out
}

func (r *run) send(ctx context.Context, t trigger) {
	select {
	case r.triggers <- t:
	case <-ctx.Done():
	}
}

type EngineDeps struct {
	Exchange port.Exchange
	Executor *service.Executor
	Store    port.OpportunityStore
	Journal  port.DecisionJournal
	Notifier port.Notifier
	Metrics  port.Metrics
	Settings Settings
}

// Engine runs the rebalancing loop of one opportunity at a time per record:
// one watcher per quote pair feeds the price windows, and a single coordinator
// executes at most one decision per bucket.
type Engine struct {
	deps EngineDeps
	s    Settings

	mu   sync.Mutex
	runs map[string]*run
}

func NewEngine(deps EngineDeps) *Engine {
	if deps.Metrics == nil {
		deps.Metrics = port.NopMetrics{}
	}
	return &Engine{deps: deps, s: deps.Settings, runs: map[string]*run{}}
}

// Close asks the run of the record to stop: it skips any further ranked swap and
// converts everything back to the reference stable.
func (e *Engine) Close(id string) bool {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	r.state.sellLock.Store(true)
	select {
	case r.triggers <- trigger{kind: triggerClose}:
	default:
	}
	return true
}

func (e *Engine) Active(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[id]
	return ok
}

func (e *Engine) register(r *run) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.runs[r.opp.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, r.opp.ID)
	}
	e.runs[r.opp.ID] = r
	return nil
}

func (e *Engine) unregister(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, r.opp.ID)
}

func (e *Engine) newRun(opp *model.Opportunity, pairs model.TradingPairSet) *run {
	r := &run{
		id:       uuid.NewString(),
		opp:      opp,
		token:    strings.ToUpper(opp.TokenCode),
		pairs:    pairs,
		windows:  make(map[model.QuoteBase]*dsvc.PriceWindow, len(pairs)),
		state:    newExecutionState(),
		triggers: make(chan trigger, 8),
	}
	for _, b := range pairs.Bases() {
		r.windows[b] = dsvc.NewPriceWindow(e.s.Window, e.s.WindowStep)
	}
	r.log = log.With().Str("record", opp.ID).Str("token", r.token).Str("run", r.id).Logger()
	return r
}

// Run trades the opportunity until the run is closed, aborted or ctx ends. The
// record always leaves inArbitrage unless the returned error wraps ErrNotStarted.
func (e *Engine) Run(ctx context.Context, opp *model.Opportunity) error {
	pairs := opp.Pairs()
	if err := pairs.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotStarted, err)
	}
	r := e.newRun(opp, pairs)
	if err := e.register(r); err != nil {
		return err
	}
	defer e.unregister(r)

	r.log.Info().Strs("pairs", pairs.Symbols()).Msg("arbitrage run starting")
	if err := e.prepare(ctx, r); err != nil {
		if !r.ordersPlaced {
			return fmt.Errorf("%w: %v", ErrNotStarted, err)
		}
		r.log.Error().Err(err).Msg("prepare failed")
		return errors.Join(err, e.closeRun(r, "prepare failed"))
	}

	watchCtx, cancel := context.WithCancel(ctx)
	var wg conc.WaitGroup
	for _, base := range pairs.Bases() {
		base := base
		wg.Go(func() { e.watch(watchCtx, r, base) })
	}
	err := e.coordinate(ctx, r)
	cancel()
	wg.Wait()
	r.log.Info().Str("reason", r.reason).Msg("arbitrage run finished")
	return err
}

// prepare consolidates every quote base into the reference stable and spreads it
// evenly back over the pairs.
func (e *Engine) prepare(ctx context.Context, r *run) error {
	ex := e.deps.Exchange
	if err := ex.LoadMarkets(ctx, false); err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	refs, err := e.referencePrices(ctx, r.pairs)
	if err != nil {
		return err
	}
	r.refs = refs
	bal, err := ex.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}

	r.ordersPlaced = true
	bases := r.pairs.Bases()
	if err := e.deps.Executor.ConvertAll(ctx, bases, e.s.Reference, bal, refs); err != nil {
		r.log.Warn().Err(err).Msg("consolidation incomplete")
	}
	if bal, err = ex.FetchBalance(ctx); err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	if err := e.deps.Executor.SpreadOut(ctx, e.s.Reference, bases, bal, refs); err != nil {
		return fmt.Errorf("spread out: %w", err)
	}
	return e.refreshBalances(ctx, r)
}

// referencePrices reads the ask of every crypto base against the reference stable.
func (e *Engine) referencePrices(ctx context.Context, pairs model.TradingPairSet) (dsvc.ReferencePrices, error) {
	refs := dsvc.ReferencePrices{}
	for _, base := range model.QuoteBases {
		if base.IsStable() {
			continue
		}
		symbol := model.Pair(base.Asset(), e.s.Reference.Asset())
		t, err := e.deps.Exchange.FetchTicker(ctx, symbol)
		if err != nil {
			if _, needed := pairs[base]; needed {
				return nil, fmt.Errorf("reference price %s: %w", symbol, err)
			}
			log.Warn().Err(err).Str("pair", symbol).Msg("reference price unavailable")
			continue
		}
		refs[base] = t.Ask
	}
	return refs, nil
}

func (e *Engine) refreshBalances(ctx context.Context, r *run) error {
	bal, err := e.deps.Exchange.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	r.state.balances = bal
	return nil
}

// watch owns the trade stream of one pair and resubscribes after stream errors.
func (e *Engine) watch(ctx context.Context, r *run, base model.QuoteBase) {
	symbol := r.pairs[base]
	logger := r.log.With().Str("pair", symbol).Logger()

	var stream port.TradeStream
	defer func() {
		if stream != nil {
			_ = stream.Close()
		}
	}()

	for ctx.Err() == nil && !r.state.sellLock.Load() {
		if stream == nil {
			s, err := e.deps.Exchange.SubscribeTrades(ctx, symbol)
			if err != nil {
				logger.Warn().Err(err).Msg("trade subscription failed")
				if !sleepCtx(ctx, e.s.ResubscribeDelay) {
					return
				}
				continue
			}
			stream = s
		}

		trades, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("trade stream failed, resubscribing")
			_ = stream.Close()
			stream = nil
			continue
		}
		for _, t := range trades {
			if t.Price <= 0 || t.Time.IsZero() {
				continue
			}
			r.windows[base].Push(t.Price, t.Time)
			e.observe(ctx, r, symbol, t)
		}
	}
}

// observe turns a trade into at most one trigger. Only the watcher that wins the
// lock transition sends it; everyone else drops the trade.
func (e *Engine) observe(ctx context.Context, r *run, symbol string, t model.Trade) {
	st := r.state
	if st.sellLock.Load() {
		return
	}
	if st.consumeFirstTrade() {
		st.setLock(LockInitialBuy)
		st.advanceBucket(t.Time, e.s.FirstBucketDelay)
		r.send(ctx, trigger{kind: triggerInitialBuy, at: t.Time, pair: symbol})
		return
	}
	if !st.boundaryReached(t.Time) {
		return
	}
	if st.claimBucket(LockFirst, t.Time) {
		r.send(ctx, trigger{kind: triggerFirstBucket, at: t.Time, pair: symbol})
		return
	}
	if st.claimBucket(LockNone, t.Time) {
		r.send(ctx, trigger{kind: triggerBucket, at: t.Time, pair: symbol})
	}
}

func (e *Engine) coordinate(ctx context.Context, r *run) error {
	for {
		select {
		case <-ctx.Done():
			return e.closeRun(r, "shutdown")
		case t := <-r.triggers:
			if t.kind == triggerClose || r.state.sellLock.Load() {
				return e.closeRun(r, "close requested")
			}
			var done bool
			switch t.kind {
			case triggerInitialBuy:
				e.initialBuy(ctx, r, t)
			case triggerFirstBucket:
				done = e.firstBucket(ctx, r, t)
			case triggerBucket:
				done = e.bucket(ctx, r, t)
			}
			if done || r.state.sellLock.Load() {
				reason := r.reason
				if reason == "" {
					reason = "close requested"
				}
				return e.closeRun(r, reason)
			}
		}
	}
}

func (e *Engine) initialBuy(ctx context.Context, r *run, t trigger) {
	if err := e.deps.Exchange.LoadMarkets(ctx, true); err != nil {
		r.log.Warn().Err(err).Msg("market reload failed")
	}
	bal := r.state.balances
	for _, base := range r.pairs.Bases() {
		symbol := r.pairs[base]
		amount := bal.FreeOf(base.Asset())
		if n, ok := dsvc.Notional(base, amount, r.refs); !ok || n < e.deps.Executor.MinNotional() {
			r.log.Info().Str("pair", symbol).Float64("amount", amount).Msg("initial buy below minimum notional, skipped")
			continue
		}
		res, err := e.deps.Executor.Buy(ctx, symbol, amount)
		if err != nil {
			r.log.Error().Err(err).Str("pair", symbol).Msg("initial buy failed")
			e.notifyFailure(ctx, r, symbol, err)
			continue
		}
		if o, ok := res.Order(); ok {
			e.notifyPurchase(ctx, r, o)
		}
	}
	if err := e.refreshBalances(ctx, r); err != nil {
		r.log.Warn().Err(err).Msg("balance refresh after initial buy failed")
	}
	r.state.setLock(LockFirst)
	e.record(ctx, r, model.Decision{Kind: model.DecisionInitialBuy, At: t.at})
}

// firstBucket handles the first boundary after the initial buy. It reports
// whether the run should close.
func (e *Engine) firstBucket(ctx context.Context, r *run, t trigger) bool {
	if e.s.CloseOnFirstBucket {
		r.reason = "closed at first bucket"
		e.record(ctx, r, model.Decision{Kind: model.DecisionFirstBucket, At: t.at, Note: r.reason})
		return true
	}
	values := dsvc.Rank(dsvc.BucketValues(r.averagers(), r.refs, t.at))
	if len(values) < 2 {
		e.skipBucket(r, t, "not enough priced bases")
		return false
	}
	spread := dsvc.SpreadPercent(values)
	if e.countMiss(ctx, r, t, values, spread, e.s.FirstMissThreshold) {
		return true
	}

	richest := values[0]
	symbol := r.pairs[richest.Base]
	if _, err := e.deps.Executor.Sell(ctx, symbol, r.state.balances.FreeOf(r.token)); err != nil {
		r.log.Error().Err(err).Str("pair", symbol).Msg("first bucket sell failed")
	}
	if err := e.refreshBalances(ctx, r); err != nil {
		r.log.Warn().Err(err).Msg("balance refresh failed")
	}
	e.release(r, t)
	e.record(ctx, r, model.Decision{
		Kind:          model.DecisionFirstBucket,
		Richest:       richest.Base,
		Poorest:       values[len(values)-1].Base,
		SpreadPercent: spread,
		Values:        values,
		At:            t.at,
	})
	return false
}

// bucket swaps the richest quote holding into the poorest quote, buys the token
// on the poorest pair and sells it on the richest. It reports whether the run
// should close.
func (e *Engine) bucket(ctx context.Context, r *run, t trigger) bool {
	values := dsvc.Rank(dsvc.BucketValues(r.averagers(), r.refs, t.at))
	if len(values) < 2 {
		e.skipBucket(r, t, "not enough priced bases")
		return false
	}
	spread := dsvc.SpreadPercent(values)
	if e.countMiss(ctx, r, t, values, spread, e.s.MissThreshold) {
		return true
	}
	if err := e.refreshBalances(ctx, r); err != nil {
		r.log.Warn().Err(err).Msg("balance refresh failed, bucket skipped")
		e.release(r, t)
		return false
	}

	richest, poorest := values[0], values[len(values)-1]
	richPair, poorPair := r.pairs[richest.Base], r.pairs[poorest.Base]
	x := e.deps.Executor

	amount := r.state.balances.FreeOf(richest.Base.Asset())
	if _, err := x.Swap(ctx, richest.Base, poorest.Base, amount, r.refs); err != nil {
		r.log.Error().Err(err).
			Str("from", string(richest.Base)).
			Str("to", string(poorest.Base)).
			Msg("swap failed")
	}
	if err := e.refreshBalances(ctx, r); err != nil {
		r.log.Warn().Err(err).Msg("balance refresh failed")
	}
	if _, err := x.Buy(ctx, poorPair, r.state.balances.FreeOf(poorest.Base.Asset())); err != nil {
		r.log.Error().Err(err).Str("pair", poorPair).Msg("buy failed")
	}
	if err := e.refreshBalances(ctx, r); err != nil {
		r.log.Warn().Err(err).Msg("balance refresh failed")
	}
	if _, err := x.Sell(ctx, richPair, r.state.balances.FreeOf(r.token)); err != nil {
		r.log.Error().Err(err).Str("pair", richPair).Msg("sell failed")
	}

	e.release(r, t)
	e.record(ctx, r, model.Decision{
		Kind:          model.DecisionBucket,
		Richest:       richest.Base,
		Poorest:       poorest.Base,
		SpreadPercent: spread,
		Values:        values,
		At:            t.at,
	})
	return false
}

// countMiss records a miss below the threshold and reports whether the miss
// budget is exhausted, in which case the run is locked for closing.
func (e *Engine) countMiss(ctx context.Context, r *run, t trigger, values []model.Valuation, spread, threshold float64) bool {
	if dsvc.IsMiss(spread, threshold) {
		r.state.misses++
		r.log.Debug().Float64("spread", spread).Int("misses", r.state.misses).Msg("bucket miss")
		e.record(ctx, r, model.Decision{Kind: model.DecisionMiss, SpreadPercent: spread, Values: values, At: t.at})
	}
	if r.state.misses > e.s.MaxMisses {
		r.state.sellLock.Store(true)
		r.reason = fmt.Sprintf("%d misses", r.state.misses)
		e.record(ctx, r, model.Decision{Kind: model.DecisionAbort, SpreadPercent: spread, At: t.at, Note: r.reason})
		return true
	}
	return false
}

func (e *Engine) release(r *run, t trigger) {
	r.state.advanceBucket(t.at, e.s.BucketInterval)
	r.state.setLock(LockNone)
}

func (e *Engine) skipBucket(r *run, t trigger, why string) {
	r.log.Debug().Str("pair", t.pair).Str("why", why).Msg("bucket skipped")
	e.release(r, t)
}

// closeRun sells any token still held, converts every quote base back to the
// reference stable and settles the record. It runs on its own context so that a
// cancelled parent still drains.
func (e *Engine) closeRun(r *run, reason string) error {
	r.state.sellLock.Store(true)
	r.reason = reason
	ctx, cancel := context.WithTimeout(context.Background(), e.s.CloseTimeout)
	defer cancel()

	r.log.Warn().Str("reason", reason).Msg("closing arbitrage run")
	store := e.deps.Store
	if _, err := store.TransitionOpportunity(ctx, r.opp.ID, model.StateInArbitrage, model.StateSellingInProgress); err != nil {
		r.log.Error().Err(err).Msg("mark selling failed")
	}

	if err := e.refreshBalances(ctx, r); err != nil {
		r.log.Error().Err(err).Msg("balance refresh before close failed")
	}
	if held := r.state.balances.FreeOf(r.token); held > 0 {
		values := dsvc.Rank(dsvc.BucketValues(r.averagers(), r.refs, e.latestSample(r)))
		base := r.pairs.Bases()[0]
		if len(values) > 0 {
			base = values[0].Base
		}
		if _, err := e.deps.Executor.Sell(ctx, r.pairs[base], held); err != nil {
			r.log.Error().Err(err).Str("pair", r.pairs[base]).Msg("closing sell failed")
		}
		if err := e.refreshBalances(ctx, r); err != nil {
			r.log.Error().Err(err).Msg("balance refresh before conversion failed")
		}
	}
	if err := e.deps.Executor.ConvertAll(ctx, r.pairs.Bases(), e.s.Reference, r.state.balances, r.refs); err != nil {
		r.log.Error().Err(err).Msg("conversion back to reference incomplete")
	}

	e.record(ctx, r, model.Decision{Kind: model.DecisionClose, At: time.Now(), Note: reason})
	if _, err := store.TransitionOpportunity(ctx, r.opp.ID, model.StateSellingInProgress, model.StateSoldOnBinance); err != nil {
		return fmt.Errorf("settle %s: %w", r.opp.ID, err)
	}
	return nil
}

// latestSample approximates the run's exchange clock by the current bucket end.
func (e *Engine) latestSample(r *run) time.Time {
	end := r.state.bucketEnd.Load()
	if end == maxBucketEnd {
		return time.Now()
	}
	return time.UnixMilli(end)
}

func (e *Engine) record(ctx context.Context, r *run, d model.Decision) {
	d.RunID = r.id
	d.RecordID = r.opp.ID
	d.TokenCode = r.token
	d.Misses = r.state.misses
	e.deps.Metrics.DecisionRecorded(ctx, d.Kind)
	if e.deps.Journal == nil {
		return
	}
	if err := e.deps.Journal.RecordDecision(ctx, d); err != nil {
		r.log.Warn().Err(err).Str("kind", string(d.Kind)).Msg("journal write failed")
	}
}

func (e *Engine) notifyPurchase(ctx context.Context, r *run, o model.Order) {
	if e.deps.Notifier == nil {
		return
	}
	n := port.Notification{TokenCode: r.token, ReferenceID: r.opp.ID, Message: "bought on " + o.Symbol}
	if err := e.deps.Notifier.NotifyPurchase(ctx, n); err != nil {
		r.log.Warn().Err(err).Msg("purchase notification failed")
	}
}

func (e *Engine) notifyFailure(ctx context.Context, r *run, symbol string, cause error) {
	if e.deps.Notifier == nil {
		return
	}
	n := port.Notification{TokenCode: r.token, ReferenceID: r.opp.ID, Message: "purchase failed on " + symbol}
	if err := e.deps.Notifier.NotifyFailure(ctx, n, cause); err != nil {
		r.log.Warn().Err(err).Msg("failure notification failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
