package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"pairarb/internal/application/port"
	"pairarb/internal/domain/model"
	dsvc "pairarb/internal/domain/service"
)

// Exchange is the read-only part of the exchange the monitor needs.
type Exchange interface {
	port.TradeSubscriber
	port.TickerReader
}

type ServiceDeps struct {
	Exchange         Exchange
	Pairs            []string
	Reference        model.QuoteBase
	Window           time.Duration
	WindowStep       time.Duration
	MissThreshold    float64
	PrintEvery       time.Duration
	ResubscribeDelay time.Duration
	Sink             port.Sink
}

type update struct {
	base  model.QuoteBase
	trade model.Trade
}

// Service 只读监控: 订阅成交流，渲染各计价币种的滚动均价与价差，不下单
type Service struct {
	deps ServiceDeps
	st   *State
	fmt  *Formatter
	refs dsvc.ReferencePrices
}

func NewService(deps ServiceDeps) *Service {
	if deps.Window <= 0 {
		deps.Window = dsvc.DefaultWindowDuration
	}
	if deps.WindowStep <= 0 {
		deps.WindowStep = dsvc.DefaultWindowStep
	}
	if deps.PrintEvery <= 0 {
		deps.PrintEvery = time.Minute
	}
	if deps.ResubscribeDelay <= 0 {
		deps.ResubscribeDelay = time.Second
	}
	if deps.Reference == "" {
		deps.Reference = model.QuoteBUSD
	}
	pairs := model.ExtractTradingPairs(deps.Pairs)
	return &Service{
		deps: deps,
		st:   NewState(pairs, deps.Window, deps.WindowStep),
		fmt:  NewFormatter(deps.MissThreshold),
		refs: dsvc.ReferencePrices{},
	}
}

func (s *Service) loadReferences(ctx context.Context) {
	for _, base := range s.st.Pairs().Bases() {
		if base.IsStable() {
			continue
		}
		symbol := model.Pair(base.Asset(), s.deps.Reference.Asset())
		t, err := s.deps.Exchange.FetchTicker(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Str("pair", symbol).Msg("reference price unavailable, base not valued")
			continue
		}
		s.refs[base] = t.Ask
	}
}

func (s *Service) render(mode RenderMode) string {
	quotes, values := s.st.Snapshot(s.refs)
	return s.fmt.Render(quotes, values, mode)
}

func (s *Service) Run(ctx context.Context) error {
	pairs := s.st.Pairs()
	if err := pairs.Validate(); err != nil {
		return err
	}
	if s.deps.Exchange == nil {
		return errors.New("no exchange")
	}
	s.loadReferences(ctx)

	merged := make(chan update, 1024)
	var wg conc.WaitGroup
	defer wg.Wait()
	for _, base := range pairs.Bases() {
		wg.Go(func() { s.feed(ctx, base, merged) })
		log.Info().Str("pair", pairs[base]).Msg("feed started")
	}

	snapTicker := time.NewTicker(s.deps.PrintEvery)
	defer snapTicker.Stop()

	_ = s.deps.Sink.WriteLive(s.render(RenderLive))
	for {
		select {
		case <-ctx.Done():
			_ = s.deps.Sink.NewLine()
			return ctx.Err()

		case now := <-snapTicker.C:
			_ = s.deps.Sink.WriteSnapshot(now, s.render(RenderSnapshot))

		case u := <-merged:
			if s.st.Apply(u.base, u.trade) {
				_ = s.deps.Sink.WriteLive(s.render(RenderLive))
			}
		}
	}
}

// feed pumps one pair's trades into out, resubscribing after stream errors.
func (s *Service) feed(ctx context.Context, base model.QuoteBase, out chan<- update) {
	symbol := s.st.Pairs()[base]
	for ctx.Err() == nil {
		stream, err := s.deps.Exchange.SubscribeTrades(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Str("pair", symbol).Msg("subscribe failed")
			if !sleep(ctx, s.deps.ResubscribeDelay) {
				return
			}
			continue
		}
		s.pump(ctx, base, stream, out)
		_ = stream.Close()
	}
}

func (s *Service) pump(ctx context.Context, base model.QuoteBase, stream port.TradeStream, out chan<- update) {
	for {
		trades, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("pair", s.st.Pairs()[base]).Msg("trade stream failed, resubscribing")
			}
			return
		}
		for _, t := range trades {
			select {
			case out <- update{base: base, trade: t}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
