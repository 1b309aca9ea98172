package monitor

import (
	"sync"
	"time"

	"pairarb/internal/domain/model"
	dsvc "pairarb/internal/domain/service"
)

type Dir int

const (
	DirSame Dir = 0
	DirUp   Dir = +1
	DirDown Dir = -1
)

type baseState struct {
	window *dsvc.PriceWindow
	last   float64
	has    bool
	dir    Dir
}

// State 每个计价币种一个滑动窗口，外加最近成交价及其方向
type State struct {
	mu sync.Mutex

	pairs model.TradingPairSet
	bases map[model.QuoteBase]*baseState
	at    time.Time
}

func NewState(pairs model.TradingPairSet, window, step time.Duration) *State {
	bases := make(map[model.QuoteBase]*baseState, len(pairs))
	for _, b := range pairs.Bases() {
		bases[b] = &baseState{window: dsvc.NewPriceWindow(window, step)}
	}
	return &State{pairs: pairs, bases: bases}
}

func (s *State) Pairs() model.TradingPairSet { return s.pairs }

// Apply 记录一笔成交，返回最近价格是否变化
func (s *State) Apply(base model.QuoteBase, t model.Trade) bool {
	if t.Price <= 0 || t.Time.IsZero() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bs := s.bases[base]
	if bs == nil {
		return false
	}
	bs.window.Push(t.Price, t.Time)
	if t.Time.After(s.at) {
		s.at = t.Time
	}

	if bs.has && bs.last == t.Price {
		return false
	}
	switch {
	case !bs.has || t.Price == bs.last:
		bs.dir = DirSame
	case t.Price > bs.last:
		bs.dir = DirUp
	default:
		bs.dir = DirDown
	}
	bs.last, bs.has = t.Price, true
	return true
}

// Quote is one base's view at the latest trade time.
type Quote struct {
	Base    model.QuoteBase
	Symbol  string
	Last    float64
	Dir     Dir
	Average float64
	HasAvg  bool
}

// Snapshot returns the bases in fixed order and the ranked valuations at the
// latest observed trade time.
func (s *State) Snapshot(refs dsvc.ReferencePrices) ([]Quote, []model.Valuation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quotes := make([]Quote, 0, len(s.bases))
	windows := make(map[model.QuoteBase]dsvc.Averager, len(s.bases))
	for _, b := range s.pairs.Bases() {
		bs := s.bases[b]
		q := Quote{Base: b, Symbol: s.pairs[b], Last: bs.last, Dir: bs.dir}
		if bs.has {
			q.Average, q.HasAvg = bs.window.Average(s.at)
		}
		quotes = append(quotes, q)
		windows[b] = bs.window
	}
	if s.at.IsZero() {
		return quotes, nil
	}
	return quotes, dsvc.Rank(dsvc.BucketValues(windows, refs, s.at))
}
