package arbitrage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"pairarb/internal/application/port"
	"pairarb/internal/domain/model"
)

const (
	DefaultLeadTime     = time.Minute
	DefaultPollInterval = 10 * time.Second
)

// Runner executes one opportunity until it settles.
type Runner interface {
	Run(ctx context.Context, opp *model.Opportunity) error
}

// Closer stops the local run of a record, reporting whether one was running.
type Closer interface {
	Close(id string) bool
}

type LifecycleDeps struct {
	Store  port.OpportunityStore
	Runner Runner
	// Closes and Closer are optional; together they serve operator close requests.
	Closes       port.CloseRequests
	Closer       Closer
	LeadTime     time.Duration
	PollInterval time.Duration
	Now          func() time.Time
}

// Lifecycle moves opportunities from waiting to ready to in-arbitrage and hands
// each one to the runner exactly once.
type Lifecycle struct {
	deps LifecycleDeps

	mu      sync.Mutex
	running map[string]struct{}
	wg      conc.WaitGroup
}

func NewLifecycle(deps LifecycleDeps) *Lifecycle {
	if deps.LeadTime <= 0 {
		deps.LeadTime = DefaultLeadTime
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = DefaultPollInterval
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Lifecycle{deps: deps, running: map[string]struct{}{}}
}

// PromoteApproaching marks waiting opportunities whose start is within the lead time as ready.
func (l *Lifecycle) PromoteApproaching(ctx context.Context) (int, error) {
	recs, err := l.deps.Store.ListOpportunitiesByState(ctx, model.StateWaitingForArbitrage)
	if err != nil {
		return 0, err
	}
	now := l.deps.Now()
	promoted := 0
	for _, o := range recs {
		if !o.Approaching(now, l.deps.LeadTime) {
			continue
		}
		if _, err := l.deps.Store.TransitionOpportunity(ctx, o.ID, model.StateWaitingForArbitrage, model.StateReadyForArbitrage); err != nil {
			if errors.Is(err, port.ErrStaleState) {
				continue
			}
			return promoted, err
		}
		promoted++
		log.Info().
			Str("record", o.ID).
			Str("token", o.TokenCode).
			Time("start", o.TradingStartDate).
			Msg("opportunity ready for arbitrage")
	}
	return promoted, nil
}

// Initiate claims every ready opportunity and starts its run. The store transition
// acts as the compare-and-set; the record is re-read and only run when it is
// still inArbitrage.
func (l *Lifecycle) Initiate(ctx context.Context) (int, error) {
	recs, err := l.deps.Store.ListOpportunitiesByState(ctx, model.StateReadyForArbitrage)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, o := range recs {
		if err := o.Pairs().Validate(); err != nil {
			log.Warn().Err(err).Str("record", o.ID).Strs("pairs", o.TokenPairs).Msg("opportunity has no tradable pair")
			continue
		}
		if l.isRunning(o.ID) {
			continue
		}
		if _, err := l.deps.Store.TransitionOpportunity(ctx, o.ID, model.StateReadyForArbitrage, model.StateInArbitrage); err != nil {
			if errors.Is(err, port.ErrStaleState) {
				log.Debug().Str("record", o.ID).Msg("opportunity already claimed")
				continue
			}
			return started, err
		}
		cur, err := l.deps.Store.GetOpportunity(ctx, o.ID)
		if err != nil {
			return started, err
		}
		if cur.State != model.StateInArbitrage || !l.claim(cur.ID) {
			continue
		}
		started++
		l.wg.Go(func() {
			defer l.release(cur.ID)
			l.execute(ctx, cur)
		})
	}
	return started, nil
}

func (l *Lifecycle) execute(ctx context.Context, opp *model.Opportunity) {
	err := l.deps.Runner.Run(ctx, opp)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotStarted):
		log.Warn().Err(err).Str("record", opp.ID).Msg("run did not start, returning to ready")
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, terr := l.deps.Store.TransitionOpportunity(rctx, opp.ID, model.StateInArbitrage, model.StateReadyForArbitrage); terr != nil {
			log.Error().Err(terr).Str("record", opp.ID).Msg("recovery transition failed")
		}
	default:
		log.Error().Err(err).Str("record", opp.ID).Msg("arbitrage run failed")
	}
}

func (l *Lifecycle) isRunning(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.running[id]
	return ok
}

func (l *Lifecycle) claim(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.running[id]; ok {
		return false
	}
	l.running[id] = struct{}{}
	return true
}

func (l *Lifecycle) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, id)
}

// ServeCloses closes the local runs that an operator asked to stop. A request
// for a record that is no longer inArbitrage is dropped; one for a record running
// in another process stays pending for that process.
func (l *Lifecycle) ServeCloses(ctx context.Context) (int, error) {
	if l.deps.Closes == nil {
		return 0, nil
	}
	ids, err := l.deps.Closes.PendingCloses(ctx)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, id := range ids {
		if l.deps.Closer != nil && l.deps.Closer.Close(id) {
			closed++
			log.Info().Str("record", id).Msg("close requested by operator")
			if err := l.deps.Closes.AckClose(ctx, id); err != nil {
				return closed, err
			}
			continue
		}
		o, err := l.deps.Store.GetOpportunity(ctx, id)
		switch {
		case errors.Is(err, port.ErrNotFound):
		case err != nil:
			return closed, err
		case o.State == model.StateInArbitrage:
			continue
		}
		log.Warn().Str("record", id).Msg("close request for a record that is not running, dropped")
		if err := l.deps.Closes.AckClose(ctx, id); err != nil {
			return closed, err
		}
	}
	return closed, nil
}

// Tick runs one close + promote + initiate pass.
func (l *Lifecycle) Tick(ctx context.Context) {
	if _, err := l.ServeCloses(ctx); err != nil {
		log.Error().Err(err).Msg("serve close requests failed")
	}
	if _, err := l.PromoteApproaching(ctx); err != nil {
		log.Error().Err(err).Msg("promote opportunities failed")
	}
	if _, err := l.Initiate(ctx); err != nil {
		log.Error().Err(err).Msg("initiate opportunities failed")
	}
}

// Run polls until ctx ends, then waits for active runs to drain.
func (l *Lifecycle) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.deps.PollInterval)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Wait blocks until every started run has returned.
func (l *Lifecycle) Wait() { l.wg.Wait() }
