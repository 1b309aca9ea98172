package porttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pairarb/internal/application/port"
	"pairarb/internal/domain/model"
)

// Store keeps opportunities and tokens in memory with compare-and-set transitions.
type Store struct {
	mu     sync.Mutex
	opps   map[string]model.Opportunity
	tokens map[string]model.TradeableToken
	closes []string
	// History records every applied transition as "id:from->to".
	History []string
}

func NewStore() *Store {
	return &Store{opps: map[string]model.Opportunity{}, tokens: map[string]model.TradeableToken{}}
}

func (s *Store) CreateOpportunity(ctx context.Context, o *model.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opps[o.ID] = *o
	return nil
}

func (s *Store) GetOpportunity(ctx context.Context, id string) (*model.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.opps[id]
	if !ok {
		return nil, port.ErrNotFound
	}
	return &o, nil
}

func (s *Store) ListOpportunitiesByState(ctx context.Context, state model.OpportunityState) ([]*model.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Opportunity
	for _, o := range s.opps {
		if o.State == state {
			o := o
			out = append(out, &o)
		}
	}
	return out, nil
}

func (s *Store) TransitionOpportunity(ctx context.Context, id string, from, to model.OpportunityState) (*model.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.opps[id]
	if !ok {
		return nil, port.ErrNotFound
	}
	if o.State != from {
		return nil, port.ErrStaleState
	}
	o.State = to
	o.UpdatedAt = time.Now()
	s.opps[id] = o
	s.History = append(s.History, fmt.Sprintf("%s:%s->%s", id, from, to))
	return &o, nil
}

func (s *Store) CreateToken(ctx context.Context, t *model.TradeableToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.TokenCode] = *t
	return nil
}

func (s *Store) GetToken(ctx context.Context, code string) (*model.TradeableToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[code]
	if !ok {
		return nil, port.ErrNotFound
	}
	return &t, nil
}

func (s *Store) ListTokensByStatus(ctx context.Context, status model.TokenStatus) ([]*model.TradeableToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TradeableToken
	for _, t := range s.tokens {
		if t.Status == status {
			t := t
			out = append(out, &t)
		}
	}
	return out, nil
}

func (s *Store) TransitionToken(ctx context.Context, code string, from, to model.TokenStatus) (*model.TradeableToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[code]
	if !ok {
		return nil, port.ErrNotFound
	}
	if t.Status != from {
		return nil, port.ErrStaleState
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	s.tokens[code] = t
	s.History = append(s.History, fmt.Sprintf("%s:%s->%s", code, from, to))
	return &t, nil
}

func (s *Store) RequestClose(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.opps[id]; !ok {
		return port.ErrNotFound
	}
	for _, c := range s.closes {
		if c == id {
			return nil
		}
	}
	s.closes = append(s.closes, id)
	return nil
}

func (s *Store) PendingCloses(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.closes...), nil
}

func (s *Store) AckClose(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.closes {
		if c == id {
			s.closes = append(s.closes[:i], s.closes[i+1:]...)
			break
		}
	}
	return nil
}

var (
	_ port.CloseRequests    = (*Store)(nil)
	_ port.OpportunityStore = (*Store)(nil)
	_ port.TokenStore       = (*Store)(nil)
)
