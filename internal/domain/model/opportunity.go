package model

import (
	"errors"
	"time"
)

type OpportunityState string

const (
	StateWaitingForArbitrage OpportunityState = "waitingForArbitrage"
	StateReadyForArbitrage   OpportunityState = "readyForArbitrage"
	StateInArbitrage         OpportunityState = "inArbitrage"
	StateSellingInProgress   OpportunityState = "sellingInProgress"
	StateSoldOnBinance       OpportunityState = "soldOnBinance"
)

var ErrInvalidTransition = errors.New("invalid state transition")

var opportunityTransitions = map[OpportunityState][]OpportunityState{
	StateWaitingForArbitrage: {StateReadyForArbitrage},
	// readyForArbitrage is the recovery target when a run fails before any order.
	StateInArbitrage:       {StateSellingInProgress, StateReadyForArbitrage},
	StateReadyForArbitrage: {StateInArbitrage},
	StateSellingInProgress: {StateSoldOnBinance},
}

// CanTransition reports whether from -> to is an allowed opportunity transition.
func (s OpportunityState) CanTransition(to OpportunityState) bool {
	for _, next := range opportunityTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s OpportunityState) Terminal() bool { return s == StateSoldOnBinance }

// Opportunity is a token listed against several quote bases that the engine rebalances across.
type Opportunity struct {
	ID               string
	TokenCode        string
	TokenPairs       []string
	TradingStartDate time.Time
	State            OpportunityState
	UpdatedAt        time.Time
}

func (o *Opportunity) Pairs() TradingPairSet { return ExtractTradingPairs(o.TokenPairs) }

// Approaching reports whether now is within lead of the trading start.
func (o *Opportunity) Approaching(now time.Time, lead time.Duration) bool {
	return !now.Before(o.TradingStartDate.Add(-lead))
}
