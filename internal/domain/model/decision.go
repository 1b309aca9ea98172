package model

import "time"

type DecisionKind string

const (
	DecisionInitialBuy  DecisionKind = "initialBuy"
	DecisionFirstBucket DecisionKind = "firstBucket"
	DecisionBucket      DecisionKind = "bucket"
	DecisionMiss        DecisionKind = "miss"
	DecisionAbort       DecisionKind = "abort"
	DecisionClose       DecisionKind = "close"
	DecisionSell        DecisionKind = "sell"
)

// Valuation is one quote base's rolling average expressed in stable units.
type Valuation struct {
	Base    QuoteBase `json:"base"`
	Average float64   `json:"average"`
	Value   float64   `json:"value"`
}

// Decision is a journal entry for one bucket or sell decision.
type Decision struct {
	RunID         string       `json:"run_id"`
	RecordID      string       `json:"record_id"`
	TokenCode     string       `json:"token_code"`
	Kind          DecisionKind `json:"kind"`
	Richest       QuoteBase    `json:"richest,omitempty"`
	Poorest       QuoteBase    `json:"poorest,omitempty"`
	SpreadPercent float64      `json:"spread_percent"`
	Values        []Valuation  `json:"values,omitempty"`
	Misses        int          `json:"misses"`
	Note          string       `json:"note,omitempty"`
	At            time.Time    `json:"at"`
}
