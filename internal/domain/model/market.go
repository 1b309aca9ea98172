package model

import "time"

// Trade is one public trade from the exchange stream.
type Trade struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// Ticker is a best bid/ask snapshot.
type Ticker struct {
	Symbol string
	Bid    float64
	Ask    float64
}

// Balances holds free amounts keyed by upper-case asset code.
type Balances struct {
	Free map[string]float64
}

func (b Balances) FreeOf(asset string) float64 {
	if b.Free == nil {
		return 0
	}
	return b.Free[asset]
}

// Drift is the measured clock offset to the exchange and the one-way latency.
type Drift struct {
	Offset  time.Duration
	Latency time.Duration
}
