package arbitrage

import (
	"time"

	"pairarb/internal/domain/model"
	dsvc "pairarb/internal/domain/service"
)

type Settings struct {
	Reference          model.QuoteBase
	Window             time.Duration
	WindowStep         time.Duration
	BucketInterval     time.Duration
	FirstBucketDelay   time.Duration
	FirstMissThreshold float64
	MissThreshold      float64
	MaxMisses          int
	CloseOnFirstBucket bool
	ResubscribeDelay   time.Duration
	CloseTimeout       time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		Reference:          model.QuoteBUSD,
		Window:             dsvc.DefaultWindowDuration,
		WindowStep:         dsvc.DefaultWindowStep,
		BucketInterval:     50 * time.Millisecond,
		FirstBucketDelay:   1900 * time.Millisecond,
		FirstMissThreshold: 0.1,
		MissThreshold:      2,
		MaxMisses:          5,
		CloseOnFirstBucket: true,
		ResubscribeDelay:   time.Second,
		CloseTimeout:       2 * time.Minute,
	}
}
