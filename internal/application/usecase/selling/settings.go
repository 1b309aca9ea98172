package selling

import (
	"time"

	"pairarb/internal/domain/model"
)

type Settings struct {
	SellDelay        time.Duration
	DiscardTop       int
	LimitSettle      time.Duration
	ResubscribeDelay time.Duration

	LeadTime     time.Duration
	PollInterval time.Duration

	// 卖出后换成的资产，以及每个稳定币余额用于兑换的比例
	ConversionAsset model.QuoteBase
	ConversionShare float64
	WithdrawAddress string
	WithdrawDelay   time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		SellDelay:        1100 * time.Millisecond,
		DiscardTop:       5,
		LimitSettle:      150 * time.Millisecond,
		ResubscribeDelay: time.Second,
		LeadTime:         5 * time.Minute,
		PollInterval:     10 * time.Second,
		ConversionAsset:  model.QuoteETH,
		ConversionShare:  0.998,
		WithdrawDelay:    70 * time.Second,
	}
}
