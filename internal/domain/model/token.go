package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TokenStatus string

const (
	TokenPurchased            TokenStatus = "purchased"
	TokenSendingToBinance     TokenStatus = "sendingToBinance"
	TokenSentToBinance        TokenStatus = "sentToBinance"
	TokenAvailableOnBinance   TokenStatus = "availableOnBinance"
	TokenReadyForTrading      TokenStatus = "readyForTrading"
	TokenInTrading            TokenStatus = "inTrading"
	TokenSellingInProgress    TokenStatus = "sellingInProgress"
	TokenSoldOnBinance        TokenStatus = "soldOnBinance"
	TokenConvertingOnBinance  TokenStatus = "convertingOnBinance"
	TokenConvertedOnBinance   TokenStatus = "convertedOnBinance"
	TokenWithdrawnFromBinance TokenStatus = "withdrawnFromBinance"
)

var tokenChain = []TokenStatus{
	TokenPurchased,
	TokenSendingToBinance,
	TokenSentToBinance,
	TokenAvailableOnBinance,
	TokenReadyForTrading,
	TokenInTrading,
	TokenSellingInProgress,
	TokenSoldOnBinance,
	TokenConvertingOnBinance,
	TokenConvertedOnBinance,
	TokenWithdrawnFromBinance,
}

// Next returns the single forward step from s.
func (s TokenStatus) Next() (TokenStatus, bool) {
	for i, st := range tokenChain {
		if st == s && i+1 < len(tokenChain) {
			return tokenChain[i+1], true
		}
	}
	return "", false
}

// CanTransition allows exactly one forward step, plus the revert of a failed
// transfer and of a sale that never reached the exchange.
func (s TokenStatus) CanTransition(to TokenStatus) bool {
	switch {
	case s == TokenSendingToBinance && to == TokenPurchased:
		return true
	case s == TokenInTrading && to == TokenReadyForTrading:
		return true
	}
	next, ok := s.Next()
	return ok && next == to
}

type TradeableToken struct {
	TokenCode          string
	TokenContract      string
	TokenPairs         []string
	TradingStartDate   time.Time
	TokenAmountInWei   decimal.Decimal
	PurchasePriceInWei decimal.Decimal
	SellPriceInUSD     float64
	Status             TokenStatus
	UpdatedAt          time.Time
}

func (t *TradeableToken) Pairs() TradingPairSet { return ExtractTradingPairs(t.TokenPairs) }

func (t *TradeableToken) Approaching(now time.Time, lead time.Duration) bool {
	return !now.Before(t.TradingStartDate.Add(-lead))
}
