package port

import (
	"context"
	"errors"
	"time"

	"pairarb/internal/domain/model"
)

// ErrInsufficientBalance is returned by CreateOrder when the account cannot cover the order.
var ErrInsufficientBalance = errors.New("insufficient balance")

// TradeStream yields batches of public trades for one symbol.
type TradeStream interface {
	// Next blocks until the next batch arrives. Any error ends the stream.
	Next(ctx context.Context) ([]model.Trade, error)
	Close() error
}

type TradeSubscriber interface {
	SubscribeTrades(ctx context.Context, symbol string) (TradeStream, error)
}

type BalanceReader interface {
	FetchBalance(ctx context.Context) (model.Balances, error)
}

type TickerReader interface {
	FetchTicker(ctx context.Context, symbol string) (model.Ticker, error)
}

type OrderPlacer interface {
	CreateOrder(ctx context.Context, req model.OrderRequest) (model.Order, error)
	CancelOrder(ctx context.Context, id, symbol string) error
}

type MarketCatalog interface {
	LoadMarkets(ctx context.Context, reload bool) error
	AmountToPrecision(symbol string, amount float64) float64
	PriceToPrecision(symbol string, price float64) float64
}

type Clock interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Exchange is everything the engine needs from a spot exchange.
// Implementations enforce their own request timeout.
type Exchange interface {
	TradeSubscriber
	BalanceReader
	TickerReader
	OrderPlacer
	MarketCatalog
	Clock
}

// Withdrawer moves funds off the exchange. Optional.
type Withdrawer interface {
	Withdraw(ctx context.Context, asset string, amount float64, address string) (string, error)
}
