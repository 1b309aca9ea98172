// Package porttest provides in-memory port implementations for tests.
package porttest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pairarb/internal/application/port"
	"pairarb/internal/domain/model"
)

// Exchange is an in-memory spot exchange. Market orders fill immediately at the
// configured price and move balances; limit orders fill LimitFill of their amount.
type Exchange struct {
	mu sync.Mutex

	Balances map[string]float64
	Prices   map[string]float64
	Tickers  map[string]model.Ticker
	// LimitFill is the filled fraction of a limit order, 0..1.
	LimitFill float64
	// SettleFill is the fraction of an open order's remainder that fills
	// between placement and cancel.
	SettleFill float64
	// OrderErr, when set, is consulted before every order.
	OrderErr func(req model.OrderRequest) error
	// BalanceErr, when set, fails FetchBalance.
	BalanceErr error
	Now        func() time.Time

	Attempts    int
	Orders      []model.OrderRequest
	Canceled    []string
	Reloads     int
	Subscribes  map[string]int
	streams     map[string]chan []model.Trade
	streamErrs  map[string]chan error
	nextOrderID int
	open        map[string]openOrder
}

type openOrder struct {
	model.Order
	price float64
}

func NewExchange() *Exchange {
	return &Exchange{
		Balances:   map[string]float64{},
		Prices:     map[string]float64{},
		Tickers:    map[string]model.Ticker{},
		Subscribes: map[string]int{},
		streams:    map[string]chan []model.Trade{},
		streamErrs: map[string]chan error{},
		open:       map[string]openOrder{},
		Now:        time.Now,
	}
}

func (e *Exchange) feed(symbol string) (chan []model.Trade, chan error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.streams[symbol]
	if !ok {
		ch = make(chan []model.Trade, 64)
		e.streams[symbol] = ch
		e.streamErrs[symbol] = make(chan error, 4)
	}
	return ch, e.streamErrs[symbol]
}

// Publish delivers a batch of trades to subscribers of symbol.
func (e *Exchange) Publish(symbol string, trades ...model.Trade) {
	ch, _ := e.feed(symbol)
	ch <- trades
}

// Break makes the current stream of symbol fail with err.
func (e *Exchange) Break(symbol string, err error) {
	_, errs := e.feed(symbol)
	errs <- err
}

func (e *Exchange) SubscribeTrades(ctx context.Context, symbol string) (port.TradeStream, error) {
	ch, errs := e.feed(symbol)
	e.mu.Lock()
	e.Subscribes[symbol]++
	e.mu.Unlock()
	return &stream{ch: ch, errs: errs}, nil
}

func (e *Exchange) SubscribeCount(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Subscribes[symbol]
}

type stream struct {
	ch   chan []model.Trade
	errs chan error
}

func (s *stream) Next(ctx context.Context) ([]model.Trade, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-s.errs:
		return nil, err
	case b := <-s.ch:
		return b, nil
	}
}

func (s *stream) Close() error { return nil }

func (e *Exchange) FetchBalance(ctx context.Context) (model.Balances, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.BalanceErr != nil {
		return model.Balances{}, e.BalanceErr
	}
	free := make(map[string]float64, len(e.Balances))
	for k, v := range e.Balances {
		free[k] = v
	}
	return model.Balances{Free: free}, nil
}

func (e *Exchange) FetchTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.Tickers[symbol]
	if !ok {
		return model.Ticker{}, fmt.Errorf("unknown ticker %s", symbol)
	}
	return t, nil
}

func (e *Exchange) CreateOrder(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Attempts++
	if e.OrderErr != nil {
		if err := e.OrderErr(req); err != nil {
			return model.Order{}, err
		}
	}
	e.Orders = append(e.Orders, req)
	e.nextOrderID++
	id := strconv.Itoa(e.nextOrderID)

	base, quote := model.SplitPair(req.Symbol)
	price := req.Price
	if req.Type == model.OrderMarket {
		price = e.Prices[req.Symbol]
	}
	if price <= 0 {
		return model.Order{}, errors.New("no price for " + req.Symbol)
	}

	amount := req.Amount
	if req.Side == model.SideBuy && req.QuoteAmount > 0 {
		amount = req.QuoteAmount / price
	}
	filled := amount
	if req.Type == model.OrderLimit {
		filled = amount * e.LimitFill
	}
	cost := filled * price
	if req.Side == model.SideBuy {
		if e.Balances[quote] < cost-1e-9 {
			return model.Order{}, port.ErrInsufficientBalance
		}
		e.Balances[quote] -= cost
		e.Balances[base] += filled
	} else {
		if e.Balances[base] < amount-1e-9 {
			return model.Order{}, port.ErrInsufficientBalance
		}
		e.Balances[base] -= filled
		e.Balances[quote] += cost
	}

	o := model.Order{
		ID:        id,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    model.OrderClosed,
		Filled:    filled,
		Remaining: amount - filled,
		Cost:      cost,
	}
	if o.Remaining > 0 {
		o.Status = model.OrderOpen
		e.open[id] = openOrder{Order: o, price: price}
	}
	return o, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, id, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.open[id]
	if !ok {
		return fmt.Errorf("order %s not open", id)
	}
	if extra := o.Remaining * e.SettleFill; extra > 0 {
		base, quote := model.SplitPair(o.Symbol)
		if o.Side == model.SideSell {
			e.Balances[base] -= extra
			e.Balances[quote] += extra * o.price
		} else {
			e.Balances[quote] -= extra * o.price
			e.Balances[base] += extra
		}
	}
	delete(e.open, id)
	e.Canceled = append(e.Canceled, id)
	return nil
}

func (e *Exchange) LoadMarkets(ctx context.Context, reload bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if reload {
		e.Reloads++
	}
	return nil
}

func (e *Exchange) AmountToPrecision(symbol string, amount float64) float64 {
	f, _ := decimal.NewFromFloat(amount).Truncate(6).Float64()
	return f
}

func (e *Exchange) PriceToPrecision(symbol string, price float64) float64 {
	f, _ := decimal.NewFromFloat(price).Round(8).Float64()
	return f
}

func (e *Exchange) ServerTime(ctx context.Context) (time.Time, error) {
	return e.Now(), nil
}

// OrdersFor returns the recorded orders on symbol.
func (e *Exchange) OrdersFor(symbol string) []model.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.OrderRequest
	for _, o := range e.Orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

func (e *Exchange) OrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Orders)
}

func (e *Exchange) Balance(asset string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Balances[asset]
}

var _ port.Exchange = (*Exchange)(nil)
