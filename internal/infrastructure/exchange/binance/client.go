package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"pairarb/internal/application/port"
	"pairarb/internal/domain/model"
	"pairarb/internal/infrastructure/exchange"
)

type Options struct {
	APIKey         string
	APISecret      string
	BaseURL        string
	WsURL          string
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
}

// Client Binance 现货适配器: REST 走 go-binance，成交流走 websocket
type Client struct {
	api     *binance.Client
	limiter *rate.Limiter
	conv    exchange.SymbolConverter
	wsURL   string

	mu      sync.RWMutex
	markets map[string]marketInfo // key: "ABC/BUSD"
}

func New(opts Options) *Client {
	api := binance.NewClient(opts.APIKey, opts.APISecret)
	if opts.BaseURL != "" {
		api.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	api.HTTPClient = &http.Client{Timeout: timeout}

	rps := opts.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	quotes := make([]string, 0, len(model.QuoteBases))
	for _, q := range model.QuoteBases {
		quotes = append(quotes, q.Asset())
	}
	return &Client{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		conv:    exchange.NewCommonSymbolConverter(quotes...),
		wsURL:   strings.TrimRight(opts.WsURL, "/"),
		markets: map[string]marketInfo{},
	}
}

func (c *Client) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

func (c *Client) market(pair string) (marketInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markets[pair]
	return m, ok
}

// LoadMarkets 缓存 exchangeInfo；reload=false 且已有缓存时直接返回
func (c *Client) LoadMarkets(ctx context.Context, reload bool) error {
	c.mu.RLock()
	cached := len(c.markets) > 0
	c.mu.RUnlock()
	if cached && !reload {
		return nil
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return mapError("exchange info", err)
	}
	markets := make(map[string]marketInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		pair := model.Pair(s.BaseAsset, s.QuoteAsset)
		markets[pair] = parseMarket(pair, s)
	}
	c.mu.Lock()
	c.markets = markets
	c.mu.Unlock()
	log.Debug().Int("markets", len(markets)).Bool("reload", reload).Msg("binance markets loaded")
	return nil
}

func (c *Client) AmountToPrecision(symbol string, amount float64) float64 {
	m, ok := c.market(symbol)
	if !ok {
		return amount
	}
	f, _ := m.amount(amount).Float64()
	return f
}

func (c *Client) PriceToPrecision(symbol string, price float64) float64 {
	m, ok := c.market(symbol)
	if !ok {
		return price
	}
	f, _ := m.price(price).Float64()
	return f
}

func (c *Client) FetchBalance(ctx context.Context) (model.Balances, error) {
	if err := c.wait(ctx); err != nil {
		return model.Balances{}, err
	}
	acc, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return model.Balances{}, mapError("account", err)
	}
	free := make(map[string]float64, len(acc.Balances))
	for _, b := range acc.Balances {
		if v := parseFloat(b.Free); v > 0 {
			free[strings.ToUpper(b.Asset)] = v
		}
	}
	return model.Balances{Free: free}, nil
}

func (c *Client) FetchTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	if err := c.wait(ctx); err != nil {
		return model.Ticker{}, err
	}
	res, err := c.api.NewListBookTickersService().Symbol(c.conv.ToVenue(symbol)).Do(ctx)
	if err != nil {
		return model.Ticker{}, mapError("book ticker "+symbol, err)
	}
	if len(res) == 0 {
		return model.Ticker{}, fmt.Errorf("book ticker %s: empty response", symbol)
	}
	return model.Ticker{
		Symbol: symbol,
		Bid:    parseFloat(res[0].BidPrice),
		Ask:    parseFloat(res[0].AskPrice),
	}, nil
}

func (c *Client) CreateOrder(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	m, ok := c.market(req.Symbol)
	if !ok {
		m = marketInfo{pair: req.Symbol, quotePrecision: 8}
	}
	side := binance.SideTypeBuy
	if req.Side == model.SideSell {
		side = binance.SideTypeSell
	}

	svc := c.api.NewCreateOrderService().Symbol(c.conv.ToVenue(req.Symbol)).Side(side)
	switch {
	case req.Type == model.OrderLimit:
		svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(m.amount(req.Amount).String()).
			Price(m.price(req.Price).String())
	case req.Side == model.SideBuy && req.QuoteAmount > 0:
		svc.Type(binance.OrderTypeMarket).QuoteOrderQty(m.quote(req.QuoteAmount).String())
	default:
		svc.Type(binance.OrderTypeMarket).Quantity(m.amount(req.Amount).String())
	}

	if err := c.wait(ctx); err != nil {
		return model.Order{}, err
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return model.Order{}, mapError(fmt.Sprintf("%s %s %s", req.Type, req.Side, req.Symbol), err)
	}
	orig := parseFloat(res.OrigQuantity)
	filled := parseFloat(res.ExecutedQuantity)
	return model.Order{
		ID:        strconv.FormatInt(res.OrderID, 10),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    orderStatus(res.Status),
		Filled:    filled,
		Remaining: max(orig-filled, 0),
		Cost:      parseFloat(res.CummulativeQuoteQuantity),
	}, nil
}

func orderStatus(s binance.OrderStatusType) model.OrderStatus {
	switch s {
	case binance.OrderStatusTypeFilled:
		return model.OrderClosed
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		return model.OrderCanceled
	}
	return model.OrderOpen
}

func (c *Client) CancelOrder(ctx context.Context, id, symbol string) error {
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("cancel %s: bad order id %q", symbol, id)
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err = c.api.NewCancelOrderService().Symbol(c.conv.ToVenue(symbol)).OrderID(orderID).Do(ctx)
	return mapError("cancel "+symbol, err)
}

func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	if err := c.wait(ctx); err != nil {
		return time.Time{}, err
	}
	ms, err := c.api.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, mapError("server time", err)
	}
	return time.UnixMilli(ms), nil
}

func (c *Client) Withdraw(ctx context.Context, asset string, amount float64, address string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	res, err := c.api.NewCreateWithdrawService().
		Coin(strings.ToUpper(asset)).
		Address(address).
		Amount(strconv.FormatFloat(amount, 'f', -1, 64)).
		Do(ctx)
	if err != nil {
		return "", mapError("withdraw "+asset, err)
	}
	return res.ID, nil
}

var (
	_ port.Exchange   = (*Client)(nil)
	_ port.Withdrawer = (*Client)(nil)
)
