package binance

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"pairarb/internal/application/port"
	"pairarb/internal/domain/model"
)

const (
	dialAttempts = 3
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
)

// tradeMsg <symbol>@trade 推送
type tradeMsg struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

func buildTradeURL(base, venueSymbol string) (string, error) {
	if base == "" {
		return "", errors.New("binance ws_url empty")
	}
	sym := strings.ToLower(strings.TrimSpace(venueSymbol))
	if sym == "" {
		return "", errors.New("symbol empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = "/ws/" + sym + "@trade"
	return u.String(), nil
}

// SubscribeTrades 每个交易对一条连接；断线后 Next 返回错误，由调用方重新订阅
func (c *Client) SubscribeTrades(ctx context.Context, symbol string) (port.TradeStream, error) {
	wsURL, err := buildTradeURL(c.wsURL, c.conv.ToVenue(symbol))
	if err != nil {
		return nil, err
	}
	conn, err := dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", symbol, err)
	}
	log.Info().Str("pair", symbol).Msg("ws connected")

	sctx, cancel := context.WithCancel(context.Background())
	s := &tradeStream{
		pair:   symbol,
		conn:   conn,
		conv:   c.conv.FromVenue,
		out:    make(chan []model.Trade, 256),
		errs:   make(chan error, 1),
		cancel: cancel,
	}
	go s.run(sctx)
	return s, nil
}

func dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	backoff := 500 * time.Millisecond
	maxBackoff := 10 * time.Second

	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.DefaultDialer.DialContext(cctx, wsURL, nil)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("url", wsURL).Int("attempt", attempt).Msg("ws dial failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < dialAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}
	}
	return nil, lastErr
}

type tradeStream struct {
	pair   string
	conn   *websocket.Conn
	conv   func(string) string
	out    chan []model.Trade
	errs   chan error
	cancel context.CancelFunc
	once   sync.Once
}

func (s *tradeStream) run(ctx context.Context) {
	err := readLoop(ctx, s.conn, func(b []byte) {
		t, ok, derr := decodeTrade(b, s.conv)
		if derr != nil {
			log.Error().Err(derr).Str("pair", s.pair).Msg("json unmarshal failed")
			return
		}
		if !ok {
			return
		}
		select {
		case s.out <- []model.Trade{t}:
		case <-ctx.Done():
		}
	})
	if err == nil {
		err = errors.New("stream closed")
	}
	s.errs <- err
}

func decodeTrade(b []byte, conv func(string) string) (model.Trade, bool, error) {
	var msg tradeMsg
	if err := json.Unmarshal(b, &msg); err != nil {
		return model.Trade{}, false, err
	}
	if msg.Event != "trade" || msg.TradeTime <= 0 {
		return model.Trade{}, false, nil
	}
	px := parseFloat(msg.Price)
	if px <= 0 {
		return model.Trade{}, false, nil
	}
	return model.Trade{
		Symbol: conv(msg.Symbol),
		Price:  px,
		Time:   time.UnixMilli(msg.TradeTime),
	}, true, nil
}

func (s *tradeStream) Next(ctx context.Context) ([]model.Trade, error) {
	// 先把已缓冲的成交取完，再报告断线
	select {
	case b := <-s.out:
		return b, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b := <-s.out:
		return b, nil
	case err := <-s.errs:
		s.errs <- err
		return nil, err
	}
}

func (s *tradeStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.conn.Close()
	})
	return err
}

func readLoop(ctx context.Context, conn *websocket.Conn, onMsg func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			onMsg(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}
