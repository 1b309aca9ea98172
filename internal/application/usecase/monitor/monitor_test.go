package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairarb/internal/application/port/porttest"
	"pairarb/internal/domain/model"
	dsvc "pairarb/internal/domain/service"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type bufSink struct {
	mu   sync.Mutex
	live []string
}

func (b *bufSink) WriteLive(line string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live = append(b.live, line)
	return nil
}

func (b *bufSink) WriteSnapshot(ts time.Time, line string) error { return nil }
func (b *bufSink) NewLine() error                                { return nil }

func (b *bufSink) last() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.live) == 0 {
		return ""
	}
	return b.live[len(b.live)-1]
}

func TestStateApplyTracksDirection(t *testing.T) {
	st := NewState(model.ExtractTradingPairs([]string{"ABC/USDT"}), time.Second, 50*time.Millisecond)

	assert.True(t, st.Apply(model.QuoteUSDT, model.Trade{Price: 10, Time: t0}))
	assert.False(t, st.Apply(model.QuoteUSDT, model.Trade{Price: 10, Time: t0.Add(time.Millisecond)}))
	assert.True(t, st.Apply(model.QuoteUSDT, model.Trade{Price: 12, Time: t0.Add(100 * time.Millisecond)}))
	assert.False(t, st.Apply(model.QuoteBUSD, model.Trade{Price: 12, Time: t0}), "unknown base")

	quotes, _ := st.Snapshot(nil)
	require.Len(t, quotes, 1)
	assert.Equal(t, DirUp, quotes[0].Dir)
	assert.InDelta(t, 32.0/3, quotes[0].Average, 1e-9)
}

func TestSnapshotRanksBases(t *testing.T) {
	st := NewState(model.ExtractTradingPairs([]string{"ABC/BUSD", "ABC/USDT"}), time.Second, 50*time.Millisecond)
	st.Apply(model.QuoteBUSD, model.Trade{Price: 2.0, Time: t0})
	st.Apply(model.QuoteUSDT, model.Trade{Price: 2.2, Time: t0})

	_, ranked := st.Snapshot(dsvc.ReferencePrices{})
	require.Len(t, ranked, 2)
	assert.Equal(t, model.QuoteUSDT, ranked[0].Base)

	quotes, values := st.Snapshot(dsvc.ReferencePrices{})
	line := NewFormatter(2).Render(quotes, values, RenderSnapshot)
	assert.Contains(t, line, "usdt>busd")
}

func TestServiceRendersLiveLine(t *testing.T) {
	ex := porttest.NewExchange()
	sink := &bufSink{}
	svc := NewService(ServiceDeps{
		Exchange:      ex,
		Pairs:         []string{"ABC/BUSD", "ABC/USDT"},
		MissThreshold: 2,
		Sink:          sink,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	ex.Publish("ABC/BUSD", model.Trade{Symbol: "ABC/BUSD", Price: 2.0, Time: t0})
	ex.Publish("ABC/USDT", model.Trade{Symbol: "ABC/USDT", Price: 2.2, Time: t0})

	require.Eventually(t, func() bool {
		return strings.Contains(sink.last(), "spread=") && strings.Contains(sink.last(), "usdt>busd")
	},
		time.Second, 2*time.Millisecond)
	assert.True(t, strings.HasPrefix(sink.last(), "\r"))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, ex.OrderCount())
}

func TestServiceRejectsUnsupportedPairs(t *testing.T) {
	svc := NewService(ServiceDeps{Exchange: porttest.NewExchange(), Pairs: []string{"ABC/EUR"}, Sink: &bufSink{}})
	assert.ErrorIs(t, svc.Run(context.Background()), model.ErrNoSupportedPair)
}
