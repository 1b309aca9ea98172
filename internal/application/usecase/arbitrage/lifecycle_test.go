package arbitrage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairarb/internal/application/port"
	"pairarb/internal/application/port/porttest"
	"pairarb/internal/domain/model"
)

type blockingRunner struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (b *blockingRunner) Run(ctx context.Context, opp *model.Opportunity) error {
	b.calls.Add(1)
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return b.err
}

var now = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *porttest.Store, id string, start time.Time, state model.OpportunityState) {
	t.Helper()
	require.NoError(t, store.CreateOpportunity(context.Background(), &model.Opportunity{
		ID:               id,
		TokenCode:        "ABC",
		TokenPairs:       []string{"ABC/BUSD", "ABC/USDT"},
		TradingStartDate: start,
		State:            state,
	}))
}

func stateOf(t *testing.T, store *porttest.Store, id string) model.OpportunityState {
	t.Helper()
	o, err := store.GetOpportunity(context.Background(), id)
	require.NoError(t, err)
	return o.State
}

func TestLifecycleReadyThenInArbitrage(t *testing.T) {
	store := porttest.NewStore()
	seed(t, store, "opp-1", now.Add(30*time.Second), model.StateWaitingForArbitrage)
	seed(t, store, "opp-2", now.Add(10*time.Minute), model.StateWaitingForArbitrage)

	runner := &blockingRunner{release: make(chan struct{})}
	lc := NewLifecycle(LifecycleDeps{Store: store, Runner: runner, Now: func() time.Time { return now }})
	ctx := context.Background()

	n, err := lc.PromoteApproaching(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StateReadyForArbitrage, stateOf(t, store, "opp-1"))
	assert.Equal(t, model.StateWaitingForArbitrage, stateOf(t, store, "opp-2"))

	n, err = lc.Initiate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StateInArbitrage, stateOf(t, store, "opp-1"))

	close(runner.release)
	lc.Wait()
	assert.Equal(t, int32(1), runner.calls.Load())
	assert.Equal(t, []string{
		"opp-1:waitingForArbitrage->readyForArbitrage",
		"opp-1:readyForArbitrage->inArbitrage",
	}, store.History)
}

func TestLifecycleInitiateIsExclusive(t *testing.T) {
	store := porttest.NewStore()
	seed(t, store, "opp-1", now, model.StateReadyForArbitrage)

	runner := &blockingRunner{release: make(chan struct{})}
	lc := NewLifecycle(LifecycleDeps{Store: store, Runner: runner, Now: func() time.Time { return now }})

	var wg sync.WaitGroup
	var total atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := lc.Initiate(context.Background())
			assert.NoError(t, err)
			total.Add(int32(n))
		}()
	}
	wg.Wait()
	close(runner.release)
	lc.Wait()

	assert.Equal(t, int32(1), total.Load())
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestLifecycleRecoversRunThatDidNotStart(t *testing.T) {
	store := porttest.NewStore()
	seed(t, store, "opp-1", now, model.StateReadyForArbitrage)

	runner := &blockingRunner{release: make(chan struct{}), err: errors.Join(ErrNotStarted, errors.New("load markets"))}
	close(runner.release)
	lc := NewLifecycle(LifecycleDeps{Store: store, Runner: runner, Now: func() time.Time { return now }})

	_, err := lc.Initiate(context.Background())
	require.NoError(t, err)
	lc.Wait()

	assert.Equal(t, model.StateReadyForArbitrage, stateOf(t, store, "opp-1"))
}

func TestLifecycleSkipsRecordsWithoutTradablePair(t *testing.T) {
	store := porttest.NewStore()
	require.NoError(t, store.CreateOpportunity(context.Background(), &model.Opportunity{
		ID: "opp-x", TokenCode: "XYZ", TokenPairs: []string{"XYZ/TRY"}, State: model.StateReadyForArbitrage,
	}))
	runner := &blockingRunner{release: make(chan struct{})}
	lc := NewLifecycle(LifecycleDeps{Store: store, Runner: runner})

	n, err := lc.Initiate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, model.StateReadyForArbitrage, stateOf(t, store, "opp-x"))
}

type fakeCloser struct {
	mu     sync.Mutex
	active map[string]bool
	closed []string
}

func (f *fakeCloser) Close(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[id] {
		return false
	}
	f.closed = append(f.closed, id)
	return true
}

func TestLifecycleServesOperatorClose(t *testing.T) {
	store := porttest.NewStore()
	seed(t, store, "opp-1", now, model.StateInArbitrage)
	seed(t, store, "opp-2", now, model.StateInArbitrage)
	seed(t, store, "opp-3", now, model.StateSoldOnBinance)
	ctx := context.Background()
	for _, id := range []string{"opp-1", "opp-2", "opp-3"} {
		require.NoError(t, store.RequestClose(ctx, id))
	}
	assert.ErrorIs(t, store.RequestClose(ctx, "nope"), port.ErrNotFound)

	closer := &fakeCloser{active: map[string]bool{"opp-1": true}}
	lc := NewLifecycle(LifecycleDeps{Store: store, Runner: &blockingRunner{}, Closes: store, Closer: closer})

	n, err := lc.ServeCloses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"opp-1"}, closer.closed)

	// opp-2 runs elsewhere and keeps its request; opp-3 is settled and is dropped
	pending, err := store.PendingCloses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"opp-2"}, pending)
}

func TestLifecycleWithoutCloseRequests(t *testing.T) {
	lc := NewLifecycle(LifecycleDeps{Store: porttest.NewStore(), Runner: &blockingRunner{}})
	n, err := lc.ServeCloses(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
