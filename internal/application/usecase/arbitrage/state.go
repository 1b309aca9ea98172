package arbitrage

import (
	"math"
	"sync/atomic"
	"time"

	"pairarb/internal/domain/model"
)

type LockStatus int32

const (
	LockNone LockStatus = iota
	LockBucket
	LockFirst
	LockInitialBuy
)

func (s LockStatus) String() string {
	switch s {
	case LockNone:
		return "none"
	case LockBucket:
		return "bucket"
	case LockFirst:
		return "first"
	case LockInitialBuy:
		return "initialBuy"
	}
	return "unknown"
}

// executionState is shared between the watchers and the coordinator of one run.
// Watchers only ever touch the atomic fields; misses and balances belong to the
// coordinator goroutine.
type executionState struct {
	lock       atomic.Int32
	sellLock   atomic.Bool
	firstTrade atomic.Bool
	bucketEnd  atomic.Int64 // unix ms

	misses   int
	balances model.Balances
}

// maxBucketEnd keeps every boundary closed until the first trade sets a real end.
const maxBucketEnd = math.MaxInt64

func newExecutionState() *executionState {
	s := &executionState{}
	s.firstTrade.Store(true)
	s.bucketEnd.Store(maxBucketEnd)
	return s
}

func (s *executionState) Lock() LockStatus { return LockStatus(s.lock.Load()) }

func (s *executionState) casLock(from, to LockStatus) bool {
	return s.lock.CompareAndSwap(int32(from), int32(to))
}

func (s *executionState) setLock(to LockStatus) { s.lock.Store(int32(to)) }

// consumeFirstTrade returns true exactly once.
func (s *executionState) consumeFirstTrade() bool {
	return s.firstTrade.CompareAndSwap(true, false)
}

func (s *executionState) boundaryReached(at time.Time) bool {
	return at.UnixMilli() >= s.bucketEnd.Load()
}

// claimBucket moves the lock from -> bucket for a trade at at. The boundary is
// read again while holding the lock: the coordinator may have released the
// previous bucket and moved bucketEnd between the first check and the swap.
func (s *executionState) claimBucket(from LockStatus, at time.Time) bool {
	if !s.casLock(from, LockBucket) {
		return false
	}
	if s.boundaryReached(at) {
		return true
	}
	s.setLock(from)
	return false
}

func (s *executionState) advanceBucket(from time.Time, d time.Duration) {
	s.bucketEnd.Store(from.Add(d).UnixMilli())
}
