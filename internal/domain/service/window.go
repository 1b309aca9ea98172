package service

import (
	"sync"
	"time"
)

const (
	DefaultWindowDuration = 10 * time.Second
	DefaultWindowStep     = 50 * time.Millisecond
)

type slot struct {
	start int64 // unix ms, aligned to step
	sum   float64
	count int
}

// PriceWindow keeps a rolling average of trade prices over a fixed duration.
// Samples are grouped into step-aligned slots; a slot is evicted once it starts
// before the window, so a retained sample is never older than the duration.
type PriceWindow struct {
	mu       sync.Mutex
	duration int64
	step     int64
	slots    []slot
	sum      float64
	count    int
}

func NewPriceWindow(duration, step time.Duration) *PriceWindow {
	if duration <= 0 {
		duration = DefaultWindowDuration
	}
	if step <= 0 || step > duration {
		step = DefaultWindowStep
	}
	return &PriceWindow{duration: duration.Milliseconds(), step: step.Milliseconds()}
}

// Push records a price observed at the given time.
func (w *PriceWindow) Push(price float64, at time.Time) {
	if price <= 0 {
		return
	}
	ms := at.UnixMilli()
	start := ms - ms%w.step

	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(ms)
	if start < ms-w.duration {
		return
	}
	n := len(w.slots)
	switch {
	case n > 0 && w.slots[n-1].start == start:
		w.slots[n-1].sum += price
		w.slots[n-1].count++
	case n == 0 || w.slots[n-1].start < start:
		w.slots = append(w.slots, slot{start: start, sum: price, count: 1})
	default:
		// out-of-order sample: find its slot
		i := n - 1
		for i >= 0 && w.slots[i].start > start {
			i--
		}
		if i >= 0 && w.slots[i].start == start {
			w.slots[i].sum += price
			w.slots[i].count++
		} else {
			w.slots = append(w.slots, slot{})
			copy(w.slots[i+2:], w.slots[i+1:])
			w.slots[i+1] = slot{start: start, sum: price, count: 1}
		}
	}
	w.sum += price
	w.count++
}

// Average returns the mean of the samples retained at the given time.
// ok is false when the window holds no data.
func (w *PriceWindow) Average(at time.Time) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(at.UnixMilli())
	if w.count == 0 {
		return 0, false
	}
	return w.sum / float64(w.count), true
}

// Len is the number of retained samples.
func (w *PriceWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *PriceWindow) evict(nowMs int64) {
	cutoff := nowMs - w.duration
	i := 0
	for i < len(w.slots) && w.slots[i].start < cutoff {
		w.sum -= w.slots[i].sum
		w.count -= w.slots[i].count
		i++
	}
	if i > 0 {
		w.slots = append(w.slots[:0], w.slots[i:]...)
	}
	if w.count == 0 {
		w.sum = 0
	}
}
