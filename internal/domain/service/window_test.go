package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestPriceWindowEmpty(t *testing.T) {
	w := NewPriceWindow(10*time.Second, 50*time.Millisecond)
	_, ok := w.Average(t0)
	assert.False(t, ok)
}

func TestPriceWindowAverageIsMeanOfRetained(t *testing.T) {
	w := NewPriceWindow(10*time.Second, 50*time.Millisecond)
	prices := []float64{1, 2, 3, 4, 5, 6}
	for i, p := range prices {
		w.Push(p, t0.Add(time.Duration(i)*100*time.Millisecond))
	}

	avg, ok := w.Average(t0.Add(time.Second))
	require.True(t, ok)
	assert.InDelta(t, 3.5, avg, 1e-9)
	assert.Equal(t, 6, w.Len())
}

func TestPriceWindowEvictsOldSamples(t *testing.T) {
	w := NewPriceWindow(10*time.Second, 50*time.Millisecond)
	// 30 samples one second apart; everything before 19s is priced as an outlier
	for i := 0; i < 30; i++ {
		price := 1000.0
		if i >= 19 {
			price = float64(i)
		}
		w.Push(price, t0.Add(time.Duration(i)*time.Second))
	}

	avg, ok := w.Average(t0.Add(29 * time.Second))
	require.True(t, ok)
	// 19s sits exactly on the cutoff and is kept
	assert.Equal(t, 11, w.Len())
	assert.InDelta(t, 24.0, avg, 1e-9)

	avg, ok = w.Average(t0.Add(29*time.Second + 500*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 10, w.Len())
	assert.InDelta(t, 24.5, avg, 1e-9)
}

func TestPriceWindowDropsEverythingAfterSilence(t *testing.T) {
	w := NewPriceWindow(10*time.Second, 50*time.Millisecond)
	w.Push(5, t0)
	w.Push(7, t0.Add(time.Second))

	_, ok := w.Average(t0.Add(30 * time.Second))
	assert.False(t, ok)
	assert.Equal(t, 0, w.Len())
}

func TestPriceWindowOutOfOrder(t *testing.T) {
	w := NewPriceWindow(10*time.Second, 50*time.Millisecond)
	w.Push(2, t0.Add(500*time.Millisecond))
	w.Push(4, t0.Add(100*time.Millisecond))
	w.Push(6, t0.Add(510*time.Millisecond))

	avg, ok := w.Average(t0.Add(time.Second))
	require.True(t, ok)
	assert.InDelta(t, 4.0, avg, 1e-9)
}

func TestPriceWindowIgnoresNonPositive(t *testing.T) {
	w := NewPriceWindow(0, 0)
	w.Push(0, t0)
	w.Push(-1, t0)
	assert.Equal(t, 0, w.Len())
}
