package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrimmedHighest(t *testing.T) {
	cases := []struct {
		name    string
		prices  []float64
		discard int
		want    float64
		ok      bool
	}{
		{"duplicates collapse", []float64{10, 10, 10, 10, 10, 11, 12, 13, 14, 15}, 5, 10, true},
		{"enough unique", []float64{1, 2, 3, 4, 5, 6, 7, 8}, 5, 3, true},
		{"too few unique", []float64{3, 1, 2}, 5, 3, true},
		{"no discard", []float64{3, 9, 2}, 0, 9, true},
		{"empty", nil, 5, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := TrimmedHighest(tc.prices, tc.discard)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestStats(t *testing.T) {
	xs := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	assert.Equal(t, 5.0, Mean(xs))
	assert.Equal(t, 4.5, Median(xs))
	assert.InDelta(t, 2.138, StdDev(xs), 1e-3)
	assert.Equal(t, 3.0, Median([]float64{5, 1, 3}))
	assert.Equal(t, 0.0, StdDev([]float64{1}))
}
