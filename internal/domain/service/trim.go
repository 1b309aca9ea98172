package service

import "sort"

// TrimmedHighest dedupes prices, sorts them descending and skips the top discard
// entries as outliers. With no more than discard unique prices the highest is used.
func TrimmedHighest(prices []float64, discard int) (float64, bool) {
	if len(prices) == 0 {
		return 0, false
	}
	seen := make(map[float64]struct{}, len(prices))
	uniq := make([]float64, 0, len(prices))
	for _, p := range prices {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		uniq = append(uniq, p)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(uniq)))
	if discard < 0 {
		discard = 0
	}
	if len(uniq) > discard {
		return uniq[discard], true
	}
	return uniq[0], true
}
