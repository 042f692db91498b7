package service

import (
	"sort"
	"strconv"
)

const scoreDigits = 4

// Format labels every probability, rounds it and sorts descending.
// Equal scores keep their index order.
func Format(probs []float64, labels LabelMap) []LabelScore {
	items := make([]LabelScore, len(probs))
	for i, p := range probs {
		items[i] = LabelScore{Name: labels.Name(i), Score: Round(p, scoreDigits)}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score > items[j].Score
	})
	return items
}

// Round rounds the exact binary value of v, so 0.00035 (stored just
// below) becomes 0.0003.
func Round(v float64, digits int) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', digits, 64), 64)
	if err != nil {
		return v
	}
	return r
}
