// Package normalize maps the loosely shaped JSON returned by the analysis
// backend onto the canonical records in package domain.
//
// Every mapper is pure and total: nil or partial input produces a
// structurally complete value with empty slices and nil optionals, never a
// panic. Where a field has several spellings, the exported *Fields variables
// define the lookup precedence; earlier names win.
package normalize

import (
	"math"
)

// ScaleConfidence converts a confidence value to an integer percentage.
// Values <= 1 are fractions and are multiplied by 100; larger values are
// already percentages. The result is rounded and clamped to [0,100].
func ScaleConfidence(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v <= 1 {
		v *= 100
	}
	return int(max(0, min(100, math.Round(v))))
}

// MeanConfidence averages per-entity confidence. It returns nil when no
// entity carries a confidence, so an empty result is distinguishable from 0.
func MeanConfidence(values []int) *int {
	if len(values) == 0 {
		return nil
	}
	var sum int
	for _, v := range values {
		sum += v
	}
	mean := int(math.Round(float64(sum) / float64(len(values))))
	return &mean
}
