package kvcache

import "gonum.org/v1/gonum/floats"

// Scorer assigns a salience score to a single token from its key
// vector; lower-scored tokens are retained first during compaction.
// The key slice is a read-only view into the caller's tensor and must
// not be modified or retained.
//
// Compact rejects NaN and Inf scores, so a Scorer does not need its
// own finiteness checks.
type Scorer func(key []float32) float64

// KeyNorm is the default Scorer: the L2 norm of the key vector.
// Accumulation happens in float64 so that scores are stable for the
// stable sort's tie-breaking even on long head dimensions.
func KeyNorm(key []float32) float64 {
	buf := make([]float64, len(key))
	for i, v := range key {
		buf[i] = float64(v)
	}
	return floats.Norm(buf, 2)
}
