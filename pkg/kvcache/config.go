package kvcache

import "fmt"

// DefaultPruneAfter is the default minimum sequence length before
// compaction activates. Layers shorter than this pass through
// unmodified.
const DefaultPruneAfter = 2048

// Config holds the per-invocation compaction parameters. The zero
// value is not valid; start from DefaultConfig.
type Config struct {
	// KeepRatio is the fraction of tokens to retain per compacted
	// layer, in (0, 1]. The retained count is ceil(KeepRatio*seq_len),
	// so fractional ratios round up. A ratio of 1 is a guaranteed
	// identity transform.
	KeepRatio float64

	// PruneAfter is the minimum seq_len at which a layer is
	// compacted. The comparison is strict: a layer with
	// seq_len == PruneAfter IS compacted, one token shorter is not.
	PruneAfter int

	// SkipLayers lists layer indices exempt from compaction
	// regardless of length. Out-of-range indices are ignored.
	SkipLayers []int

	// Scorer ranks tokens by their key vector. Nil selects KeyNorm.
	Scorer Scorer

	// Parallelism bounds the number of layers compacted
	// concurrently. Zero selects GOMAXPROCS.
	Parallelism int
}

// DefaultConfig returns a Config whose Compact is an identity
// transform: KeepRatio 1, PruneAfter DefaultPruneAfter, no skipped
// layers, L2-norm scoring.
func DefaultConfig() Config {
	return Config{
		KeepRatio:  1.0,
		PruneAfter: DefaultPruneAfter,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.KeepRatio <= 0 || c.KeepRatio > 1 {
		return fmt.Errorf("%w: keep_ratio must be in (0, 1], got %v", ErrConfig, c.KeepRatio)
	}
	if c.PruneAfter < 0 {
		return fmt.Errorf("%w: prune_after must be non-negative, got %d", ErrConfig, c.PruneAfter)
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("%w: parallelism must be non-negative, got %d", ErrConfig, c.Parallelism)
	}
	return nil
}
