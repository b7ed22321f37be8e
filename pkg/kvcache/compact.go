package kvcache

import (
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"kvcompact/pkg/tensor"
)

// decision is the per-layer plan computed before any tensor work, so
// the numeric path never branches on configuration.
type decision int

const (
	passThrough decision = iota
	compactLayer
)

// plan decides whether a layer is compacted or passed through.
// KeepRatio == 1 maps to pass-through so that token ordering is
// preserved exactly at ratio 1.
func plan(cfg Config, skip map[int]struct{}, index, seqLen int) decision {
	if _, ok := skip[index]; ok {
		return passThrough
	}
	if seqLen < cfg.PruneAfter {
		return passThrough
	}
	if cfg.KeepRatio == 1 {
		return passThrough
	}
	return compactLayer
}

// retainCount returns ceil(keepRatio*seqLen) clamped to [0, seqLen].
// Ceiling rounding biases toward retention: ratio 0.6 on 13 tokens
// keeps 8, not 7.
func retainCount(keepRatio float64, seqLen int) int {
	keep := int(math.Ceil(keepRatio * float64(seqLen)))
	if keep < 0 {
		keep = 0
	}
	if keep > seqLen {
		keep = seqLen
	}
	return keep
}

// Compact returns a snapshot in which every eligible layer retains
// only the tokens with the smallest key scores (L2 key norm by
// default); the largest-norm tokens are the ones discarded. Layers
// listed in cfg.SkipLayers or shorter than cfg.PruneAfter pass
// through unmodified.
//
// Per layer, independently for each (batch, head) slice, tokens are
// ranked by ascending score with ties broken by original position,
// then the first ceil(KeepRatio*seq_len) ranked tokens are kept. A
// token's key and value rows always move together.
//
// The input snapshot is never mutated. Pass-through layers alias the
// input layer's tensors in the result; compacted layers are freshly
// allocated. The output preserves layer count and order, and every
// layer's batch, heads and head_dim.
//
// Layers are processed concurrently, bounded by cfg.Parallelism. Any
// configuration, shape, or numeric error fails the whole call; a
// partially compacted snapshot is never returned.
func Compact(snapshot Snapshot, cfg Config) (Snapshot, error) {
	if err := cfg.Validate(); err != nil {
		return Snapshot{}, err
	}
	if err := snapshot.Validate(); err != nil {
		return Snapshot{}, err
	}

	scorer := cfg.Scorer
	if scorer == nil {
		scorer = KeyNorm
	}

	skip := make(map[int]struct{}, len(cfg.SkipLayers))
	for _, index := range cfg.SkipLayers {
		skip[index] = struct{}{}
	}

	limit := cfg.Parallelism
	if limit == 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	out := Snapshot{Layers: make([]LayerCache, len(snapshot.Layers))}

	var g errgroup.Group
	g.SetLimit(limit)

	for i := range snapshot.Layers {
		i := i
		layer := snapshot.Layers[i]

		if plan(cfg, skip, i, layer.SeqLen()) == passThrough {
			out.Layers[i] = layer
			continue
		}

		g.Go(func() error {
			compacted, err := compactOne(layer, cfg.KeepRatio, scorer)
			if err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
			out.Layers[i] = compacted
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return out, nil
}

// compactOne compacts a single layer. Each (batch, head) slice is
// scored, ranked and truncated independently; all slices share the
// same retained count, so the output stays rectangular.
func compactOne(layer LayerCache, keepRatio float64, scorer Scorer) (LayerCache, error) {
	batch := layer.Batch()
	heads := layer.Heads()
	seqLen := layer.SeqLen()
	headDim := layer.HeadDim()
	keep := retainCount(keepRatio, seqLen)

	outShape := []int{batch, heads, keep, headDim}
	outKeys := tensor.New(outShape)
	outValues := tensor.New(outShape)

	scores := make([]float64, seqLen)
	order := make([]int, seqLen)

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			// Token t of this slice occupies the contiguous block
			// [srcBase+t*headDim, srcBase+(t+1)*headDim).
			srcBase := (b*heads + h) * seqLen * headDim
			dstBase := (b*heads + h) * keep * headDim

			for t := 0; t < seqLen; t++ {
				key := layer.Keys.Data[srcBase+t*headDim : srcBase+(t+1)*headDim]
				score := scorer(key)
				if math.IsNaN(score) || math.IsInf(score, 0) {
					return LayerCache{}, fmt.Errorf("%w: score %v for token %d (batch %d, head %d)",
						ErrNumeric, score, t, b, h)
				}
				scores[t] = score
			}

			for t := range order {
				order[t] = t
			}
			// Ascending by score; SliceStable keeps equal-score tokens
			// in original position order, which makes the output
			// deterministic.
			sort.SliceStable(order, func(i, j int) bool {
				return scores[order[i]] < scores[order[j]]
			})

			for r := 0; r < keep; r++ {
				t := order[r]
				src := srcBase + t*headDim
				dst := dstBase + r*headDim
				copy(outKeys.Data[dst:dst+headDim], layer.Keys.Data[src:src+headDim])
				copy(outValues.Data[dst:dst+headDim], layer.Values.Data[src:src+headDim])
			}
		}
	}

	return LayerCache{Keys: outKeys, Values: outValues}, nil
}
