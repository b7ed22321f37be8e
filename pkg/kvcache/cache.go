// Package kvcache implements key-norm compaction of an autoregressive
// model's attention key/value cache.
//
// During generation the KV cache grows by one token per step, and for
// long contexts it dominates memory. Compaction shrinks the cache by
// discarding the tokens whose key vectors have the largest L2 norm,
// keeping a configurable fraction of the sequence. The resulting
// snapshot has the same layer count and per-layer tensor layout as
// the input, so a subsequent forward pass can consume it unchanged.
//
// The inference runtime that produces and consumes snapshots is an
// external collaborator; this package only implements the transform.
package kvcache

import (
	"errors"
	"fmt"

	"kvcompact/pkg/tensor"
)

// Sentinel errors for the three failure classes of Compact. Callers
// can match them with errors.Is.
var (
	// ErrConfig indicates an invalid Config (e.g. KeepRatio outside
	// (0, 1] or a negative PruneAfter).
	ErrConfig = errors.New("invalid compaction config")

	// ErrShape indicates malformed cache tensors: wrong rank, keys
	// and values disagreeing on a dimension, or layers disagreeing
	// on batch/heads across the snapshot.
	ErrShape = errors.New("cache shape mismatch")

	// ErrNumeric indicates a non-finite token score, typically caused
	// by NaN or Inf values in the key tensors.
	ErrNumeric = errors.New("non-finite value in cache")
)

// LayerCache holds the cached keys and values of one transformer
// layer. Both tensors are 4D with identical shape
// (batch, heads, seq_len, head_dim); seq_len is the number of cached
// tokens for this layer.
type LayerCache struct {
	Keys   *tensor.Tensor
	Values *tensor.Tensor
}

// Batch returns the batch dimension of the layer.
func (l LayerCache) Batch() int { return l.Keys.Shape[0] }

// Heads returns the number of KV heads of the layer.
func (l LayerCache) Heads() int { return l.Keys.Shape[1] }

// SeqLen returns the number of cached tokens in the layer.
func (l LayerCache) SeqLen() int { return l.Keys.Shape[2] }

// HeadDim returns the per-head embedding width of the layer.
func (l LayerCache) HeadDim() int { return l.Keys.Shape[3] }

// Validate checks the layer's structural invariants: keys and values
// present, both 4D, and agreeing on every dimension. A key row and
// its value row always describe the same token, so any disagreement
// means the cache is corrupt.
func (l LayerCache) Validate() error {
	if l.Keys == nil || l.Values == nil {
		return fmt.Errorf("%w: layer has nil keys or values", ErrShape)
	}
	if l.Keys.NumDims() != 4 || l.Values.NumDims() != 4 {
		return fmt.Errorf("%w: expected 4D (batch, heads, seq_len, head_dim) tensors, got keys=%dD values=%dD",
			ErrShape, l.Keys.NumDims(), l.Values.NumDims())
	}
	if !l.Keys.ShapeEquals(l.Values) {
		return fmt.Errorf("%w: keys shape %v does not match values shape %v",
			ErrShape, l.Keys.Shape, l.Values.Shape)
	}
	return nil
}

// Clone returns a deep copy of the layer.
func (l LayerCache) Clone() LayerCache {
	return LayerCache{
		Keys:   l.Keys.Clone(),
		Values: l.Values.Clone(),
	}
}

// Snapshot is the full KV cache of one forward pass: one LayerCache
// per transformer layer, ordered by model depth.
type Snapshot struct {
	Layers []LayerCache
}

// Validate checks every layer's invariants and that batch and heads
// are uniform across the snapshot. head_dim may differ between layers
// (some architectures vary it), so it is not checked for uniformity.
func (s Snapshot) Validate() error {
	if len(s.Layers) == 0 {
		return fmt.Errorf("%w: snapshot has no layers", ErrShape)
	}

	for i, layer := range s.Layers {
		if err := layer.Validate(); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}

	batch := s.Layers[0].Batch()
	heads := s.Layers[0].Heads()
	for i, layer := range s.Layers[1:] {
		if layer.Batch() != batch || layer.Heads() != heads {
			return fmt.Errorf("%w: layer %d has batch=%d heads=%d, expected batch=%d heads=%d",
				ErrShape, i+1, layer.Batch(), layer.Heads(), batch, heads)
		}
	}

	return nil
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	layers := make([]LayerCache, len(s.Layers))
	for i, layer := range s.Layers {
		layers[i] = layer.Clone()
	}
	return Snapshot{Layers: layers}
}
