// Package encoder fuses an embedding.Provider and a dimension.Extractor
// into the single vector cogmem stores and searches over (spec §4.3).
package encoder

import (
	"context"
	"math"

	"github.com/cogmem/cogmem/pkg/dimension"
	"github.com/cogmem/cogmem/pkg/embedding"
)

// DefaultAlpha is the default scale factor applied to the dimensional
// component before concatenation, so the semantic component dominates
// cosine similarity while dimensions provide secondary discrimination.
const DefaultAlpha = 0.5

// Encoder fuses semantic and dimensional vectors for a piece of text.
type Encoder struct {
	embedder  embedding.Provider
	extractor dimension.Extractor
	alpha     float64
}

// New returns an Encoder. alpha scales the dimensional vector before
// concatenation; values outside [0, 1] are clamped. A zero alpha falls
// back to DefaultAlpha.
func New(embedder embedding.Provider, extractor dimension.Extractor, alpha float64) *Encoder {
	if alpha == 0 {
		alpha = DefaultAlpha
	}
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return &Encoder{embedder: embedder, extractor: extractor, alpha: alpha}
}

// Dim reports the fused vector width (D_s + D_d).
func (e *Encoder) Dim() int { return e.embedder.Dim() + dimension.Width }

// Encode produces the fused vector and the named dimensions map for text.
// The semantic component is L2-normalized, the dimensional component is
// scaled by alpha, the two are concatenated, and the result is
// L2-normalized again, following pkg/core/dimension.go's normalizeVector
// approach generalized to a fused vector.
func (e *Encoder) Encode(ctx context.Context, text string) ([]float32, map[string]float64, error) {
	semantic, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, nil, err
	}
	dims, scores := e.extractor.Extract(text)

	fused := make([]float32, 0, len(semantic)+dimension.Width)
	fused = append(fused, normalizeVector(semantic)...)
	for _, x := range dims {
		fused = append(fused, float32(x*e.alpha))
	}
	return normalizeVector(fused), scores, nil
}

// normalizeVector L2-normalizes v, returning a zero vector unchanged if
// its norm is zero.
func normalizeVector(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
