// Package embedding defines the Embedding Provider contract (spec §4.1):
// turning text into a fixed-width semantic vector, deterministically and
// side-effect-free.
//
// The choice of pretrained embedding model is out of scope for this
// module (see spec §1 Non-goals); Provider is pluggable exactly the way
// sqvect's pkg/sqvect.Embedder is, and HashProvider below is a
// dependency-free default suitable for tests and small deployments.
package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// DefaultDim is the canonical semantic vector width (D_s in spec §4.1/§9).
const DefaultDim = 384

// Provider turns text into a fixed-width vector. Implementations must be
// deterministic for a given model and side-effect-free; they must
// internally truncate or chunk oversize input rather than erroring.
type Provider interface {
	// Embed converts a single text into a vector of Dim() width.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts, preserving input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dim reports the width of vectors this provider produces.
	Dim() int
}

// BaseProvider supplies a default fan-out EmbedBatch built from a
// single-text embed function, so concrete providers only need to implement
// Embed and Dim. Mirrors sqvect's pkg/sqvect.BaseEmbedder.
type BaseProvider struct {
	EmbedFn func(ctx context.Context, text string) ([]float32, error)
	DimFn   func() int
}

func (b *BaseProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return b.EmbedFn(ctx, text)
}

func (b *BaseProvider) Dim() int { return b.DimFn() }

func (b *BaseProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	type result struct {
		idx int
		vec []float32
		err error
	}
	ch := make(chan result, len(texts))
	for i, t := range texts {
		go func(idx int, text string) {
			vec, err := b.EmbedFn(ctx, text)
			ch <- result{idx: idx, vec: vec, err: err}
		}(i, t)
	}
	out := make([][]float32, len(texts))
	for range texts {
		r := <-ch
		if r.err != nil {
			return nil, r.err
		}
		out[r.idx] = r.vec
	}
	return out, nil
}

// maxShingleInput bounds how much text a single chunk sees before
// HashProvider folds the remainder into another chunk and averages them,
// satisfying the "oversize input is internally chunked" guarantee.
const maxShingleInput = 2000

// HashProvider is a deterministic, dependency-free default Provider. It
// derives a unit-norm vector from overlapping word shingles hashed into
// Dim buckets, chunking oversize text and averaging chunk vectors before
// a final normalization pass. It is not a semantic embedding model; it
// exists so the rest of the system is fully exercisable without a network
// call or a vendored model (spec §1 Non-goals).
type HashProvider struct {
	dim int
}

// NewHashProvider returns a HashProvider producing vectors of width dim
// (DefaultDim if dim <= 0).
func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &HashProvider{dim: dim}
}

func (h *HashProvider) Dim() int { return h.dim }

func (h *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	chunks := chunkText(text, maxShingleInput)
	acc := make([]float64, h.dim)
	for _, c := range chunks {
		v := h.embedChunk(c)
		for i, x := range v {
			acc[i] += x
		}
	}
	if len(chunks) > 1 {
		for i := range acc {
			acc[i] /= float64(len(chunks))
		}
	}
	return normalize(acc), nil
}

func (h *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *HashProvider) embedChunk(text string) []float64 {
	acc := make([]float64, h.dim)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return acc
	}
	shingle := func(tokens []string) {
		hasher := fnv.New64a()
		hasher.Write([]byte(strings.Join(tokens, " ")))
		sum := hasher.Sum64()
		bucket := int(sum % uint64(h.dim))
		sign := 1.0
		if (sum>>1)&1 == 1 {
			sign = -1.0
		}
		acc[bucket] += sign
	}
	for _, w := range words {
		shingle([]string{w})
	}
	for i := 0; i+1 < len(words); i++ {
		shingle(words[i : i+2])
	}
	return acc
}

func chunkText(text string, maxRunes int) []string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		if len(runes) == 0 {
			return []string{""}
		}
		return []string{text}
	}
	var chunks []string
	for start := 0; start < len(runes); start += maxRunes {
		end := start + maxRunes
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

func normalize(v []float64) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	out := make([]float32, len(v))
	if sumSq == 0 {
		return out
	}
	norm := math.Sqrt(sumSq)
	for i, x := range v {
		out[i] = float32(x / norm)
	}
	return out
}
