package encoder

import (
	"context"
	"math"
	"testing"

	"github.com/cogmem/cogmem/pkg/dimension"
	"github.com/cogmem/cogmem/pkg/embedding"
)

func TestEncodeDimAndNorm(t *testing.T) {
	enc := New(embedding.NewHashProvider(384), dimension.NewRuleExtractor(), 0)
	fused, dims, err := enc.Encode(context.Background(), "this is urgent, please help")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(fused) != 384+dimension.Width {
		t.Fatalf("fused width: want %d, got %d", 384+dimension.Width, len(fused))
	}
	if len(dims) != dimension.Width {
		t.Fatalf("dims map: want %d entries, got %d", dimension.Width, len(dims))
	}
	var sumSq float64
	for _, x := range fused {
		sumSq += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(sumSq)-1) > 1e-4 {
		t.Errorf("fused vector not unit-norm: norm=%v", math.Sqrt(sumSq))
	}
}

func TestEncodeAlphaClamped(t *testing.T) {
	enc := New(embedding.NewHashProvider(8), dimension.NewRuleExtractor(), 5)
	if enc.alpha != 1 {
		t.Errorf("alpha should clamp to 1, got %v", enc.alpha)
	}
	enc2 := New(embedding.NewHashProvider(8), dimension.NewRuleExtractor(), -1)
	if enc2.alpha != 0 {
		t.Errorf("alpha should clamp to 0, got %v", enc2.alpha)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	enc := New(embedding.NewHashProvider(64), dimension.NewRuleExtractor(), DefaultAlpha)
	a, _, _ := enc.Encode(context.Background(), "repeatable text")
	b, _, _ := enc.Encode(context.Background(), "repeatable text")
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Encode not deterministic at index %d: %v != %v", i, a[i], b[i])
		}
	}
}
