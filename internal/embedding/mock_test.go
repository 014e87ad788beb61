package embedding

import (
	"context"
	"math"
	"testing"
)

func TestMockEmbedder(t *testing.T) {
	e := NewMockEmbedder(16)
	ctx := context.Background()
	a, _ := e.Embed(ctx, "hello")
	b, _ := e.Embed(ctx, "hello")
	if len(a) != 16 {
		t.Fatalf("len = %d", len(a))
	}
	var norm float64
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("embedding not deterministic")
		}
		norm += float64(a[i]) * float64(a[i])
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("norm = %v", norm)
	}
	if e.Dimensions() != 16 || NewMockEmbedder(0).Dimensions() != 384 {
		t.Error("unexpected dimensions")
	}
}

func TestMockEmbedder_Set(t *testing.T) {
	e := NewMockEmbedder(3)
	e.Set("pinned", []float32{1, 0, 0})
	got, _ := e.Embed(context.Background(), "pinned")
	if got[0] != 1 || got[1] != 0 || got[2] != 0 {
		t.Errorf("pinned embedding = %v", got)
	}
	got[0] = 9
	again, _ := e.Embed(context.Background(), "pinned")
	if again[0] != 1 {
		t.Error("returned slice aliases the pinned vector")
	}
}

func TestMockEmbedder_canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockEmbedder(3).Embed(ctx, "x"); err == nil {
		t.Error("expected context error")
	}
}
