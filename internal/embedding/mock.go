package embedding

import (
	"context"
	"math"
	"sync"

	"github.com/zhuochun/simple-rag/pkg/utils"
)

// MockEmbedder is a deterministic embedder for tests. Texts registered with Set map to fixed
// vectors; any other text gets a unit vector derived from its hash.
type MockEmbedder struct {
	dimensions int

	mu    sync.Mutex
	fixed map[string][]float32
	calls int
}

// NewMockEmbedder returns an embedder that produces deterministic embeddings of the given dimensions.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockEmbedder{dimensions: dimensions, fixed: make(map[string][]float32)}
}

// Set pins the embedding returned for text.
func (e *MockEmbedder) Set(text string, v []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fixed[text] = v
}

// Calls returns how many texts have been embedded.
func (e *MockEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Embed returns the pinned embedding for text, or one derived from the text hash.
func (e *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.calls++
	v, ok := e.fixed[text]
	e.mu.Unlock()
	if ok {
		return append([]float32(nil), v...), nil
	}

	h := HashString(text)
	emb := make([]float32, e.dimensions)
	for i := range emb {
		emb[i] = float32(math.Sin(float64(h*(i+1)))*0.1 + 0.01)
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

// EmbedBatch calls Embed for each text.
func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimensions returns the embedding dimension.
func (e *MockEmbedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op for MockEmbedder.
func (e *MockEmbedder) Close() error {
	return nil
}
