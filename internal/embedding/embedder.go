// Package embedding turns text into vectors. It ships ONNX, Ollama and mock providers and a
// content-addressed cache that invokes a provider at most once per distinct text.
package embedding

import "context"

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}
