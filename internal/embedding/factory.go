package embedding

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zhuochun/simple-rag/internal/config"
)

// ONNXConfig configures an ONNXEmbedder.
type ONNXConfig struct {
	ModelPath  string
	Dimensions int
	MaxTokens  int
}

// New builds the configured provider and wraps it in a CachedEmbedder.
func New(cfg config.EmbeddingConfig, logger *zap.Logger) (*CachedEmbedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var inner Embedder
	switch cfg.Provider {
	case config.ProviderONNX:
		e, err := NewONNXEmbedder(ONNXConfig{
			ModelPath:  cfg.ModelPath,
			Dimensions: cfg.Dimensions,
			MaxTokens:  cfg.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ONNX embedder: %w", err)
		}
		inner = e
	case config.ProviderOllama:
		inner = NewOllamaEmbedder(OllamaConfig{
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	case config.ProviderMock:
		inner = NewMockEmbedder(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	logger.Info("embedding provider ready", zap.String("provider", cfg.Provider), zap.Int("dimensions", inner.Dimensions()))
	return NewCachedEmbedder(inner, cfg.CacheSize, WithLogger(logger)), nil
}
