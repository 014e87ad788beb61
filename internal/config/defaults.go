package config

// Embedding providers.
const (
	ProviderONNX   = "onnx"
	ProviderOllama = "ollama"
	ProviderMock   = "mock"
)

// Reader kinds.
const (
	ReaderText     = "text"
	ReaderNote     = "note"
	ReaderJournal  = "journal"
	ReaderDocument = "document"
)

var readerKinds = map[string]bool{
	ReaderText:     true,
	ReaderNote:     true,
	ReaderJournal:  true,
	ReaderDocument: true,
}

// DefaultExtensions returns the file extensions indexed for a reader kind.
func DefaultExtensions(reader string) []string {
	if reader == ReaderDocument {
		return []string{".pdf", ".xlsx", ".docx", ".pptx", ".odp", ".ods"}
	}
	return []string{".md", ".txt"}
}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = ProviderONNX
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/simple-rag/models/all-MiniLM-L6-v2.onnx"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "http://localhost:11434"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "nomic-embed-text"
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Search.TopK == 0 {
		cfg.Search.TopK = 512
	}
	if cfg.Search.BucketRadius == 0 {
		cfg.Search.BucketRadius = 1
	}
	if cfg.Search.DefaultThreshold == 0 {
		cfg.Search.DefaultThreshold = 0.7
	}
	if cfg.Duplicate.Threshold == 0 {
		cfg.Duplicate.Threshold = 0.9
	}
	if cfg.Watch.DebounceMS == 0 {
		cfg.Watch.DebounceMS = 500
	}
	for i := range cfg.Paths {
		p := &cfg.Paths[i]
		if p.Reader == "" {
			p.Reader = ReaderText
		}
		if p.Extensions == nil {
			p.Extensions = DefaultExtensions(p.Reader)
		}
	}
}
