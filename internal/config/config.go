// Package config provides configuration loading and the resolved source list for simple-rag.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zhuochun/simple-rag/pkg/utils"
)

// ErrInvalidConfig is wrapped by every validation failure returned from this package.
var ErrInvalidConfig = errors.New("invalid config")

// ErrUnknownPath is returned by Select for a source name that is not configured.
var ErrUnknownPath = errors.New("unknown path")

const dbFormat = `"sqlite_file_path@table_name"`

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Paths     []PathConfig    `yaml:"paths"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Search    SearchConfig    `yaml:"search"`
	Duplicate DuplicateConfig `yaml:"duplicate"`
	Server    ServerConfig    `yaml:"server"`
	Watch     WatchConfig     `yaml:"watch"`

	// baseDir anchors "./" paths inside db targets; set by Load.
	baseDir string
}

// PathConfig is one entry of the ordered paths list as written in YAML.
type PathConfig struct {
	Name          string   `yaml:"name"`
	Dir           string   `yaml:"dir"`
	Out           string   `yaml:"out,omitempty"`
	DB            string   `yaml:"db,omitempty"`
	Threshold     *float64 `yaml:"threshold,omitempty"`
	Reader        string   `yaml:"reader,omitempty"`
	URL           string   `yaml:"url,omitempty"`
	SearchDefault bool     `yaml:"search_default,omitempty"`
	Extensions    []string `yaml:"extensions,omitempty"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	ModelPath  string `yaml:"model_path"`
	Dimensions int    `yaml:"dimensions"`
	MaxTokens  int    `yaml:"max_tokens"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	CacheSize  int    `yaml:"cache_size"`
}

// SearchConfig holds retrieval tunables.
type SearchConfig struct {
	TopK             int     `yaml:"top_k"`
	BucketRadius     int     `yaml:"bucket_radius"`
	DefaultThreshold float64 `yaml:"default_threshold"`
}

// DuplicateConfig holds duplicate detection settings.
type DuplicateConfig struct {
	Threshold float64 `yaml:"threshold"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WatchConfig holds file watcher settings.
type WatchConfig struct {
	DebounceMS int `yaml:"debounce_ms"`
}

// LogicalPath is a validated source: where its files live, where its index lives and how
// to read and score it. It is immutable for a run.
type LogicalPath struct {
	Name          string
	Dir           string
	Out           string
	DBFile        string
	DBTable       string
	Threshold     float64
	Reader        string
	URL           string
	SearchDefault bool
	Extensions    []string
}

// HasDB reports whether the source is backed by a SQLite table rather than a JSONL file.
func (p LogicalPath) HasDB() bool {
	return p.DBFile != ""
}

// Destination describes where the source's index lives, for logs and status output.
func (p LogicalPath) Destination() string {
	if p.HasDB() {
		return p.DBFile + "@" + p.DBTable
	}
	return p.Out
}

// Load reads and parses the config file at path, applies defaults and expands paths.
// Returns an error if the file cannot be read or parsed, or if the result does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.baseDir = configDir
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	for i := range cfg.Paths {
		cfg.Paths[i].Dir = expandPath(cfg.Paths[i].Dir, configDir)
		cfg.Paths[i].Out = expandPath(cfg.Paths[i].Out, configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks every section and every path entry.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case ProviderONNX, ProviderOllama, ProviderMock:
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", ErrInvalidConfig, c.Embedding.Provider)
	}
	if c.Search.TopK < 0 {
		return fmt.Errorf("%w: search.top_k must not be negative", ErrInvalidConfig)
	}
	if c.Search.BucketRadius < 0 {
		return fmt.Errorf("%w: search.bucket_radius must not be negative", ErrInvalidConfig)
	}
	if c.Duplicate.Threshold < -1 || c.Duplicate.Threshold > 1 {
		return fmt.Errorf("%w: duplicate.threshold must be within [-1, 1]", ErrInvalidConfig)
	}
	_, err := c.Resolve()
	return err
}

// Resolve validates the paths list and returns it as LogicalPaths in configured order.
func (c *Config) Resolve() ([]LogicalPath, error) {
	out := make([]LogicalPath, 0, len(c.Paths))
	seen := make(map[string]bool, len(c.Paths))
	for i, p := range c.Paths {
		lp, err := c.resolvePath(p, i+1)
		if err != nil {
			return nil, err
		}
		if seen[lp.Name] {
			return nil, fmt.Errorf("%w: duplicate path name %q", ErrInvalidConfig, lp.Name)
		}
		seen[lp.Name] = true
		out = append(out, lp)
	}
	return out, nil
}

func (c *Config) resolvePath(p PathConfig, idx int) (LogicalPath, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = fmt.Sprintf("paths[%d]", idx)
	}
	dbFile, dbTable, err := parseDBTarget(p.DB, name)
	if err != nil {
		return LogicalPath{}, err
	}
	out := strings.TrimSpace(p.Out)
	if out == "" && dbFile == "" {
		return LogicalPath{}, fmt.Errorf(`%w: path %q must set either "out" or "db"`, ErrInvalidConfig, name)
	}
	if !readerKinds[p.Reader] {
		return LogicalPath{}, fmt.Errorf("%w: path %q has unknown reader %q", ErrInvalidConfig, name, p.Reader)
	}
	threshold := c.Search.DefaultThreshold
	if p.Threshold != nil {
		threshold = *p.Threshold
	}
	if threshold < -1 || threshold > 1 {
		return LogicalPath{}, fmt.Errorf("%w: path %q threshold must be within [-1, 1]", ErrInvalidConfig, name)
	}
	if dbFile != "" && dbFile != ":memory:" {
		dbFile = expandPath(dbFile, c.baseDir)
	}
	return LogicalPath{
		Name:          name,
		Dir:           p.Dir,
		Out:           out,
		DBFile:        dbFile,
		DBTable:       dbTable,
		Threshold:     threshold,
		Reader:        p.Reader,
		URL:           p.URL,
		SearchDefault: p.SearchDefault,
		Extensions:    append([]string(nil), p.Extensions...),
	}, nil
}

// parseDBTarget splits "file@table". An empty target means the source has no database.
func parseDBTarget(raw, pathName string) (string, string, error) {
	target := strings.TrimSpace(raw)
	if target == "" {
		return "", "", nil
	}
	parts := strings.Split(target, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: db for path %q is %q, expected %s", ErrInvalidConfig, pathName, target, dbFormat)
	}
	if !utils.IsIdentifier(parts[1]) {
		return "", "", fmt.Errorf("%w: db table for path %q is %q; use letters, digits and underscores only, starting with a letter or underscore",
			ErrInvalidConfig, pathName, parts[1])
	}
	return parts[0], parts[1], nil
}

// Select returns the paths named in names, in first-seen order with repeats dropped. With no names it returns the
// search_default paths, or every path when none is marked.
func Select(paths []LogicalPath, names []string) ([]LogicalPath, error) {
	if len(names) == 0 {
		var defaults []LogicalPath
		for _, p := range paths {
			if p.SearchDefault {
				defaults = append(defaults, p)
			}
		}
		if len(defaults) == 0 {
			return paths, nil
		}
		return defaults, nil
	}
	byName := make(map[string]LogicalPath, len(paths))
	for _, p := range paths {
		byName[p.Name] = p
	}
	out := make([]LogicalPath, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		p, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPath, name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, p)
	}
	return out, nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// "~/" and other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		if path == "~" {
			return home
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/"))
	}
	return path
}
