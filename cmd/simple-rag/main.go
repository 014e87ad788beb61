// Package main is the simple-rag CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zhuochun/simple-rag/internal/cli"
	"github.com/zhuochun/simple-rag/internal/config"
	"github.com/zhuochun/simple-rag/internal/duplicate"
	"github.com/zhuochun/simple-rag/internal/embedding"
	"github.com/zhuochun/simple-rag/internal/indexcache"
	"github.com/zhuochun/simple-rag/internal/indexer"
	"github.com/zhuochun/simple-rag/internal/models"
	"github.com/zhuochun/simple-rag/internal/reader"
	"github.com/zhuochun/simple-rag/internal/search"
	"github.com/zhuochun/simple-rag/internal/server"
	"github.com/zhuochun/simple-rag/internal/storage"
	"github.com/zhuochun/simple-rag/internal/watcher"
	"github.com/zhuochun/simple-rag/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/simple-rag/config.yaml"

// loadConfig loads config from path. When path is the default, config.yaml in the current
// directory takes precedence if it exists. Returns the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	args := os.Args[2:]
	switch command {
	case "index":
		runIndex(args)
	case "search":
		runSearch(args)
	case "grep":
		runGrep(args)
	case "dups":
		runDups(args)
	case "status":
		runStatus(args)
	case "chunks":
		runChunks(args)
	case "serve", "server":
		runServe(args)
	case "watch":
		runWatch(args)
	case "version", "--version", "-v":
		fmt.Printf("simple-rag version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fail(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

// Components holds initialized services shared by the commands.
type Components struct {
	Paths    []config.LogicalPath
	Embedder *embedding.CachedEmbedder
	Cache    *indexcache.Cache
	Engine   *search.Engine
	Detector *duplicate.Detector
	Indexer  *indexer.Indexer
}

// Close releases the embedding provider.
func (c *Components) Close() {
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	paths, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	embedder, err := embedding.New(cfg.Embedding, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	storeOpts := []storage.Option{storage.WithLogger(logger)}
	cache := indexcache.New(logger)

	engine := search.NewEngine(cache, embedder,
		search.WithLogger(logger),
		search.WithTopK(cfg.Search.TopK),
		search.WithBucketRadius(cfg.Search.BucketRadius),
		search.WithStoreOptions(storeOpts...),
	)
	detector := duplicate.NewDetector(cache,
		duplicate.WithLogger(logger),
		duplicate.WithThreshold(cfg.Duplicate.Threshold),
		duplicate.WithBucketRadius(cfg.Search.BucketRadius),
		duplicate.WithStoreOptions(storeOpts...),
	)
	idx := indexer.NewIndexer(embedder,
		indexer.WithLogger(logger),
		indexer.WithStoreOptions(storeOpts...),
	)
	logger.Debug("components initialized",
		zap.Int("paths", len(paths)),
		zap.String("provider", cfg.Embedding.Provider),
		zap.Int("dimensions", embedder.Dimensions()),
	)
	return &Components{
		Paths:    paths,
		Embedder: embedder,
		Cache:    cache,
		Engine:   engine,
		Detector: detector,
		Indexer:  idx,
	}, nil
}

// setup loads config, builds the logger and initializes components.
func setup(configPath string, debug bool) (*config.Config, *Components, *zap.Logger) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	debugMode := cfg.Debug || debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fail("Failed to create logger: %v", err)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	return cfg, components, logger
}

func commonFlags(fs *flag.FlagSet) (configPath *string, debug *bool) {
	configPath = fs.String("config", defaultConfigPath, "config file path")
	debug = fs.Bool("debug", false, "enable debug logging")
	return configPath, debug
}

func outputFlag(fs *flag.FlagSet) *string {
	return fs.String("output", "text", "output format: text, compact, or json")
}

func parseFormat(s string) cli.OutputFormat {
	format, err := cli.ParseOutputFormat(s)
	if err != nil {
		fail("%v", err)
	}
	return format
}

// indexPaths returns the paths named in names, or every configured path when names is empty.
func indexPaths(paths []config.LogicalPath, names []string) ([]config.LogicalPath, error) {
	if len(names) == 0 {
		return paths, nil
	}
	return config.Select(paths, names)
}

func runIndex(args []string) {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	_ = fs.Parse(args)

	_, components, logger := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()

	paths, err := indexPaths(components.Paths, fs.Args())
	if err != nil {
		fail("%v", err)
	}
	if err := indexAll(context.Background(), components.Indexer, paths, os.Stdout); err != nil {
		fail("Indexing failed: %v", err)
	}
}

func indexAll(ctx context.Context, idx *indexer.Indexer, paths []config.LogicalPath, w io.Writer) error {
	for _, lp := range paths {
		start := time.Now()
		stats, err := idx.IndexPath(ctx, lp)
		if err != nil {
			return fmt.Errorf("%s: %w", lp.Name, err)
		}
		fmt.Fprintf(w, "%s: %d files, %d chunks (%d embedded, %d reused) in %s -> %s\n",
			lp.Name, stats.Files, stats.Chunks, stats.Embedded, stats.Reused,
			time.Since(start).Round(time.Millisecond), lp.Destination())
	}
	return nil
}

// searchArgsReorder moves flags that appear after the query to the front so flag.Parse
// sees them; flag parsing stops at the first positional argument.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// buildSearchQuery joins positional args so multi-word queries work with or without quotes.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func runSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	var names stringList
	fs.Var(&names, "path", "source to search (repeatable; default: search_default sources)")
	limit := fs.Int("limit", 10, "number of results (0 = all)")
	serverURL := fs.String("server", "", "server URL; empty searches the indexes directly")
	output := outputFlag(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: simple-rag search [flags] <query>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(searchArgsReorder(args))

	query := buildSearchQuery(fs.Args())
	if query == "" {
		fs.Usage()
		os.Exit(1)
	}
	format := parseFormat(*output)
	terms := strings.Fields(query)

	if *serverURL != "" {
		var resp server.SearchResponse
		req := server.SearchRequest{Query: query, Paths: names, Limit: *limit}
		if err := postJSON(*serverURL+"/api/v1/search", req, &resp); err != nil {
			fail("Search failed: %v", err)
		}
		if err := cli.WriteResults(os.Stdout, resp.Results, terms, format); err != nil {
			fail("Output failed: %v", err)
		}
		return
	}

	_, components, logger := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()

	paths, err := config.Select(components.Paths, names)
	if err != nil {
		fail("%v", err)
	}
	results, err := components.Engine.Semantic(context.Background(), paths, query)
	if err != nil {
		fail("Search failed: %v", err)
	}
	if err := writeRanked(os.Stdout, results, *limit, terms, format); err != nil {
		fail("Output failed: %v", err)
	}
}

func runGrep(args []string) {
	fs := flag.NewFlagSet("grep", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	var names stringList
	fs.Var(&names, "path", "source to search (repeatable; default: search_default sources)")
	limit := fs.Int("limit", 0, "number of results (0 = all)")
	output := outputFlag(fs)
	_ = fs.Parse(searchArgsReorder(args))

	terms := search.NormalizeTerms(fs.Args())
	if len(terms) == 0 {
		fail("Usage: simple-rag grep [flags] <term>...")
	}
	format := parseFormat(*output)

	_, components, logger := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()

	paths, err := config.Select(components.Paths, names)
	if err != nil {
		fail("%v", err)
	}
	results, err := components.Engine.Lexical(context.Background(), paths, terms)
	if err != nil {
		fail("Grep failed: %v", err)
	}
	if err := writeRanked(os.Stdout, results, *limit, terms, format); err != nil {
		fail("Output failed: %v", err)
	}
}

func writeRanked(w io.Writer, results []models.Result, limit int, terms []string, format cli.OutputFormat) error {
	return cli.WriteResults(w, models.Resolve(search.Rank(results, limit)), terms, format)
}

func runDups(args []string) {
	fs := flag.NewFlagSet("dups", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	var names stringList
	fs.Var(&names, "path", "source to scan (repeatable; default: search_default sources)")
	threshold := fs.Float64("threshold", 0, "similarity threshold (default from config)")
	output := outputFlag(fs)
	_ = fs.Parse(args)
	format := parseFormat(*output)

	cfg, components, logger := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()

	detector := components.Detector
	if *threshold != 0 {
		detector = duplicate.NewDetector(components.Cache,
			duplicate.WithLogger(logger),
			duplicate.WithThreshold(*threshold),
			duplicate.WithBucketRadius(cfg.Search.BucketRadius),
			duplicate.WithStoreOptions(storage.WithLogger(logger)),
		)
	}
	paths, err := config.Select(components.Paths, names)
	if err != nil {
		fail("%v", err)
	}
	clusters, err := detector.Find(context.Background(), paths)
	if err != nil {
		fail("Duplicate detection failed: %v", err)
	}
	if err := cli.WriteClusters(os.Stdout, clusters, format); err != nil {
		fail("Output failed: %v", err)
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	var names stringList
	fs.Var(&names, "path", "source to report (repeatable; default: all sources)")
	output := outputFlag(fs)
	_ = fs.Parse(args)
	format := parseFormat(*output)

	_, components, logger := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()

	paths, err := indexPaths(components.Paths, names)
	if err != nil {
		fail("%v", err)
	}
	status, err := components.Engine.Status(context.Background(), paths)
	if err != nil {
		fail("Status failed: %v", err)
	}
	if err := cli.WriteStatus(os.Stdout, status, format); err != nil {
		fail("Output failed: %v", err)
	}
}

// runChunks prints how a reader splits a file, without touching any index.
func runChunks(args []string) {
	fs := flag.NewFlagSet("chunks", flag.ExitOnError)
	kind := fs.String("reader", config.ReaderText, "reader kind: "+strings.Join(reader.Kinds(), ", "))
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fail("Usage: simple-rag chunks [--reader kind] <file>")
	}
	chunks, err := readChunks(*kind, fs.Arg(0))
	if err != nil {
		fail("%v", err)
	}
	cli.WriteChunks(os.Stdout, fs.Arg(0), chunks)
}

func readChunks(kind, file string) ([]string, error) {
	r, err := reader.New(kind, file)
	if err != nil {
		return nil, err
	}
	if err := r.Load(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	out := make([]string, 0, r.Len())
	for i := 0; i < r.Len(); i++ {
		if c, ok := r.Chunk(i); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func newWatcher(cfg *config.Config, components *Components, logger *zap.Logger) *watcher.Watcher {
	return watcher.NewWatcher(components.Paths, components.Indexer,
		watcher.WithLogger(logger),
		watcher.WithDebounce(time.Duration(cfg.Watch.DebounceMS)*time.Millisecond),
	)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	watch := fs.Bool("watch", false, "reindex changed files while serving")
	_ = fs.Parse(args)

	cfg, components, logger := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var watchSvc server.WatchService
	if *watch {
		w := newWatcher(cfg, components, logger)
		if err := w.Start(ctx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		defer w.Stop()
		watchSvc = w
	}

	srv := server.NewServer(components.Engine, components.Detector, components.Indexer,
		components.Paths, cfg.Server, logger, watchSvc)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	waitForSignal()
	logger.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
}

func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath, debug := commonFlags(fs)
	initial := fs.Bool("index", true, "bring every index up to date before watching")
	_ = fs.Parse(args)

	cfg, components, logger := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *initial {
		if err := indexAll(ctx, components.Indexer, components.Paths, os.Stdout); err != nil {
			fail("Indexing failed: %v", err)
		}
	}
	w := newWatcher(cfg, components, logger)
	if err := w.Start(ctx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	for _, d := range w.Directories() {
		fmt.Printf("Watching %s\n", d)
	}
	waitForSignal()
	cancel()
	w.Stop()
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
}

func postJSON(url string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printUsage() {
	fmt.Println(`simple-rag - Local retrieval over notes, journals and documents

Usage:
  simple-rag index [flags] [path...]     Index sources (default: all)
  simple-rag search [flags] <query>      Semantic search
  simple-rag grep [flags] <term>...      Literal search for any of the terms
  simple-rag dups [flags]                Find near-duplicate chunks
  simple-rag status [flags]              Show index status per source
  simple-rag chunks [--reader k] <file>  Print how a reader splits a file
  simple-rag serve [flags]               Start the HTTP server
  simple-rag watch [flags]               Reindex files as they change
  simple-rag version                     Show version
  simple-rag help                        Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/simple-rag/config.yaml,
                     or ./config.yaml when present)
  --debug            Enable debug logging

Search, Grep and Dups Flags:
  --path string      Source name; repeat or comma-separate for several
  --limit int        Number of results
  --output string    Output format: text, compact, or json
  --server string    (search) Query a running server instead of the indexes
  --threshold float  (dups) Similarity threshold

Examples:
  simple-rag index notes
  simple-rag search --path notes,journal "what did I learn about sqlite"
  simple-rag grep --output json TODO FIXME
  simple-rag dups --threshold 0.95
  simple-rag serve --watch`)
}
