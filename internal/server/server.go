// Package server provides the HTTP API for simple-rag.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhuochun/simple-rag/internal/config"
	"github.com/zhuochun/simple-rag/internal/duplicate"
	"github.com/zhuochun/simple-rag/internal/indexer"
	"github.com/zhuochun/simple-rag/internal/search"
)

// WatchService reports the directories being watched, when the server runs with a watcher.
type WatchService interface {
	Directories() []string
}

// Server is the HTTP server for the simple-rag API. It shares one engine, and so one file
// index cache, for its lifetime.
type Server struct {
	engine   *search.Engine
	detector *duplicate.Detector
	indexer  *indexer.Indexer
	paths    []config.LogicalPath
	watch    WatchService
	config   config.ServerConfig
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates a server over the configured paths. watch may be nil.
func NewServer(
	engine *search.Engine,
	detector *duplicate.Detector,
	idx *indexer.Indexer,
	paths []config.LogicalPath,
	cfg config.ServerConfig,
	logger *zap.Logger,
	watch WatchService,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:   engine,
		detector: detector,
		indexer:  idx,
		paths:    paths,
		watch:    watch,
		config:   cfg,
		logger:   logger,
	}
}

// Routes returns the API handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Post("/api/v1/search", s.handleSearch)
	r.Post("/api/v1/grep", s.handleGrep)
	r.Get("/api/v1/duplicates", s.handleDuplicates)
	r.Post("/api/v1/index", s.handleIndex)
	r.Get("/api/v1/paths", s.handlePaths)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/api/v1/watch/directories", s.handleWatchDirectoriesList)
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr), zap.Int("paths", len(s.paths)))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
