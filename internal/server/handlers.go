package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zhuochun/simple-rag/internal/config"
	"github.com/zhuochun/simple-rag/internal/indexer"
	"github.com/zhuochun/simple-rag/internal/models"
	"github.com/zhuochun/simple-rag/internal/search"
)

// SearchRequest is the body of a semantic search.
type SearchRequest struct {
	Query string   `json:"query"`
	Paths []string `json:"paths,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

// GrepRequest is the body of a lexical search.
type GrepRequest struct {
	Terms []string `json:"terms"`
	Paths []string `json:"paths,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

// IndexRequest names the sources to reindex. An empty list selects the default sources.
type IndexRequest struct {
	Paths []string `json:"paths,omitempty"`
}

// SearchResponse carries ranked results. Total counts every result before the limit.
type SearchResponse struct {
	Results []models.ResolvedResult `json:"results"`
	Total   int                     `json:"total"`
	TookMS  int64                   `json:"took_ms"`
}

// DuplicatesResponse carries the clusters found across the selected sources.
type DuplicatesResponse struct {
	Clusters []models.Cluster `json:"clusters"`
	Count    int              `json:"count"`
}

// PathInfo is the public description of a configured source.
type PathInfo struct {
	Name          string  `json:"name"`
	Dir           string  `json:"dir"`
	Destination   string  `json:"destination"`
	Reader        string  `json:"reader"`
	Threshold     float64 `json:"threshold"`
	SearchDefault bool    `json:"search_default"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	paths, ok := s.selectPaths(w, req.Paths)
	if !ok {
		return
	}
	s.logger.Debug("search request", zap.String("query", req.Query), zap.Int("limit", req.Limit))
	start := time.Now()
	results, err := s.engine.Semantic(r.Context(), paths, req.Query)
	if errors.Is(err, search.ErrEmptyQuery) {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondResults(w, results, req.Limit, start)
}

func (s *Server) handleGrep(w http.ResponseWriter, r *http.Request) {
	var req GrepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(search.NormalizeTerms(req.Terms)) == 0 {
		s.respondError(w, http.StatusBadRequest, "at least one term is required")
		return
	}
	paths, ok := s.selectPaths(w, req.Paths)
	if !ok {
		return
	}
	start := time.Now()
	results, err := s.engine.Lexical(r.Context(), paths, req.Terms)
	if err != nil {
		s.logger.Error("grep failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondResults(w, results, req.Limit, start)
}

func (s *Server) respondResults(w http.ResponseWriter, results []models.Result, limit int, start time.Time) {
	total := len(results)
	ranked := search.Rank(results, limit)
	s.respondJSON(w, http.StatusOK, SearchResponse{
		Results: models.Resolve(ranked),
		Total:   total,
		TookMS:  time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	paths, ok := s.selectPaths(w, r.URL.Query()["path"])
	if !ok {
		return
	}
	clusters, err := s.detector.Find(r.Context(), paths)
	if err != nil {
		s.logger.Error("duplicate detection failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if clusters == nil {
		clusters = []models.Cluster{}
	}
	s.respondJSON(w, http.StatusOK, DuplicatesResponse{Clusters: clusters, Count: len(clusters)})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req IndexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	paths, ok := s.selectPaths(w, req.Paths)
	if !ok {
		return
	}
	out := make(map[string]indexer.Stats, len(paths))
	for _, lp := range paths {
		stats, err := s.indexer.IndexPath(r.Context(), lp)
		if err != nil {
			s.logger.Error("indexing failed", zap.String("path", lp.Name), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out[lp.Name] = stats
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handlePaths(w http.ResponseWriter, r *http.Request) {
	out := make([]PathInfo, 0, len(s.paths))
	for _, lp := range s.paths {
		out = append(out, PathInfo{
			Name:          lp.Name,
			Dir:           lp.Dir,
			Destination:   lp.Destination(),
			Reader:        lp.Reader,
			Threshold:     lp.Threshold,
			SearchDefault: lp.SearchDefault,
		})
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	paths, ok := s.selectPaths(w, r.URL.Query()["path"])
	if !ok {
		return
	}
	status, err := s.engine.Status(r.Context(), paths)
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	dirs := s.watch.Directories()
	if dirs == nil {
		dirs = []string{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": dirs})
}

// selectPaths resolves source names, writing a 400 for unknown names.
func (s *Server) selectPaths(w http.ResponseWriter, names []string) ([]config.LogicalPath, bool) {
	paths, err := config.Select(s.paths, names)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return paths, true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
