// Package server exposes the search engine over a local HTTP API.
//
// Endpoints:
//
//	GET  /search?q=<text>&k=<n>   semantic search
//	GET  /note/{id}               full note including body
//	GET  /status                  current index status
//	GET  /status/stream           status updates as server-sent events
//	POST /rebuild                 force a full rebuild
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/dimaginar/joplin-smart-search/pkg/joplin"
	"github.com/dimaginar/joplin-smart-search/pkg/smartsearch"
)

// Server wraps the engine behind HTTP handlers.
type Server struct {
	engine *smartsearch.Engine
	http   *http.Server
}

// New builds a server listening on addr.
func New(engine *smartsearch.Engine, addr string) *Server {
	s := &Server{engine: engine}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /note/{id}", s.handleNote)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /status/stream", s.handleStatusStream)
	mux.HandleFunc("POST /rebuild", s.handleRebuild)
	return mux
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed after
// Shutdown is swallowed.
func (s *Server) ListenAndServe() error {
	log.Printf("[server] listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, smartsearch.ErrNotReady), errors.Is(err, smartsearch.ErrModelNotLoaded):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.Is(err, joplin.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "note not found"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

type searchResponse struct {
	Query   string               `json:"query"`
	Results []smartsearch.Result `json:"results"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing query parameter q"})
		return
	}

	topK := 0
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid parameter k"})
			return
		}
		topK = n
	}

	results, err := s.engine.Search(r.Context(), query, topK)
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []smartsearch.Result{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: query, Results: results})
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !joplin.ValidID(id) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid note id"})
		return
	}

	note, err := s.engine.GetNote(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleStatusStream pushes every status change as an SSE event, starting
// with the current value so clients never render an empty state.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates := s.engine.Subscribe(r.Context())

	writeEvent := func(status smartsearch.Status) bool {
		data, err := json.Marshal(status)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeEvent(s.engine.Status()) {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case status, ok := <-updates:
			if !ok {
				return
			}
			if !writeEvent(status) {
				return
			}
		}
	}
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	// The rebuild runs in the background; single-flight guards inside the
	// engine make a duplicate trigger harmless.
	go func() {
		if err := s.engine.RebuildNow(context.Background()); err != nil {
			log.Printf("[server] rebuild failed: %v", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "rebuild scheduled"})
}
