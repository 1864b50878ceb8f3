// Package ragserver implements the document retrieval HTTP service.
//
// The service exposes a single operation, POST /api/retrieve: it embeds the
// query text, finds the nearest document chunks in the vector store, and
// returns an assembled context block plus per-source citations. Health
// endpoints (/healthz, /readyz) report liveness and database readiness.
package ragserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/ragstore"
)

// Embedder turns query text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelID() string
}

// Searcher answers nearest-neighbour queries over stored document chunks.
// Satisfied by [ragstore.Store].
type Searcher interface {
	Search(ctx context.Context, embedding []float32, topK int) ([]ragstore.ChunkResult, error)
	Ping(ctx context.Context) error
}

// Config holds the retrieval tuning knobs for the server.
type Config struct {
	// TopK is the default number of chunks to retrieve when the request does
	// not specify one.
	TopK int

	// MaxContextChars caps the assembled context block. Zero means unlimited.
	MaxContextChars int

	// MinScore drops chunks whose similarity score falls below this
	// threshold before context assembly. Zero keeps everything.
	MinScore float64
}

// Server handles retrieval requests. Construct with [New].
type Server struct {
	embedder Embedder
	store    Searcher
	cfg      Config
	metrics  *observe.Metrics
}

// New creates a retrieval server backed by the given embedder and store.
func New(embedder Embedder, store Searcher, cfg Config) (*Server, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ragserver: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("ragserver: store must not be nil")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Server{
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		metrics:  observe.DefaultMetrics(),
	}, nil
}

// retrieveRequest is the POST /api/retrieve request body.
type retrieveRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// retrieveResponse is the POST /api/retrieve response body.
type retrieveResponse struct {
	Context string   `json:"context"`
	Sources []source `json:"sources"`
}

// errorResponse is the JSON body for failed requests.
type errorResponse struct {
	Error string `json:"error"`
}

// Register adds the retrieval and health routes to mux. The readiness probe
// pings the document store.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/retrieve", s.handleRetrieve)
	health.New(health.Checker{
		Name:  "database",
		Check: s.store.Ping,
	}).Register(mux)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeJSON(w, http.StatusOK, retrieveResponse{Context: emptyQueryContext, Sources: []source{}})
		return
	}

	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}

	resp, err := s.retrieve(r.Context(), query, topK)
	if err != nil {
		slog.ErrorContext(r.Context(), "retrieval failed",
			slog.String("error", err.Error()),
			slog.Int("top_k", topK))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "retrieval failed"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// retrieve embeds the query, searches the store, applies the minimum score
// threshold, and assembles the response.
func (s *Server) retrieve(ctx context.Context, query string, topK int) (retrieveResponse, error) {
	embedStart := time.Now()
	embedding, err := s.embedder.Embed(ctx, query)
	s.metrics.EmbeddingDuration.Record(ctx, time.Since(embedStart).Seconds(),
		metric.WithAttributes(observe.Attr("model", s.embedder.ModelID())))
	if err != nil {
		s.metrics.RecordRetrieval(ctx, 0, true)
		return retrieveResponse{}, fmt.Errorf("embed query: %w", err)
	}

	searchStart := time.Now()
	chunks, err := s.store.Search(ctx, embedding, topK)
	s.metrics.RecordRetrieval(ctx, time.Since(searchStart).Seconds(), err != nil)
	if err != nil {
		return retrieveResponse{}, fmt.Errorf("search chunks: %w", err)
	}

	if s.cfg.MinScore > 0 {
		kept := chunks[:0]
		for _, ch := range chunks {
			if ch.Score() >= s.cfg.MinScore {
				kept = append(kept, ch)
			}
		}
		chunks = kept
	}

	contextBlock, sources := buildContext(chunks, s.cfg.MaxContextChars)
	slog.DebugContext(ctx, "retrieval complete",
		slog.Int("chunks", len(chunks)),
		slog.Int("sources", len(sources)),
		slog.Int("context_chars", len(contextBlock)))
	return retrieveResponse{Context: contextBlock, Sources: sources}, nil
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", slog.String("error", err.Error()))
	}
}
