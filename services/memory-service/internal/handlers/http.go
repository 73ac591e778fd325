package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/knowd-io/knowd/services/memory-service/internal/eventlog"
	"github.com/knowd-io/knowd/services/memory-service/internal/projection"
	"github.com/knowd-io/knowd/services/memory-service/internal/projection/graph"
	"github.com/knowd-io/knowd/services/memory-service/internal/projection/vector"
	"github.com/knowd-io/knowd/services/memory-service/internal/writer"
)

type Handler struct {
	writer     *writer.Service
	log        *eventlog.Repository
	dispatcher *projection.Dispatcher
	graph      *graph.Store
	vector     *vector.Store
}

func New(writerSvc *writer.Service, log *eventlog.Repository, dispatcher *projection.Dispatcher, graphStore *graph.Store, vectorStore *vector.Store) *Handler {
	return &Handler{writer: writerSvc, log: log, dispatcher: dispatcher, graph: graphStore, vector: vectorStore}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/operations", h.SubmitOperation)
	mux.HandleFunc("/v1/aggregates/", h.AggregateEvents)
	mux.HandleFunc("/v1/events", h.EventsByType)
	mux.HandleFunc("/v1/events/stats", h.EventStats)
	mux.HandleFunc("/v1/projections/", h.RebuildProjection)
	mux.HandleFunc("/v1/concepts/", h.ConceptNeighbors)
	mux.HandleFunc("/v1/search/similar", h.SimilarConcepts)
}

// SubmitOperation is the single write entry point. The response is always a
// definite success or failure; lagging eventual-delivery projections are
// reported per projection, not as ambiguity.
func (h *Handler) SubmitOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var op writer.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	res, err := h.writer.Submit(r.Context(), op)
	if err != nil {
		writeSubmitError(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"aggregate_id": res.AggregateID,
		"event_id":     res.EventID,
		"version":      res.Version,
		"projections":  res.Projections,
	})
}

func (h *Handler) AggregateEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// /v1/aggregates/{id}/events
	rest := strings.TrimPrefix(r.URL.Path, "/v1/aggregates/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "events" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	events, err := h.log.ListByAggregate(r.Context(), parts[0])
	if err != nil {
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"aggregate_id": parts[0],
		"events":       events,
	})
}

// EventsByType lists recent events of one type, oldest first.
func (h *Handler) EventsByType(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		http.Error(w, "type query parameter is required", http.StatusBadRequest)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.log.ListByType(r.Context(), eventType, limit)
	if err != nil {
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event_type": eventType,
		"events":     events,
	})
}

func (h *Handler) EventStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts, err := h.log.CountByType(r.Context())
	if err != nil {
		http.Error(w, "failed to count events", http.StatusInternalServerError)
		return
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   total,
		"by_type": counts,
	})
}

// RebuildProjection replays the full log into one projection. Admin
// operation; long-running for large logs, so callers should use a generous
// client timeout.
func (h *Handler) RebuildProjection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// /v1/projections/{name}/rebuild
	rest := strings.TrimPrefix(r.URL.Path, "/v1/projections/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "rebuild" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	name := parts[0]
	if _, ok := h.dispatcher.Projection(name); !ok {
		http.Error(w, "unknown projection "+strconv.Quote(name), http.StatusNotFound)
		return
	}

	applied, err := h.writer.Rebuild(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"applied": applied,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"applied": applied,
	})
}

// ConceptNeighbors lists the live concepts one hop away in the graph store.
func (h *Handler) ConceptNeighbors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// /v1/concepts/{id}/neighbors
	rest := strings.TrimPrefix(r.URL.Path, "/v1/concepts/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "neighbors" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	neighbors, err := h.graph.Neighbors(r.Context(), parts[0])
	if err != nil {
		http.Error(w, "failed to query graph", http.StatusBadGateway)
		return
	}
	if neighbors == nil {
		neighbors = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"concept_id": parts[0],
		"neighbors":  neighbors,
	})
}

// SimilarConcepts ranks live concepts by cosine similarity against the query
// embedding.
func (h *Handler) SimilarConcepts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Embedding []float32 `json:"embedding"`
		K         int       `json:"k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if len(req.Embedding) == 0 {
		http.Error(w, "embedding is required", http.StatusBadRequest)
		return
	}

	matches, err := h.vector.Nearest(r.Context(), req.Embedding, req.K)
	if err != nil {
		http.Error(w, "failed to query vector store", http.StatusBadGateway)
		return
	}
	if matches == nil {
		matches = []vector.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func writeSubmitError(w http.ResponseWriter, res writer.Result, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, writer.ErrValidation):
		status, code = http.StatusBadRequest, "validation"
	case errors.Is(err, writer.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, writer.ErrStorage):
		status, code = http.StatusServiceUnavailable, "storage"
	case errors.Is(err, writer.ErrProjection):
		status, code = http.StatusBadGateway, "projection"
	case errors.Is(err, writer.ErrFatalInconsistent):
		status, code = http.StatusInternalServerError, "fatal_inconsistent"
	}

	body := map[string]any{
		"success": false,
		"code":    code,
		"error":   err.Error(),
	}
	if res.EventID != "" {
		body["event_id"] = res.EventID
		body["aggregate_id"] = res.AggregateID
		body["projections"] = res.Projections
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
