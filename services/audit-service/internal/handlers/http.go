package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/knowd-io/knowd/services/audit-service/internal/consistency"
)

type Handler struct {
	runner *consistency.Runner
}

func New(runner *consistency.Runner) *Handler {
	return &Handler{runner: runner}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/consistency/checks", h.Checks)
	mux.HandleFunc("/v1/consistency/checks/latest", h.Latest)
}

// Checks triggers an immediate check on POST and lists recorded snapshots
// on GET.
func (h *Handler) Checks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		snap, err := h.runner.RunOnce(r.Context())
		if err != nil {
			http.Error(w, "consistency check failed", http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusCreated, snap)
	case http.MethodGet:
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		snaps, err := h.runner.History(r.Context(), limit)
		if err != nil {
			http.Error(w, "failed to list snapshots", http.StatusInternalServerError)
			return
		}
		if snaps == nil {
			snaps = []consistency.Snapshot{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) Latest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := h.runner.Latest(r.Context())
	if errors.Is(err, consistency.ErrNoSnapshot) {
		http.Error(w, "no snapshot recorded yet", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load snapshot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
