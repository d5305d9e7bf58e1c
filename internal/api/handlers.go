package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.status.Snapshot()})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	limit := intQueryParam(r, "limit", 20)
	offset := intQueryParam(r, "offset", 0)
	runs, err := s.runs.ListRuns(r.Context(), taskID, limit, offset)
	if err != nil {
		s.logger.Error("list runs", "task", taskID, "err", err)
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func intQueryParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
