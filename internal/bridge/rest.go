package bridge

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.List()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.sessions.Destroy(id); err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"closing"}`))
}

// handleStatus probes the comma-separated ports in the query string, e.g.
// GET /status?ports=3000,8080. Probes are scoped to the request context.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ports")
	if raw == "" {
		http.Error(w, `{"error":"ports query parameter is required"}`, http.StatusBadRequest)
		return
	}

	var ports []int
	for _, part := range strings.Split(raw, ",") {
		port, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || port <= 0 || port > 65535 {
			http.Error(w, `{"error":"invalid port: `+part+`"}`, http.StatusBadRequest)
			return
		}
		ports = append(ports, port)
	}

	results := s.ports.CheckRange(r.Context(), ports)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}
