package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	s.connsMu.Lock()
	connections := len(s.conns)
	s.connsMu.Unlock()

	_, persistent := s.store.(ProfileStore)

	health := map[string]interface{}{
		"status":          "healthy",
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"connections":     connections,
		"connected_users": s.registry.Len(),
		"history_enabled": persistent,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		errorLog.Printf("Error encoding health JSON: %v", err)
	}
}
