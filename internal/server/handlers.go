package server

import (
	"encoding/json"
	"net/http"
	"os"
	"time"
)

// HealthzResponse is the body of GET /_bbq/healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	PID           int    `json:"pid"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	MenuVersion   string `json:"menu_version"`
	Flavors       int    `json:"flavors"`
	Routes        int    `json:"routes"`
	LiveProcesses int    `json:"live_processes"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.menu != nil {
		resp.MenuVersion = s.menu.Meta.Version
		resp.Flavors = len(s.menu.Flavors)
		resp.Routes = s.menu.RouteCount()
	}
	if s.processes != nil {
		resp.LiveProcesses = s.processes.Live()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMenu(w http.ResponseWriter, r *http.Request) {
	if s.menu == nil {
		http.Error(w, "no menu loaded", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.menu)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
