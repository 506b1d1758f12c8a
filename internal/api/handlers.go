package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/foxzi/drip/internal/dispatch"
	"github.com/foxzi/drip/internal/store"
)

// HealthResponse is the response for GET /healthz
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// StatusResponse is the response for GET /status
type StatusResponse struct {
	Scheduler dispatch.Status `json:"scheduler"`
	Uptime    string          `json:"uptime"`
}

// QueueResponse is the response for GET /queue
type QueueResponse struct {
	Counts *store.UnitCounts `json:"counts"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).String(),
	})
}

// handleStatus handles GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, StatusResponse{
		Scheduler: s.supervisor.Status(),
		Uptime:    time.Since(s.startTime).String(),
	})
}

// handleQueue handles GET /queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountUnits(r.Context())
	if err != nil {
		s.logger.Error("failed to count units", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	s.sendJSON(w, http.StatusOK, QueueResponse{Counts: counts})
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
