package server

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/pdsmove/pdsmove/internal/diag"
	"github.com/pdsmove/pdsmove/utils"
)

type statusResponse struct {
	Host       string      `json:"host"`
	Checkpoint interface{} `json:"checkpoint"`
	Goroutines int         `json:"goroutines"`
}

// statusHandler reports the current checkpoint snapshot alongside
// basic runtime diagnostics, the way the teacher's status endpoint
// reported goroutine counts for the blocking simulator.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Host:       utils.GetHostname(),
		Checkpoint: s.snapshot(),
		Goroutines: runtime.NumGoroutine(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode status response", "error", err)
	}
	s.logger.Debug("status endpoint accessed", diag.Current().Attr())
}

// healthHandler is a liveness probe distinct from /status: it never
// touches the migration's checkpoint, so it stays cheap and fast even
// if a caller is mid-write to it.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
