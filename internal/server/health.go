package server

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck probes one external dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type componentHealth struct {
	Status    string  `json:"status"`
	Message   string  `json:"message,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

type healthResp struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]componentHealth `json:"components"`
}

// handleHealth runs every registered check and reports per-component
// detail. Any failing component makes the whole response 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResp{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]componentHealth, len(s.health)),
	}

	for _, hc := range s.health {
		start := time.Now()
		err := hc.Check(ctx)
		ch := componentHealth{
			Status:    "up",
			LatencyMs: float64(time.Since(start).Milliseconds()),
		}
		if err != nil {
			ch.Status = "down"
			ch.Message = err.Error()
			resp.Status = "unhealthy"
		}
		resp.Components[hc.Name] = ch
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// handleReady is the load balancer probe: all dependencies reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, hc := range s.health {
		if err := hc.Check(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"failed": hc.Name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLive only says the process is up.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
