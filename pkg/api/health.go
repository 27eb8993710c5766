package api

import (
	"net/http"
	"time"

	"github.com/openauthhq/openauth/pkg/httputil"
)

type healthStatus struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

// handleHealth pings the backing stores and reports per-component status.
// A degraded dependency turns the overall status to 503 so load balancers
// stop routing here.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := &healthStatus{
		Status:     "healthy",
		Components: map[string]string{},
		Timestamp:  time.Now().UTC(),
	}

	if err := s.store.Ping(ctx); err != nil {
		s.observeStoreError("postgres", "ping")
		status.Status = "unhealthy"
		status.Components["postgres"] = err.Error()
	} else {
		status.Components["postgres"] = "ok"
	}
	if err := s.ledger.Ping(ctx); err != nil {
		s.observeStoreError("redis", "ping")
		status.Status = "unhealthy"
		status.Components["redis"] = err.Error()
	} else {
		status.Components["redis"] = "ok"
	}

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, status)
}
