package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-examtaker/internal/response"
)

// Pinger is a dependency whose reachability is reported by /health.
type Pinger func(ctx context.Context) error

// HealthHandler reports dependency status and the number of live sessions.
type HealthHandler struct {
	pingers  map[string]Pinger
	sessions func() int
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(pingers map[string]Pinger, sessions func() int) *HealthHandler {
	return &HealthHandler{pingers: pingers, sessions: sessions}
}

// Health godoc
// GET /health
// Pings every dependency; any failure turns the response into a 503.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.pingers))
	healthy := true
	for name, ping := range h.pingers {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	body := gin.H{"status": "ok", "checks": checks}
	if h.sessions != nil {
		body["live_sessions"] = h.sessions()
	}
	if !healthy {
		body["status"] = "degraded"
		response.FailWithData(c, http.StatusServiceUnavailable, response.ErrServiceUnavailable, body)
		return
	}
	response.Success(c, http.StatusOK, body)
}
