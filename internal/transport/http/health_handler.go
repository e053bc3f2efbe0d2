package http

import (
	"net/http"

	"github.com/go-chi/render"

	"stitchkey/internal/services"
)

// HealthHandler serves liveness and readiness checks.
type HealthHandler struct {
	service *services.HealthService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(service *services.HealthService) *HealthHandler {
	return &HealthHandler{service: service}
}

// Check handles GET /api/healthz. A degraded store still returns 200
// with a degraded body; a 503 would flap restarts during transient
// database contention.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	status := h.service.Check(r.Context())
	render.JSON(w, r, status)
}
