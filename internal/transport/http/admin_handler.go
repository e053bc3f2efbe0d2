package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apperrors "stitchkey/internal/errors"
	"stitchkey/internal/services"
)

// AdminHandler handles provisioning endpoints for catalog entries and
// license rows. These sit behind the admin route group.
type AdminHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(service services.LicenseService, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "admin")),
	}
}

// ProvisionTypeRequest is the catalog entry payload. Nil limits mean
// unlimited devices and perpetual validity respectively.
type ProvisionTypeRequest struct {
	Code           string `json:"code" validate:"required"`
	AllowedDevices *int   `json:"allowed_devices,omitempty" validate:"omitnil,min=1"`
	ValidityDays   *int   `json:"validity_days,omitempty" validate:"omitnil,min=1"`
}

// Bind implements render.Binder.
func (p *ProvisionTypeRequest) Bind(r *http.Request) error {
	return validateStruct(p)
}

// ProvisionLicenseRequest is the license provisioning payload. A
// missing license_key asks the server to generate one.
type ProvisionLicenseRequest struct {
	LicenseKey string `json:"license_key,omitempty"`
	TypeCode   string `json:"type_code" validate:"required"`
}

// Bind implements render.Binder.
func (p *ProvisionLicenseRequest) Bind(r *http.Request) error {
	return validateStruct(p)
}

// Routes returns a chi router for admin endpoints.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(15 * time.Second))

	r.Post("/license-types", h.ProvisionType)
	r.Post("/licenses", h.ProvisionLicense)
	return r
}

// ProvisionType handles POST /api/admin/license-types
func (h *AdminHandler) ProvisionType(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	data := &ProvisionTypeRequest{}
	if err := render.Bind(r, data); err != nil {
		h.badRequest(w, r, err)
		return
	}

	if err := h.service.ProvisionType(ctx, data.Code, data.AllowedDevices, data.ValidityDays); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "license type created",
		slog.String("code", data.Code),
		slog.String("request_id", reqID))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]string{
		"status": "created",
		"code":   data.Code,
	})
}

// ProvisionLicense handles POST /api/admin/licenses
func (h *AdminHandler) ProvisionLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	data := &ProvisionLicenseRequest{}
	if err := render.Bind(r, data); err != nil {
		h.badRequest(w, r, err)
		return
	}

	key, err := h.service.ProvisionLicense(ctx, data.LicenseKey, data.TypeCode)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "license created",
		slog.String("type_code", data.TypeCode),
		slog.String("request_id", reqID))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]string{
		"status":      "created",
		"license_key": key,
		"type_code":   data.TypeCode,
	})
}

func (h *AdminHandler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.WarnContext(r.Context(), "invalid admin request",
		slog.String("error", err.Error()),
		slog.String("path", r.URL.Path))
	var apiErr *apperrors.APIError
	if !errors.As(err, &apiErr) {
		apiErr = apperrors.InvalidRequestWithError(err)
	}
	render.Render(w, r, apiErr)
}

func (h *AdminHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "admin request failed",
		slog.String("error", err.Error()),
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.GetReqID(r.Context())))
	render.Render(w, r, apperrors.FromDomain(err))
}
