package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "stitchkey/internal/errors"
	"stitchkey/internal/infrastructure"
	"stitchkey/internal/services"
)

// LicenseHandler handles license lifecycle HTTP requests.
type LicenseHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// TrialRequest is the trial issuance payload.
type TrialRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
}

// Bind implements render.Binder.
func (t *TrialRequest) Bind(r *http.Request) error {
	return validateStruct(t)
}

// ActivateRequest is the activation payload.
type ActivateRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
	DeviceID   string `json:"device_id" validate:"required"`
}

// Bind implements render.Binder.
func (a *ActivateRequest) Bind(r *http.Request) error {
	return validateStruct(a)
}

// MigrateRequest is the migration payload. DeviceID is optional; when
// present it must match the credential.
type MigrateRequest struct {
	Token         string `json:"token" validate:"required"`
	NewLicenseKey string `json:"new_license_key" validate:"required"`
	DeviceID      string `json:"device_id,omitempty"`
}

// Bind implements render.Binder.
func (m *MigrateRequest) Bind(r *http.Request) error {
	return validateStruct(m)
}

// DeactivateRequest is the deactivation payload.
type DeactivateRequest struct {
	Token    string `json:"token" validate:"required"`
	DeviceID string `json:"device_id" validate:"required"`
}

// Bind implements render.Binder.
func (d *DeactivateRequest) Bind(r *http.Request) error {
	return validateStruct(d)
}

// RefreshRequest is the credential refresh payload.
type RefreshRequest struct {
	Token string `json:"token" validate:"required"`
}

// Bind implements render.Binder.
func (f *RefreshRequest) Bind(r *http.Request) error {
	return validateStruct(f)
}

// CredentialResponse carries a freshly issued credential.
type CredentialResponse struct {
	Status  string `json:"status"`
	Token   string `json:"token"`
	TraceID string `json:"trace_id,omitempty"`
}

// VerifyResponse reports the outcome of a verification. NewToken is
// set only when the device was moved to another license and the
// credential was reissued.
type VerifyResponse struct {
	Status    string `json:"status"`
	LicenseID uint   `json:"license_id"`
	NewToken  string `json:"new_token,omitempty"`
}

// Routes returns a chi router for license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/trial", h.IssueTrial)
	r.Post("/activate", h.Activate)
	r.Get("/verify", h.Verify)
	r.Post("/migrate", h.Migrate)
	r.Post("/deactivate", h.Deactivate)
	r.Post("/refresh", h.Refresh)
	r.Get("/types", h.ListTypes)
	r.Get("/{id}", h.GetLicense)
	return r
}

// IssueTrial handles POST /api/license/trial
func (h *LicenseHandler) IssueTrial(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.issue_trial",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/trial"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	data := &TrialRequest{}
	if err := render.Bind(r, data); err != nil {
		span.RecordError(err)
		h.badRequest(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("license.device_id", data.DeviceID))
	token, err := h.service.IssueTrial(ctx, data.DeviceID)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, CredentialResponse{
		Status:  "trial_issued",
		Token:   token,
		TraceID: infrastructure.TraceIDFromContext(ctx),
	})
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/activate"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	data := &ActivateRequest{}
	if err := render.Bind(r, data); err != nil {
		span.RecordError(err)
		h.badRequest(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.key_prefix", maskLicenseKey(data.LicenseKey)),
		attribute.String("license.device_id", data.DeviceID),
	)

	token, err := h.service.Activate(ctx, data.LicenseKey, data.DeviceID)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("license.result", "failure"))
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("license.result", "success"))
	h.logger.InfoContext(ctx, "activation succeeded",
		slog.String("request_id", reqID),
		slog.String("device_id", data.DeviceID))

	render.JSON(w, r, CredentialResponse{
		Status:  "activated",
		Token:   token,
		TraceID: infrastructure.TraceIDFromContext(ctx),
	})
}

// Verify handles GET /api/license/verify. The credential comes from
// the Authorization header or, for legacy clients, a token query
// parameter.
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.verify",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/verify"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	credential := credentialFromRequest(r)
	if credential == "" {
		h.badRequest(w, r, errors.New("token is required"))
		return
	}

	result, err := h.service.Verify(ctx, credential)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("verify.result", "rejected"))
		h.handleError(w, r, err)
		return
	}

	resp := VerifyResponse{Status: "valid", LicenseID: result.LicenseID}
	if result.Refreshed {
		resp.Status = "updated"
		resp.NewToken = result.AccessToken
	}
	span.SetAttributes(attribute.String("verify.result", resp.Status))
	render.JSON(w, r, resp)
}

// Migrate handles POST /api/license/migrate
func (h *LicenseHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.migrate",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/migrate"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	data := &MigrateRequest{}
	if err := render.Bind(r, data); err != nil {
		span.RecordError(err)
		h.badRequest(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("license.new_key_prefix", maskLicenseKey(data.NewLicenseKey)))
	token, err := h.service.Migrate(ctx, data.Token, data.NewLicenseKey, data.DeviceID)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "migration succeeded", slog.String("request_id", reqID))
	render.JSON(w, r, CredentialResponse{
		Status:  "migrated",
		Token:   token,
		TraceID: infrastructure.TraceIDFromContext(ctx),
	})
}

// Deactivate handles POST /api/license/deactivate
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	data := &DeactivateRequest{}
	if err := render.Bind(r, data); err != nil {
		h.badRequest(w, r, err)
		return
	}

	if err := h.service.Deactivate(ctx, data.Token, data.DeviceID); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "deactivation succeeded",
		slog.String("request_id", reqID),
		slog.String("device_id", data.DeviceID))

	render.JSON(w, r, map[string]string{
		"status":  "deactivated",
		"message": "Device released from license",
	})
}

// Refresh handles POST /api/license/refresh
func (h *LicenseHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data := &RefreshRequest{}
	if err := render.Bind(r, data); err != nil {
		h.badRequest(w, r, err)
		return
	}

	token, err := h.service.Refresh(ctx, data.Token)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, CredentialResponse{
		Status:  "refreshed",
		Token:   token,
		TraceID: infrastructure.TraceIDFromContext(ctx),
	})
}

// ListTypes handles GET /api/license/types
func (h *LicenseHandler) ListTypes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	types, err := h.service.ListTypes(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]interface{}{
		"types": types,
		"count": len(types),
	})
}

// GetLicense handles GET /api/license/{id}. The caller must present
// the credential for that same license.
func (h *LicenseHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		h.badRequest(w, r, errors.New("license id must be a positive integer"))
		return
	}

	credential := credentialFromRequest(r)
	if credential == "" {
		render.Render(w, r, apperrors.ErrUnauthorized)
		return
	}

	info, serr := h.service.GetLicense(ctx, credential, uint(id))
	if serr != nil {
		h.handleError(w, r, serr)
		return
	}
	render.JSON(w, r, info)
}

// badRequest renders a 400 for malformed or invalid payloads.
// Validation failures arrive as structured APIErrors and render as-is;
// anything else (bad JSON, wrong content type) wraps generically.
func (h *LicenseHandler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.WarnContext(r.Context(), "invalid request",
		slog.String("error", err.Error()),
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.GetReqID(r.Context())))
	var apiErr *apperrors.APIError
	if !errors.As(err, &apiErr) {
		apiErr = apperrors.InvalidRequestWithError(err)
	}
	render.Render(w, r, apiErr)
}

// handleError maps service errors to API error responses.
func (h *LicenseHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	h.logger.ErrorContext(ctx, "request failed",
		slog.String("error", err.Error()),
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.String("request_id", middleware.GetReqID(ctx)),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)))
	render.Render(w, r, apperrors.FromDomain(err))
}

// credentialFromRequest extracts the credential from the Authorization
// header, falling back to the token query parameter.
func credentialFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// maskLicenseKey masks a license key for logging and tracing.
func maskLicenseKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
