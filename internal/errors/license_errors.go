package errors

import (
	"errors"
	"net/http"
)

// Domain sentinel errors. The lifecycle engine returns these to the
// transport layer, which maps them to APIError responses via FromDomain.
// The ledger and codec only ever signal the structural subset
// (capacity, binding, token errors); business rules live above them.
var (
	// License lookups and state
	ErrLicenseNotFound = errors.New("license not found")
	ErrLicenseInactive = errors.New("license is not active")
	ErrLicenseExpired  = errors.New("license expired")
	ErrLicenseExists   = errors.New("license key already exists")

	// Catalog
	ErrTypeNotFound = errors.New("license type not found")
	ErrTypeExists   = errors.New("license type already exists")

	// Ledger
	ErrCapacityExceeded = errors.New("device capacity exceeded")
	ErrBindingNotFound  = errors.New("device binding not found")

	// Lifecycle rules
	ErrDeviceLimitExceeded   = errors.New("device limit exceeded")
	ErrInsufficientCapacity  = errors.New("destination license cannot absorb all devices")
	ErrAlreadyTrialed        = errors.New("trial already activated on this device")
	ErrTrialNotDeactivatable = errors.New("trial devices cannot be deactivated")
	ErrSameLicense           = errors.New("source and destination license are the same")
	ErrDeviceNotBound        = errors.New("device is not bound to this license")
	ErrDeviceMismatch        = errors.New("credential was issued for a different device")

	// Credential codec
	ErrTokenMalformed        = errors.New("malformed access token")
	ErrTokenInvalidSignature = errors.New("invalid token signature")
	ErrTokenExpired          = errors.New("access token expired")
)

// FromDomain maps a domain sentinel error to a client-facing APIError.
// Unknown errors become 500 INTERNAL_SERVER_ERROR so store failures are
// never leaked verbatim.
func FromDomain(err error) *APIError {
	switch {
	case errors.Is(err, ErrLicenseNotFound):
		return New(http.StatusNotFound, "LICENSE_NOT_FOUND", "License not found")
	case errors.Is(err, ErrTypeNotFound):
		return New(http.StatusNotFound, "LICENSE_TYPE_NOT_FOUND", "License type not found")
	case errors.Is(err, ErrBindingNotFound):
		return New(http.StatusNotFound, "DEVICE_NOT_FOUND", "Device binding not found")
	case errors.Is(err, ErrLicenseInactive):
		return New(http.StatusForbidden, "LICENSE_INACTIVE", "License is not active")
	case errors.Is(err, ErrLicenseExpired):
		return New(http.StatusForbidden, "LICENSE_EXPIRED", "License has expired")
	case errors.Is(err, ErrDeviceNotBound):
		return New(http.StatusForbidden, "DEVICE_NOT_BOUND", "Device is not activated for this license")
	case errors.Is(err, ErrDeviceMismatch):
		return New(http.StatusForbidden, "DEVICE_MISMATCH", "Credential was issued for a different device")
	case errors.Is(err, ErrTrialNotDeactivatable):
		return New(http.StatusForbidden, "TRIAL_NOT_DEACTIVATABLE", "Trial devices cannot be deactivated")
	case errors.Is(err, ErrAlreadyTrialed):
		return New(http.StatusConflict, "ALREADY_TRIALED", "Trial already activated on this device")
	case errors.Is(err, ErrDeviceLimitExceeded), errors.Is(err, ErrCapacityExceeded):
		return New(http.StatusConflict, "DEVICE_LIMIT_EXCEEDED", "Device limit exceeded for this license")
	case errors.Is(err, ErrInsufficientCapacity):
		return New(http.StatusConflict, "INSUFFICIENT_CAPACITY", "Destination license cannot absorb all devices")
	case errors.Is(err, ErrLicenseExists):
		return New(http.StatusConflict, "LICENSE_EXISTS", "License key already exists")
	case errors.Is(err, ErrTypeExists):
		return New(http.StatusConflict, "LICENSE_TYPE_EXISTS", "License type already exists")
	case errors.Is(err, ErrSameLicense):
		return New(http.StatusBadRequest, "SAME_LICENSE", "Source and destination license are the same")
	case errors.Is(err, ErrTokenExpired):
		return New(http.StatusUnauthorized, "TOKEN_EXPIRED", "Access token expired")
	case errors.Is(err, ErrTokenInvalidSignature), errors.Is(err, ErrTokenMalformed):
		return New(http.StatusUnauthorized, "INVALID_TOKEN", "Invalid access token")
	default:
		return ErrInternalServer
	}
}
