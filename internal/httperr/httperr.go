// Package httperr defines the error envelope returned by every HTTP
// surface of the portal. Internal code paths propagate typed errors;
// only the HTTP layer materializes an Envelope.
package httperr

import (
	"encoding/json"
	"net/http"
)

// Code is a stable machine-readable error code.
type Code string

// The fixed error code enum. Codes are part of the admin API contract
// and must not be renamed.
const (
	CodeInvalidInput           Code = "INVALID_INPUT"
	CodeNotFound               Code = "NOT_FOUND"
	CodeConflict               Code = "CONFLICT"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeRBACForbidden          Code = "RBAC_FORBIDDEN"
	CodeControllerUnavailable  Code = "CONTROLLER_UNAVAILABLE"
	CodeControllerTimeout      Code = "CONTROLLER_TIMEOUT"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeInternalError          Code = "INTERNAL_ERROR"
	CodeDuplicateRedemption    Code = "DUPLICATE_REDEMPTION"
	CodeRetryExhausted         Code = "RETRY_EXHAUSTED"
	CodeOutsideWindow          Code = "OUTSIDE_WINDOW"
	CodeIntegrationUnavailable Code = "INTEGRATION_UNAVAILABLE"
)

// Envelope is the JSON error body: {error, code, correlation_id}.
type Envelope struct {
	Status        int    `json:"-"`
	Message       string `json:"error"`
	Code          Code   `json:"code"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (e *Envelope) Error() string {
	return e.Message
}

// WriteJSON writes the envelope to the response with its HTTP status.
func (e *Envelope) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(e)
}

// WithCorrelationID returns a copy of the envelope carrying the id.
func (e *Envelope) WithCorrelationID(id string) *Envelope {
	out := *e
	out.CorrelationID = id
	return &out
}

// Base envelopes. Guest-visible messages stay deliberately generic;
// specific failure reasons go to the audit log only.
var (
	ErrInvalidInput = &Envelope{
		Status:  http.StatusBadRequest,
		Message: "Invalid authorization code",
		Code:    CodeInvalidInput,
	}

	ErrNotFound = &Envelope{
		Status:  http.StatusNotFound,
		Message: "Invalid authorization code",
		Code:    CodeNotFound,
	}

	ErrConflict = &Envelope{
		Status:  http.StatusConflict,
		Message: "Conflict",
		Code:    CodeConflict,
	}

	ErrUnauthorized = &Envelope{
		Status:  http.StatusUnauthorized,
		Message: "Authentication required",
		Code:    CodeUnauthorized,
	}

	ErrRBACForbidden = &Envelope{
		Status:  http.StatusForbidden,
		Message: "Forbidden",
		Code:    CodeRBACForbidden,
	}

	ErrControllerUnavailable = &Envelope{
		Status:  http.StatusServiceUnavailable,
		Message: "Controller unavailable",
		Code:    CodeControllerUnavailable,
	}

	ErrControllerTimeout = &Envelope{
		Status:  http.StatusGatewayTimeout,
		Message: "Controller timeout",
		Code:    CodeControllerTimeout,
	}

	ErrRateLimited = &Envelope{
		Status:  http.StatusTooManyRequests,
		Message: "Too many attempts",
		Code:    CodeRateLimited,
	}

	ErrInternal = &Envelope{
		Status:  http.StatusInternalServerError,
		Message: "Internal error",
		Code:    CodeInternalError,
	}

	ErrDuplicateRedemption = &Envelope{
		Status:  http.StatusConflict,
		Message: "Code already in use on this device",
		Code:    CodeDuplicateRedemption,
	}

	ErrRetryExhausted = &Envelope{
		Status:  http.StatusServiceUnavailable,
		Message: "Controller unavailable",
		Code:    CodeRetryExhausted,
	}

	ErrOutsideWindow = &Envelope{
		Status:  http.StatusGone,
		Message: "Code is not valid at this time",
		Code:    CodeOutsideWindow,
	}

	ErrIntegrationUnavailable = &Envelope{
		Status:  http.StatusServiceUnavailable,
		Message: "Booking lookup temporarily unavailable",
		Code:    CodeIntegrationUnavailable,
	}
)

// New creates an envelope with a custom message.
func New(status int, code Code, message string) *Envelope {
	return &Envelope{Status: status, Code: code, Message: message}
}
