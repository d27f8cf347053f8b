// Copyright 2025 James Ross
// RFC 7807 Problem Details error envelope and the mapping from
// machine-readable error codes to HTTP status and title.
package api

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error_code value.
type ErrorCode string

const (
	ErrValidation       ErrorCode = "validation_error"
	ErrInvalidAPIKey    ErrorCode = "invalid_api_key"
	ErrInsufficientPerm ErrorCode = "insufficient_permissions"
	ErrNotFound         ErrorCode = "resource_not_found"
	ErrConflict         ErrorCode = "resource_conflict"
	ErrRateLimited      ErrorCode = "rate_limit_exceeded"
	ErrDatabase         ErrorCode = "database_error"
	ErrQueueOp          ErrorCode = "queue_operation_failed"
	ErrWebhookDelivery  ErrorCode = "webhook_delivery_failed"
	ErrInternal         ErrorCode = "internal_error"
	ErrServiceUnavail   ErrorCode = "service_unavailable"
	ErrTimeout          ErrorCode = "timeout_error"
)

// FieldError is one entry of Problem.Errors, for field-level validation
// detail.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Problem is the RFC 7807 envelope every error response carries.
type Problem struct {
	Type      string       `json:"type"`
	Title     string       `json:"title"`
	Status    int          `json:"status"`
	Detail    string       `json:"detail,omitempty"`
	ErrorCode ErrorCode    `json:"error_code"`
	Instance  string       `json:"instance,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
	Errors    []FieldError `json:"errors,omitempty"`
}

var codeToStatus = map[ErrorCode]int{
	ErrValidation:       http.StatusBadRequest,
	ErrInvalidAPIKey:    http.StatusUnauthorized,
	ErrInsufficientPerm: http.StatusForbidden,
	ErrNotFound:         http.StatusNotFound,
	ErrConflict:         http.StatusConflict,
	ErrRateLimited:      http.StatusTooManyRequests,
	ErrDatabase:         http.StatusInternalServerError,
	ErrQueueOp:          http.StatusInternalServerError,
	ErrWebhookDelivery:  http.StatusInternalServerError,
	ErrInternal:         http.StatusInternalServerError,
	ErrServiceUnavail:   http.StatusServiceUnavailable,
	ErrTimeout:          http.StatusGatewayTimeout,
}

var codeToTitle = map[ErrorCode]string{
	ErrValidation:       "Validation Error",
	ErrInvalidAPIKey:    "Invalid API Key",
	ErrInsufficientPerm: "Insufficient Permissions",
	ErrNotFound:         "Resource Not Found",
	ErrConflict:         "Resource Conflict",
	ErrRateLimited:      "Rate Limit Exceeded",
	ErrDatabase:         "Database Error",
	ErrQueueOp:          "Queue Operation Failed",
	ErrWebhookDelivery:  "Webhook Delivery Failed",
	ErrInternal:         "Internal Error",
	ErrServiceUnavail:   "Service Unavailable",
	ErrTimeout:          "Timeout",
}

// WriteProblem writes a Problem Details response (content-type
// application/problem+json per RFC 7807).
func WriteProblem(w http.ResponseWriter, r *http.Request, code ErrorCode, detail string, fieldErrors ...FieldError) {
	status, ok := codeToStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	p := Problem{
		Type:      "https://eventrelay.dev/errors/" + string(code),
		Title:     codeToTitle[code],
		Status:    status,
		Detail:    detail,
		ErrorCode: code,
		Instance:  r.URL.Path,
		RequestID: RequestIDFromContext(r.Context()),
		Errors:    fieldErrors,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}
