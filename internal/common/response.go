package common

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorBody represents a consistent error payload returned by the API.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes the provided value to the response writer as JSON.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders an error response using the canonical error shape.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSONErrorWith(w, status, code, message, details, nil)
}

// JSONErrorWith renders the canonical error shape plus additional top-level
// members, e.g. the missingFields list of a checkout validation failure.
func JSONErrorWith(w http.ResponseWriter, status int, code, message string, details any, extra map[string]any) {
	body := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		body[k] = v
	}
	body["error"] = ErrorBody{
		Code:    code,
		Message: message,
		Details: details,
	}
	JSON(w, status, body)
}

// WriteAppError renders err using its AppError metadata when available and a
// generic 500 otherwise. Internal error text is never exposed.
func WriteAppError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		JSONError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
		return
	}
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusBadRequest
	}
	code := appErr.Code
	if code == "" {
		code = CodeValidation
	}
	JSONError(w, status, code, appErr.Message, appErr.Details)
}
