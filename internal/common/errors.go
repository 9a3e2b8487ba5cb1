package common

import (
	"errors"
	"net/http"
)

// Error codes shared by handlers. Codes are stable and safe to expose to clients.
const (
	CodeConfiguration  = "CONFIGURATION_ERROR"
	CodeValidation     = "VALIDATION_ERROR"
	CodeMissingFields  = "MISSING_FIELDS"
	CodeAuthentication = "AUTHENTICATION_ERROR"
	CodeStructural     = "INVALID_PAYLOAD"
	CodeStore          = "STORE_ERROR"
	CodeInternal       = "INTERNAL"
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// ValidationError builds a 400 AppError carrying per-field details.
func ValidationError(message string, details any) *AppError {
	return &AppError{Code: CodeValidation, Message: message, HTTPStatus: http.StatusBadRequest, Details: details}
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}
