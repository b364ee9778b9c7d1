package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies application errors.
type ErrorCode string

const (
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeInactiveState    ErrorCode = "INACTIVE_STATE"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeAccessDenied     ErrorCode = "ACCESS_DENIED"
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// AppError carries an error code, HTTP status and optional cause/context.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]any
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithContext attaches a key/value to the error and returns it.
func (e *AppError) WithContext(key string, value any) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Cause: err}
}

func NewInvalidInput(message string) *AppError {
	return New(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewInactiveState(message string) *AppError {
	return New(ErrCodeInactiveState, message, http.StatusConflict)
}

func NewUnauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewAccessDenied(message string) *AppError {
	return New(ErrCodeAccessDenied, message, http.StatusForbidden)
}

func NewRateLimited() *AppError {
	return New(ErrCodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewStoreUnavailable(cause error) *AppError {
	return Wrap(cause, ErrCodeStoreUnavailable, "shared store unavailable", http.StatusServiceUnavailable)
}

func NewInternal(message string) *AppError {
	return New(ErrCodeInternal, message, http.StatusInternalServerError)
}

// AsAppError extracts an *AppError from anywhere in the chain.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the error's code, or ErrCodeInternal for plain errors.
func CodeOf(err error) ErrorCode {
	if appErr := AsAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}
