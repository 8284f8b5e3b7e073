package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
	ErrCodeParticipantOffline ErrorCode = "PARTICIPANT_OFFLINE"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeMediaUnavailable   ErrorCode = "MEDIA_UNAVAILABLE"
	ErrCodeTransport          ErrorCode = "TRANSPORT_ERROR"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError carries an error code, the HTTP status it maps to and optional
// details for the response body.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds a detail field and returns e for chaining.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	appErr := NewAppError(code, message, httpStatus)
	appErr.Cause = err
	return appErr
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

// NewInvalidStateError reports a call command issued in a state that does
// not allow it.
func NewInvalidStateError(err error) *AppError {
	return WrapError(err, ErrCodeInvalidState, "operation not allowed in the current call state", http.StatusConflict)
}

func NewParticipantOfflineError(participant string) *AppError {
	return NewAppError(ErrCodeParticipantOffline, fmt.Sprintf("participant %s is not connected", participant), http.StatusNotFound).
		WithContext("participant_id", participant)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

// NewMediaUnavailableError reports denied or missing capture devices. The
// caller may retry once devices are available.
func NewMediaUnavailableError(err error) *AppError {
	return WrapError(err, ErrCodeMediaUnavailable, "local media unavailable", http.StatusServiceUnavailable).
		WithContext("retryable", true)
}

func NewTransportError(err error) *AppError {
	return WrapError(err, ErrCodeTransport, "signaling transport unavailable", http.StatusBadGateway)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// GetAppError extracts the first AppError from the error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
