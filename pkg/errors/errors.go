package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"rtcore/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents an application error with code and context
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

// WithContext adds context to the error
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
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

type sentinelMapping struct {
	target error
	code   ErrorCode
	status int
}

var sentinels = []sentinelMapping{
	{domain.ErrInvalidAppID, ErrCodeUnauthorized, http.StatusUnauthorized},
	{domain.ErrInvalidToken, ErrCodeUnauthorized, http.StatusUnauthorized},
	{domain.ErrInvalidChannelName, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrInvalidUID, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrInvalidArgument, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrInvalidProbeConfig, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrInvalidRelayConfig, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrTooManyDestinations, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrUserNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrAlreadyRunning, ErrCodeConflict, http.StatusConflict},
	{domain.ErrAlreadyInChannel, ErrCodeConflict, http.StatusConflict},
	{domain.ErrNotInChannel, ErrCodeInvalidState, http.StatusConflict},
	{domain.ErrInvalidState, ErrCodeInvalidState, http.StatusConflict},
	{domain.ErrSourceNotConnected, ErrCodeInvalidState, http.StatusConflict},
	{domain.ErrRelayNotRunning, ErrCodeInvalidState, http.StatusConflict},
	{domain.ErrNetworkUnreachable, ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	{domain.ErrSessionClosed, ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	{domain.ErrEngineClosed, ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
}

// FromError converts err into an AppError. Domain sentinels keep their
// meaning, anything else is internal.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, m := range sentinels {
		if stderrors.Is(err, m.target) {
			return WrapError(err, m.code, err.Error(), m.status)
		}
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
