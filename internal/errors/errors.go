package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeConflict      ErrorCode = "CONFLICT"

	// Pairing
	ErrCodeInvalidCode    ErrorCode = "INVALID_CODE"
	ErrCodeAlreadyPaired  ErrorCode = "ALREADY_PAIRED"
	ErrCodeNoEntitlement  ErrorCode = "NO_ENTITLEMENT"
	ErrCodeQuotaExceeded  ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeDeviceNotFound ErrorCode = "DEVICE_NOT_FOUND"

	// Entitlements
	ErrCodeNoMainSubscription ErrorCode = "NO_MAIN_SUBSCRIPTION"
	ErrCodeUnknownPlan        ErrorCode = "UNKNOWN_PLAN"

	// Content
	ErrCodeNoActivePlaylist    ErrorCode = "NO_ACTIVE_PLAYLIST"
	ErrCodePlaylistNotAssigned ErrorCode = "PLAYLIST_NOT_ASSIGNED"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Webhooks
	ErrCodeInvalidSignature ErrorCode = "INVALID_SIGNATURE"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeExternal ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func AlreadyExists(resource string) *AppError {
	return New(ErrCodeAlreadyExists, fmt.Sprintf("%s already exists", resource))
}

func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message)
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func InvalidCode() *AppError {
	return New(ErrCodeInvalidCode, "This pairing code does not match any screen")
}

func AlreadyPaired() *AppError {
	return New(ErrCodeAlreadyPaired, "This screen is already paired to another account")
}

func NoEntitlement() *AppError {
	return New(ErrCodeNoEntitlement, "You need an active subscription to pair a screen")
}

func QuotaExceeded(max int) *AppError {
	return New(ErrCodeQuotaExceeded,
		fmt.Sprintf("Your plan allows %d screen(s). Add an extra screen option to pair more", max)).
		WithDetails(map[string]int{"maxScreens": max})
}

func DeviceNotFound() *AppError {
	return New(ErrCodeDeviceNotFound, "Screen not found")
}

func NoMainSubscription() *AppError {
	return New(ErrCodeNoMainSubscription, "No active main subscription for this account")
}

func UnknownPlan(productID string) *AppError {
	return New(ErrCodeUnknownPlan, fmt.Sprintf("No plan is configured for product %s", productID))
}

func NoActivePlaylist() *AppError {
	return New(ErrCodeNoActivePlaylist, "No active playlist for this screen")
}

func PlaylistNotAssigned() *AppError {
	return New(ErrCodePlaylistNotAssigned, "Playlist is not assigned to this screen")
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func InvalidSignature() *AppError {
	return New(ErrCodeInvalidSignature, "Webhook signature verification failed")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

// Public returns an AppError safe to hand to a client. Errors that are not
// AppErrors, and database errors, are collapsed to a generic internal error.
func Public(err error) *AppError {
	appErr, ok := AsAppError(err)
	if !ok || appErr.Code == ErrCodeDatabase {
		return Internal("An unexpected error occurred")
	}
	return appErr
}
