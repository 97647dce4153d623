package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"echolink-backend/internal/domain"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Authorization errors
	ErrCodeForbidden ErrorCode = "FORBIDDEN"

	// Not found errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"

	// Call lifecycle errors
	ErrCodeInvalidParticipants ErrorCode = "INVALID_PARTICIPANTS"
	ErrCodeCallNotAnswerable   ErrorCode = "CALL_NOT_ANSWERABLE"
	ErrCodeCallNotDeclinable   ErrorCode = "CALL_NOT_DECLINABLE"
	ErrCodeCallInProgress      ErrorCode = "CALL_IN_PROGRESS"

	// Media and negotiation errors
	ErrCodeMediaUnavailable ErrorCode = "MEDIA_UNAVAILABLE"
	ErrCodeNegotiationState ErrorCode = "INVALID_NEGOTIATION_STATE"

	// Internal errors
	ErrCodeInternal             ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase             ErrorCode = "DATABASE_ERROR"
	ErrCodeSignalingUnavailable ErrorCode = "SIGNALING_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
// The status code defaults to 500 Internal Server Error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

// Authentication errors
func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

// Authorization errors
func ForbiddenError(message string) *AppError {
	return NewWithStatus(ErrCodeForbidden, message, http.StatusForbidden)
}

// Not found errors
func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

// Call lifecycle errors
func InvalidParticipantsError() *AppError {
	return NewWithStatus(ErrCodeInvalidParticipants, "At least one other participant is required", http.StatusBadRequest)
}

func CallNotAnswerableError() *AppError {
	return NewWithStatus(ErrCodeCallNotAnswerable, "Call can no longer be answered", http.StatusConflict)
}

func CallNotDeclinableError() *AppError {
	return NewWithStatus(ErrCodeCallNotDeclinable, "Call can no longer be declined", http.StatusConflict)
}

func CallInProgressError() *AppError {
	return NewWithStatus(ErrCodeCallInProgress, "Another call is already in progress", http.StatusConflict)
}

// Media and negotiation errors
func MediaUnavailableError() *AppError {
	return NewWithStatus(ErrCodeMediaUnavailable, "Camera or microphone unavailable", http.StatusServiceUnavailable)
}

func NegotiationStateError() *AppError {
	return NewWithStatus(ErrCodeNegotiationState, "Negotiation message arrived out of order", http.StatusConflict)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func DatabaseError(err error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", err)
}

func SignalingUnavailableError() *AppError {
	return NewWithStatus(ErrCodeSignalingUnavailable, "Signaling store unavailable", http.StatusServiceUnavailable)
}

// FromDomain maps a domain error to its API representation. Unknown errors
// become internal errors with the original preserved.
func FromDomain(err error) *AppError {
	switch {
	case stderrors.Is(err, domain.ErrInvalidParticipants):
		return InvalidParticipantsError()
	case stderrors.Is(err, domain.ErrCallNotAnswerable):
		return CallNotAnswerableError()
	case stderrors.Is(err, domain.ErrCallNotDeclinable):
		return CallNotDeclinableError()
	case stderrors.Is(err, domain.ErrCallInProgress):
		return CallInProgressError()
	case stderrors.Is(err, domain.ErrCallNotFound):
		return CallNotFoundError()
	case stderrors.Is(err, domain.ErrMediaUnavailable):
		return MediaUnavailableError()
	case stderrors.Is(err, domain.ErrInvalidNegotiationState):
		return NegotiationStateError()
	case stderrors.Is(err, domain.ErrSignalingUnavailable):
		return SignalingUnavailableError()
	default:
		return Wrap(ErrCodeInternal, "Internal error", err)
	}
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, mapping non-AppErrors
// through the domain taxonomy.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return FromDomain(err)
}
