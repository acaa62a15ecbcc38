// Package errors provides the typed application errors shared by every layer
// of the purchase order service. Each error carries a Code which decides the
// HTTP status and gRPC code it is reported with.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an application error.
type Code string

const (
	ErrCodeInvalidInput      Code = "INVALID_INPUT"
	ErrCodeNotFound          Code = "NOT_FOUND"
	ErrCodeConflict          Code = "CONFLICT"
	ErrCodeInvalidTransition Code = "INVALID_STATE_TRANSITION"
	ErrCodeThresholdConfig   Code = "THRESHOLD_CONFIGURATION"
	ErrCodeNotEligible       Code = "APPROVER_NOT_ELIGIBLE"
	ErrCodePartialBatch      Code = "PARTIAL_BATCH_FAILURE"
	ErrCodeInProgress        Code = "REQUEST_IN_PROGRESS"
	ErrCodeUnauthorized      Code = "UNAUTHORIZED"
	ErrCodeForbidden         Code = "FORBIDDEN"
	ErrCodeUnavailable       Code = "UNAVAILABLE"
	ErrCodeInternal          Code = "INTERNAL"
)

// internalMessage is what callers see for persistence and other internal failures.
const internalMessage = "internal error"

// ItemError is one per-item failure inside a batch or receiving operation.
type ItemError struct {
	ID      string `json:"id"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// AppError is the error type returned across service boundaries.
type AppError struct {
	Code    Code
	Message string
	Field   string
	Items   []ItemError
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// New creates an AppError with the given code and message.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %s not found", resource, id)}
}

// InvalidInput reports a validation failure on a single field.
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// Conflict reports a state conflict.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message}
}

// InvalidTransition reports a move the order state machine does not allow.
func InvalidTransition(from, to string) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("cannot transition purchase order from %s to %s", from, to),
	}
}

// PartialBatch reports a batch that was rolled back because at least one item failed.
func PartialBatch(items []ItemError) *AppError {
	return &AppError{
		Code:    ErrCodePartialBatch,
		Message: fmt.Sprintf("batch rolled back: %d item(s) failed", len(items)),
		Items:   items,
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// PublicMessage is the message safe to return to a caller. Internal failures
// are sanitised.
func PublicMessage(err error) string {
	var appErr *AppError
	if !stderrors.As(err, &appErr) || appErr.Code == ErrCodeInternal {
		return internalMessage
	}
	return appErr.Message
}

// ItemsOf returns the per-item failures attached to err, if any.
func ItemsOf(err error) []ItemError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Items
	}
	return nil
}

// ToItem converts err into an ItemError for the given id.
func ToItem(id string, err error) ItemError {
	return ItemError{ID: id, Code: CodeOf(err), Message: PublicMessage(err)}
}

// HTTPStatus maps err to an HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeInvalidTransition, ErrCodePartialBatch, ErrCodeInProgress:
		return http.StatusConflict
	case ErrCodeThresholdConfig:
		return http.StatusUnprocessableEntity
	case ErrCodeNotEligible, ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
