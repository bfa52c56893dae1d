package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures across all transports.
type ErrorCode string

const (
	ErrCodeInvalidInput           ErrorCode = "InvalidInput"
	ErrCodeInvalidQueue           ErrorCode = "InvalidQueue"
	ErrCodeInvalidStatus          ErrorCode = "InvalidStatus"
	ErrCodeHandlerNotFound        ErrorCode = "HandlerNotFound"
	ErrCodeNotFound               ErrorCode = "NotFound"
	ErrCodeUnauthorised           ErrorCode = "Unauthorised"
	ErrCodeConflict               ErrorCode = "Conflict"
	ErrCodeBrokerUnavailable      ErrorCode = "BrokerUnavailable"
	ErrCodeHandlerFailed          ErrorCode = "HandlerFailed"
	ErrCodeWebhookDeliveryFailed  ErrorCode = "WebhookDeliveryFailed"
)

// AppError is the stable error shape for the orchestration core. It carries a
// taxonomy code, a human message, and an optional wrapped cause.
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches two AppErrors by code, so errors.Is(err, models.ErrNotFound("", nil))
// style comparisons work through wrapping.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func newError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

func ErrInvalidInput(message string, cause error) *AppError {
	return newError(ErrCodeInvalidInput, message, cause)
}

func ErrInvalidQueue(queue string) *AppError {
	return newError(ErrCodeInvalidQueue, fmt.Sprintf("queue %q is not in the allowed set", queue), nil)
}

func ErrInvalidStatus(status string) *AppError {
	return newError(ErrCodeInvalidStatus, fmt.Sprintf("unknown job status %q", status), nil)
}

func ErrHandlerNotFound(name string) *AppError {
	return newError(ErrCodeHandlerNotFound, fmt.Sprintf("no handler registered for %q", name), nil)
}

func ErrNotFound(message string, cause error) *AppError {
	return newError(ErrCodeNotFound, message, cause)
}

func ErrUnauthorised(message string) *AppError {
	return newError(ErrCodeUnauthorised, message, nil)
}

func ErrConflict(message string) *AppError {
	return newError(ErrCodeConflict, message, nil)
}

func ErrBrokerUnavailable(message string, cause error) *AppError {
	return newError(ErrCodeBrokerUnavailable, message, cause)
}

func ErrHandlerFailed(message string, cause error) *AppError {
	return newError(ErrCodeHandlerFailed, message, cause)
}

func ErrWebhookDeliveryFailed(message string, cause error) *AppError {
	return newError(ErrCodeWebhookDeliveryFailed, message, cause)
}

// CodeOf extracts the taxonomy code from any error chain. Unclassified errors
// report as BrokerUnavailable only when explicitly wrapped; otherwise empty.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
