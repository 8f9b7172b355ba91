package models

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to the presentation layer. Test with errors.Is.
var (
	// ErrValidation is bad local input; no network call was attempted.
	ErrValidation = errors.New("validation error")
	// ErrRequestFailed is a non-2xx status or transport failure on a one-shot call.
	ErrRequestFailed = errors.New("request failed")
	// ErrMalformedResult is a response payload that violates its contract.
	ErrMalformedResult = errors.New("malformed result")
	// ErrInvalidFrame is a push frame that violates its contract.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrConnection is a dropped or refused push connection.
	ErrConnection = errors.New("connection error")
	// ErrBusy is a submission rejected because another is in flight.
	ErrBusy = errors.New("submission already in flight")
)

// RequestError describes a failed HTTP call against the bias service.
type RequestError struct {
	Op         string
	StatusCode int // 0 for transport failures
	Message    string
}

func (e *RequestError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Unwrap lets errors.Is match ErrRequestFailed.
func (e *RequestError) Unwrap() error { return ErrRequestFailed }

// Validationf builds an ErrValidation with context.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Malformedf builds an ErrMalformedResult with context.
func Malformedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedResult, fmt.Sprintf(format, args...))
}
