// Package apperrors holds the error taxonomy shared by the order and payment workflow.
//
// Callers classify errors with errors.Is against the sentinels below and errors.As against
// *ExternalServiceError and *ConsistencyGapError. Services wrap them with fmt.Errorf("...: %w").
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown or soft-deleted order.
	ErrNotFound = errors.New("not found")
	// ErrForbidden marks a requester that may not perform the operation.
	ErrForbidden = errors.New("not authorized")
	// ErrPushRejected is wrapped by an ExternalServiceError when the provider answers with a
	// non-zero response code.
	ErrPushRejected = errors.New("payment request rejected by provider")
)

var (
	ErrEmptyOrder        = fmt.Errorf("%w: no order items", ErrValidation)
	ErrInvalidPhone      = fmt.Errorf("%w: invalid phone number format, must be 254XXXXXXXXX (e.g. 254712345678)", ErrValidation)
	ErrInvalidStatus     = fmt.Errorf("%w: invalid order status", ErrValidation)
	ErrInvalidTransition = fmt.Errorf("%w: status transition not allowed", ErrValidation)
	ErrStatusChanged     = fmt.Errorf("%w: order status changed concurrently", ErrInvalidTransition)
	ErrAlreadyPaid       = fmt.Errorf("%w: order is already paid", ErrValidation)
)

// ExternalServiceError is returned when the payment provider is unreachable, rejects our
// credentials or rejects the request. Retryable tells the caller whether trying again later can help.
type ExternalServiceError struct {
	Service    string
	Message    string // user facing
	Code       string // provider error or response code, if any
	StatusCode int    // HTTP status returned by the provider, 0 on transport failures
	Retryable  bool
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Service, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Service, e.Message)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// IsRetryable reports whether err carries a retryable ExternalServiceError.
func IsRetryable(err error) bool {
	var ext *ExternalServiceError
	return errors.As(err, &ext) && ext.Retryable
}

// ConsistencyGapError describes a known invariant the system does not enforce, such as a client
// supplied total that does not match its line items. It is logged, never returned to clients.
type ConsistencyGapError struct {
	Invariant string
	Detail    string
}

func (e *ConsistencyGapError) Error() string {
	return fmt.Sprintf("consistency gap (%s): %s", e.Invariant, e.Detail)
}
