package notifications

import (
	"errors"
	"fmt"
)

// Repository errors.
var (
	ErrItemNotFound      = errors.New("notification not found")
	ErrStaleItem         = errors.New("notification was changed by another processor")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrCompanyNotFound   = errors.New("company not found")
)

// Pipeline errors.
var (
	ErrNoContactInfo           = errors.New("no contact info")
	ErrUnknownNotificationType = errors.New("unknown notification type")
	ErrNoSender                = errors.New("no sender for channel")
)

// Request errors.
var (
	ErrInvalidNotificationType = errors.New("invalid notification type")
	ErrInvalidChannel          = errors.New("invalid channel")
	ErrInvalidRecipientType    = errors.New("invalid recipient type")
	ErrInvalidRecipient        = errors.New("company_id and recipient_id are required")
	ErrInvalidStatus           = errors.New("invalid status")
)

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// describeSendError formats a send failure for last_error. Permanent
// provider rejections are marked so operators can tell them apart.
func describeSendError(err error) string {
	if isRetryable(err) {
		return err.Error()
	}
	return fmt.Sprintf("permanent: %s", err.Error())
}
