// Package common defines the error taxonomy shared by the messaging core.
// Callers match these values with errors.Is; wrapped errors keep their
// category.
package common

import "errors"

var (
	// Connection-time errors.
	ErrUnauthenticated = errors.New("unauthenticated")

	// Authorization errors.
	ErrAccessDenied = errors.New("access denied")
	ErrUserBlocked  = errors.New("user blocked")

	// Repository-level errors.
	ErrNotFound         = errors.New("not found")
	ErrDuplicateMessage = errors.New("duplicate message")

	// Domain rule errors.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrValidation       = errors.New("validation error")

	// Anything else, including storage failures.
	ErrInternal = errors.New("internal error")
)

// Protocol error codes sent to clients in "error" events.
const (
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeAccessDenied     = "ACCESS_DENIED"
	CodeUserBlocked      = "USER_BLOCKED"
	CodeNotFound         = "NOT_FOUND"
	CodeDuplicateMessage = "DUPLICATE_MESSAGE"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeValidation       = "VALIDATION_ERROR"
	CodeRateLimited      = "RATE_LIMITED"
	CodeUnknownCommand   = "UNKNOWN_COMMAND"
	CodeInternal         = "INTERNAL"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrUnauthenticated, CodeUnauthenticated},
	{ErrAccessDenied, CodeAccessDenied},
	{ErrUserBlocked, CodeUserBlocked},
	{ErrNotFound, CodeNotFound},
	{ErrDuplicateMessage, CodeDuplicateMessage},
	{ErrCapacityExceeded, CodeCapacityExceeded},
	{ErrValidation, CodeValidation},
}

// Code maps err to the stable protocol code reported to clients.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Retryable reports whether a client may safely retry the failed operation.
// Only failures outside the taxonomy (storage, transport) qualify.
func Retryable(err error) bool {
	return err != nil && Code(err) == CodeInternal
}
