package library

import "errors"

var (
	// ErrPermissionDenied is returned when a role, section gate, membership or borrow
	// limit forbids the operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnavailable is returned when no copy of a book can be lent.
	ErrUnavailable = errors.New("book unavailable")

	// ErrInvalidState is returned when an operation is illegal in the current lifecycle
	// state, e.g. returning a record twice.
	ErrInvalidState = errors.New("invalid state")

	// ErrRenewalLimitExceeded is returned when a loan has been renewed as often as the
	// borrower's role allows.
	ErrRenewalLimitExceeded = errors.New("renewal limit exceeded")

	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a concurrent writer changed a book between read and write.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrInvalidCredentials is returned when an email/password pair does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidInput is returned for malformed entities and constraint violations.
	ErrInvalidInput = errors.New("invalid input")
)
