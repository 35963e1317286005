// Package errors provides common domain error types for convlog.
//
// Sentinel errors describe domain conditions that callers check with
// errors.Is, directly or through the Is* helpers.
//
// Usage:
//
//	import clerrors "github.com/otherjamesbrown/convlog/pkg/errors"
//
//	if clerrors.IsSessionClosed(err) {
//	    // stop feeding SDK events
//	}
package errors

import "errors"

// Domain errors.
var (
	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates invalid input or validation failure.
	ErrValidation = errors.New("validation error")

	// ErrInvalidState indicates the operation is not valid for the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrSessionClosed indicates an event was offered to a session that has stopped.
	ErrSessionClosed = errors.New("session closed")

	// ErrEmptyContent indicates a message with no visible text.
	ErrEmptyContent = errors.New("empty content")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvalidState reports whether any error in err's chain is ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsSessionClosed reports whether any error in err's chain is ErrSessionClosed.
func IsSessionClosed(err error) bool {
	return errors.Is(err, ErrSessionClosed)
}

// IsEmptyContent reports whether any error in err's chain is ErrEmptyContent.
func IsEmptyContent(err error) bool {
	return errors.Is(err, ErrEmptyContent)
}
