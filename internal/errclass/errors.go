// Package errclass defines the stable error classes shared across the
// orchestration core. Callers match them with errors.Is.
package errclass

import "fmt"

// Error is a stable, machine-readable error class.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// All stable error classes.
var (
	ErrConfig          = &Error{Code: "E_CONFIG"}
	ErrValidation      = &Error{Code: "E_VALIDATION"}
	ErrLockHeld        = &Error{Code: "E_LOCK_HELD"}
	ErrLayout          = &Error{Code: "E_SNAPSHOT_LAYOUT"}
	ErrSpaceCritical   = &Error{Code: "E_SPACE_CRITICAL"}
	ErrVersionMismatch = &Error{Code: "E_VERSION_MISMATCH"}
	ErrConnectionLost  = &Error{Code: "E_CONNECTION_LOST"}
	ErrInterrupted     = &Error{Code: "E_INTERRUPTED"}
	ErrDeclined        = &Error{Code: "E_DECLINED"}
)
