package manager

import "fmt"

// Code classifies a rejected command
type Code string

const (
	CodeNotFound    Code = "not_found"
	CodeExists      Code = "already_exists"
	CodeConflict    Code = "conflict"
	CodeInvalid     Code = "invalid"
	CodeForbidden   Code = "forbidden"
	CodeLockHeld    Code = "lock_held"
	CodeLockLost    Code = "lock_released"
	CodeOpPending   Code = "operation_pending"
	CodeNotLeader   Code = "not_leader"
	CodeUnavailable Code = "unavailable"
)

// Error is a command rejected by the FSM. The code survives forwarding to
// the leader so callers can match with errors.Is against the sentinels.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Is matches sentinels by code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

var (
	ErrNotFound    = &Error{Code: CodeNotFound}
	ErrExists      = &Error{Code: CodeExists}
	ErrConflict    = &Error{Code: CodeConflict}
	ErrInvalid     = &Error{Code: CodeInvalid}
	ErrForbidden   = &Error{Code: CodeForbidden}
	ErrLockHeld    = &Error{Code: CodeLockHeld}
	ErrLockLost    = &Error{Code: CodeLockLost}
	ErrOpPending   = &Error{Code: CodeOpPending}
	ErrNotLeader   = &Error{Code: CodeNotLeader}
	ErrUnavailable = &Error{Code: CodeUnavailable}
)

func errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode exposes the code to the transport layer
func (e *Error) ErrorCode() string { return string(e.Code) }

// FromCode rebuilds a command error from a code received over the wire
func FromCode(code, message string) error {
	return &Error{Code: Code(code), Message: message}
}
