package device

import (
	"fmt"
)

// ErrorKind classifies device link failures.
type ErrorKind string

const (
	NotConnected       ErrorKind = "NotConnected"
	ConnectionRefused  ErrorKind = "ConnectionRefused"
	Timeout            ErrorKind = "Timeout"
	WriteFailed        ErrorKind = "WriteFailed"
	ServiceUnavailable ErrorKind = "ServiceUnavailable"
	Busy               ErrorKind = "Busy"
)

// Error is returned by every Link operation that fails.
type Error struct {
	Kind   ErrorKind
	Device string
	Err    error
}

func (e *Error) Error() string {
	msg := "device: " + string(e.Kind)
	if e.Device != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Device)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, device.ErrNotConnected) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotConnected       = &Error{Kind: NotConnected}
	ErrConnectionRefused  = &Error{Kind: ConnectionRefused}
	ErrTimeout            = &Error{Kind: Timeout}
	ErrWriteFailed        = &Error{Kind: WriteFailed}
	ErrServiceUnavailable = &Error{Kind: ServiceUnavailable}
	ErrBusy               = &Error{Kind: Busy}
)
