// Package errorsx tags errors with stable reason codes. Handlers branch
// on the code instead of matching message strings, and logs and metrics
// carry it as a low-cardinality cause.
package errorsx

import (
	"errors"
	"fmt"
)

// ReasonedError pairs an error with the reason code closest to where it
// happened. Wrapping never overwrites: the first code wins, so outer
// layers see the innermost cause.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error { return e.Err }

// New builds a fresh reasoned error from a format string.
func New(reason ReasonCode, format string, args ...any) error {
	return ReasonedError{Err: fmt.Errorf(format, args...), Reason: reason}
}

// Wrap attaches a reason code. Nil stays nil, and an error that already
// carries a code keeps it.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Reason reports the code carried by err, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var re ReasonedError
	if err == nil || !errors.As(err, &re) {
		return ReasonUnknown
	}
	return re.Reason
}

// HasReason reports whether err carries the given code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
