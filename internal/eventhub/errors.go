package eventhub

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrLinkCreation is returned when authenticating, opening a session or
	// attaching a receive link fails. It is handed to the retry policy as input.
	ErrLinkCreation = errors.New("link creation failed")

	// ErrTransientReceive is a receive failure the retry policy may retry.
	ErrTransientReceive = errors.New("transient receive failure")

	// ErrTimeout marks an operation that ran out of time. A receive that gives
	// up on a timeout reports no events rather than an error.
	ErrTimeout = errors.New("operation timed out")

	// ErrTerminalLinkFault means the link is permanently broken and must be
	// recreated before the next receive.
	ErrTerminalLinkFault = errors.New("terminal link fault")

	// ErrHandlerCallback wraps a failure returned (or a panic raised) by a
	// handler callback. It is only ever reported back to the handler.
	ErrHandlerCallback = errors.New("handler callback failed")

	// ErrPumpDefect is a logic error in the receive pump itself. It always
	// carries SeverityFatal.
	ErrPumpDefect = errors.New("receive pump defect")

	// ErrHandlerSuperseded is reported to a handler replaced by a newer one.
	ErrHandlerSuperseded = errors.New("handler superseded by new handler")

	// ErrClosed is returned by operations on a closed receiver or link.
	ErrClosed = errors.New("closed")

	// ErrInvalidArgument is returned for invalid call arguments.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Severity tells a hosting layer how to treat an error.
type Severity int

const (
	// SeverityContained errors are reported and the component keeps running.
	SeverityContained Severity = iota
	// SeverityFatal errors must terminate the component or process.
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityContained:
		return "contained"
	case SeverityFatal:
		return "fatal"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Error is a classified error. Kind is one of the sentinel errors of this
// package and matches through errors.Is; Err is the underlying cause.
type Error struct {
	Op       string
	Kind     error
	Severity Severity
	Err      error
}

// NewError classifies err as kind for the operation op.
func NewError(op string, kind, err error) *Error {
	sev := SeverityContained
	if kind == ErrPumpDefect {
		sev = SeverityFatal
	}
	return &Error{Op: op, Kind: kind, Severity: sev, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SeverityOf returns the severity carried by err, SeverityContained when err
// is not classified.
func SeverityOf(err error) Severity {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity
	}
	return SeverityContained
}

// Classify translates a raw transport error into the error taxonomy. Errors
// already classified by the transport pass through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(op, ErrTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return NewError(op, ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		// cancellation is the caller's decision, never retried
		return err
	default:
		return NewError(op, ErrTransientReceive, err)
	}
}
