package errdefs

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound            Kind = "NotFound"
	KindInvalidState        Kind = "InvalidState"
	KindConflict            Kind = "Conflict"
	KindInvalidArgument     Kind = "InvalidArgument"
	KindProviderUnavailable Kind = "ProviderUnavailable"
	KindProviderTimeout     Kind = "ProviderTimeout"
	KindTransportError      Kind = "TransportError"
	KindWorkerUnreachable   Kind = "WorkerUnreachable"
	KindInternal            Kind = "Internal"
)

// Error is a structured failure: a kind callers can branch on plus a message.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Msg == "" || t.Msg == e.Msg
}

var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	ErrProviderTimeout     = &Error{Kind: KindProviderTimeout}
	ErrTransport           = &Error{Kind: KindTransportError}
	ErrWorkerUnreachable   = &Error{Kind: KindWorkerUnreachable}

	ErrInstanceNotReady  = &Error{Kind: KindInvalidState, Msg: "instance not ready"}
	ErrInstanceBusy      = &Error{Kind: KindConflict, Msg: "instance busy"}
	ErrNoOffersAvailable = &Error{Kind: KindNotFound, Msg: "no offers available"}
	ErrInvalidTransition = &Error{Kind: KindInvalidState, Msg: "invalid job transition"}
	ErrClosed            = &Error{Kind: KindInvalidState, Msg: "closed"}
)

func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithOp copies a sentinel and attaches an operation name and cause.
func WithOp(sentinel *Error, op string, err error) *Error {
	return &Error{Kind: sentinel.Kind, Op: op, Msg: sentinel.Msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Context
// deadline errors are reported as ProviderTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindProviderTimeout
	}
	return KindInternal
}

func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" && e.Err != nil {
			return e.Msg + ": " + e.Err.Error()
		}
		if e.Msg != "" {
			return e.Msg
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return string(e.Kind)
	}
	return err.Error()
}

// Retryable reports whether err is an external dependency failure.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProviderUnavailable, KindProviderTimeout, KindTransportError:
		return true
	}
	return false
}

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
