package printer

import (
	"context"
	"errors"
	"net"
)

// Kind classifies a printer failure.
type Kind string

const (
	KindConnection      Kind = "connection"
	KindTimeout         Kind = "timeout"
	KindAuth            Kind = "auth"
	KindInvalidResponse Kind = "invalid_response"
	KindCommand         Kind = "command"
)

// Sentinels for errors.Is. A timeout also matches ErrConnection.
var (
	ErrConnection      = &Error{Kind: KindConnection}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrAuth            = &Error{Kind: KindAuth}
	ErrInvalidResponse = &Error{Kind: KindInvalidResponse}
	ErrCommand         = &Error{Kind: KindCommand}
)

// Error is returned by the status and command clients.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind only, so any *Error compares equal to the sentinel of
// its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return e.Kind == KindTimeout && t.Kind == KindConnection
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" if err is not a printer error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// transportError maps a network-level failure onto the taxonomy.
func transportError(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return newError(KindTimeout, op, err)
	}
	return newError(KindConnection, op, err)
}
