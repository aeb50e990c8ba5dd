// Package apperr defines the error kinds surfaced by the transfer layer and
// the data store. Errors keep their cause chain so eris stack traces and
// errors.Is/As keep working through the wrapper.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindDecode      Kind = "decode"
	KindStorage     Kind = "storage"
	KindBusy        Kind = "busy"
	KindUnsupported Kind = "unsupported"
	KindCancelled   Kind = "cancelled"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels like ErrBusy compare
// by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// ErrBusy is returned when a refresh is already running and the caller
// asked not to join it.
var ErrBusy = &Error{Kind: KindBusy}

// ErrCancelled marks a transfer stopped by Cancel or context cancellation.
var ErrCancelled = &Error{Kind: KindCancelled}

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Network wraps a transport or connectivity failure.
func Network(op string, err error) *Error { return New(KindNetwork, op, err) }

// Decode wraps a malformed structured document.
func Decode(op string, err error) *Error { return New(KindDecode, op, err) }

// Storage wraps a failure to persist or relocate a file.
func Storage(op string, err error) *Error { return New(KindStorage, op, err) }

// Unsupported reports a media kind the cache has no slot for.
func Unsupported(op string, err error) *Error { return New(KindUnsupported, op, err) }

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
