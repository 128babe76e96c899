package failure

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error by how callers should react to it.
type Kind string

const (
	// KindTransport means the control channel was unreachable or unresponsive.
	KindTransport Kind = "transport"
	// KindNotFound means a referenced device, account or task does not exist.
	KindNotFound Kind = "not_found"
	// KindFlow means an expected UI element could not be located.
	KindFlow Kind = "flow"
	// KindTerminal means the device reached a state that needs manual handling.
	KindTerminal Kind = "terminal"
	// KindInternal covers unknown task kinds, persistence failures and panics.
	KindInternal Kind = "internal"
)

// Error is an error tagged with a Kind.
type Error struct {
	Kind  Kind
	Op    string
	Msg   string
	cause error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.cause != nil {
		if msg == "" {
			msg = e.cause.Error()
		} else {
			msg = msg + ": " + e.cause.Error()
		}
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.cause }

// Cause keeps pkg/errors.Cause walking through tagged errors.
func (e *Error) Cause() error { return e.cause }

// New returns a tagged error without a cause.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(err error, kind Kind, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, cause: err}
}

// Transport tags err as a transport failure.
func Transport(err error, op string) error { return Wrap(err, KindTransport, op) }

// NotFound builds a not-found error for the named resource.
func NotFound(op, resource, id string) error {
	return Newf(KindNotFound, op, "%s %q not found", resource, id)
}

// KindOf returns the kind of the first tagged error in err's chain.
// Untagged context errors are reported as KindFlow, any other untagged
// error as KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindFlow
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a fresh task attempt could succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindFlow:
		return true
	default:
		return false
	}
}
