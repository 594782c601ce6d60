package agentdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// ErrorKind is the closed set of failure categories every backend error is
// mapped onto. Callers branch on the kind; messages are diagnostic only.
type ErrorKind uint8

const (
	// KindNotFound is reserved for call sites that model absence as an error.
	// Get reports absence through its ok result instead.
	KindNotFound ErrorKind = iota + 1
	// KindInvalidArgument means caller input violated a stated precondition.
	KindInvalidArgument
	// KindUnsupported means the backend's capability set lacks the operation.
	KindUnsupported
	// KindBackend wraps an opaque underlying failure (I/O, connection, engine).
	KindBackend
	// KindTransaction means a transaction state-machine rule was violated.
	KindTransaction
	// KindSerialization means a Value could not be converted or decoded.
	KindSerialization
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindInvalidArgument:
		return "invalid argument"
	case KindUnsupported:
		return "unsupported"
	case KindBackend:
		return "backend"
	case KindTransaction:
		return "transaction"
	case KindSerialization:
		return "serialization"
	}
	return "error kind(" + strconv.Itoa(int(k)) + ")"
}

// Error is the single error type surfaced across the contract boundary.
type Error struct {
	Kind ErrorKind
	// Op names the operation that failed; for Unsupported it is the
	// operation the backend lacks.
	Op string
	// Msg is a human-readable context string.
	Msg string
	// State is the violated transaction state for KindTransaction errors.
	State TxState
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	s := "agentdb: "
	if e.Op != "" {
		s += e.Op + ": "
	}
	s += e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every *Error match the sentinel of its kind, so
// errors.Is(err, ErrUnsupported) works for any unsupported operation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || !t.sentinel() {
		return false
	}
	return t.Kind == e.Kind
}

func (e *Error) sentinel() bool {
	return e.Op == "" && e.Msg == "" && e.Err == nil
}

// Kind sentinels. Use with errors.Is.
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrUnsupported     = &Error{Kind: KindUnsupported}
	ErrBackend         = &Error{Kind: KindBackend}
	ErrTransaction     = &Error{Kind: KindTransaction}
	ErrSerialization   = &Error{Kind: KindSerialization}
)

// Causes drivers wrap to tell the contract layer what happened.
var (
	// ErrClosed is the cause of every operation on a closed DB.
	ErrClosed = errors.New("agentdb: already closed")
	// ErrConnectionLost moves an open transaction to the Failed state.
	ErrConnectionLost = errors.New("agentdb: connection lost")
	// ErrTxAborted means the backend aborted the transaction server-side; the
	// transaction moves to Failed.
	ErrTxAborted = errors.New("agentdb: transaction aborted by backend")
	// ErrNestedTransaction is returned by drivers that cannot open a second
	// transaction on a session that already has one open.
	ErrNestedTransaction = errors.New("agentdb: transaction already open on this session")
)

// NewError builds an *Error of the given kind.
func NewError(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// InvalidArgument builds a KindInvalidArgument error.
func InvalidArgument(op, format string, args ...any) *Error {
	return NewError(KindInvalidArgument, op, format, args...)
}

// Serialization builds a KindSerialization error.
func Serialization(op, format string, args ...any) *Error {
	return NewError(KindSerialization, op, format, args...)
}

// Unsupported builds a KindUnsupported error for the named operation.
func Unsupported(op string) *Error {
	return &Error{Kind: KindUnsupported, Op: op, Msg: "not supported by this backend"}
}

// WrapBackend wraps err as a KindBackend error for op. Errors that already
// carry a kind are returned unchanged; nil stays nil.
func WrapBackend(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: KindBackend, Op: op, Err: err}
}

// KindOf returns the kind carried by err. Errors that did not come through
// the contract are reported as KindBackend; nil yields 0.
func KindOf(err error) ErrorKind {
	if err == nil {
		return 0
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindBackend
}

// IsCanceled reports whether err was caused by context cancellation or
// deadline expiry.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
