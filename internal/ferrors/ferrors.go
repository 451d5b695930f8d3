// Package ferrors defines the error taxonomy shared by every protocol
// stack: transport, framing, protocol, authentication, resource, and
// parsing failures. Callers classify a failure with errors.Is against
// the Kind sentinels instead of string-matching error messages.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind identifies which layer rejected an operation.
type Kind error

var (
	KindTransport = Kind(errors.New("transport error"))
	KindFraming   = Kind(errors.New("framing error"))
	KindProtocol  = Kind(errors.New("protocol error"))
	KindAuth      = Kind(errors.New("authentication error"))
	KindResource  = Kind(errors.New("resource error"))
	KindParse     = Kind(errors.New("parse error"))
)

// Error wraps an underlying cause with a Kind so errors.Is(err, KindX)
// and errors.Unwrap both work.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Wrap builds a new *Error classified under kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transport(op string, err error) error { return Wrap(KindTransport, op, err) }
func Framing(op string, err error) error    { return Wrap(KindFraming, op, err) }
func Protocol(op string, err error) error   { return Wrap(KindProtocol, op, err) }
func Auth(op string, err error) error       { return Wrap(KindAuth, op, err) }
func Resource(op string, err error) error   { return Wrap(KindResource, op, err) }
func Parse(op string, err error) error      { return Wrap(KindParse, op, err) }
