// Package errors wraps pkg/errors and adds error codes, so callers can branch
// on the kind of failure (parse, schema, duplicate key, ...) without matching
// on message text.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies a class of error. See Is.
type Code string

const (
	ErrUncoded Code = "Uncoded"

	// ErrParse is returned for malformed or unresolvable statement text,
	// unknown tables and unknown field types.
	ErrParse Code = "ErrParse"
	// ErrBind is returned when parameters cannot be bound to a statement.
	ErrBind Code = "ErrBind"
	// ErrSchemaViolation is returned when a write cannot be mapped onto the
	// table's indexes.
	ErrSchemaViolation Code = "ErrSchemaViolation"
	// ErrDuplicateKey is returned when an insert collides with an existing
	// primary or unique value.
	ErrDuplicateKey Code = "ErrDuplicateKey"
	// ErrListener wraps a failure raised by a transaction listener.
	ErrListener Code = "ErrListener"
	// ErrEngineInvariant marks a broken assumption inside the engine.
	ErrEngineInvariant Code = "ErrEngineInvariant"

	ErrTxDone          Code = "ErrTxDone"
	ErrViewSetStarted  Code = "ErrViewSetStarted"
	ErrViewSetDisposed Code = "ErrViewSetDisposed"
)

func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

func Newf(code Code, format string, args ...interface{}) error {
	return New(code, fmt.Sprintf(format, args...))
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Is reports whether any error in err's chain carries the target code.
func Is(err error, target Code) bool {
	return errors.Is(err, codedError{Code: target})
}

// CodeOf returns the code of the first coded error in err's chain, or the
// empty code.
func CodeOf(err error) Code {
	var ce codedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

func WithMessagef(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// WrapCode attaches code to err, keeping err's message.
func WrapCode(err error, code Code) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(codedError{
		Code:    code,
		Message: err.Error(),
		cause:   err,
	})
}

type codedError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (ce codedError) Error() string {
	return ce.Message
}

func (ce codedError) Unwrap() error {
	return ce.cause
}

func (ce codedError) Is(err error) bool {
	if e, ok := err.(codedError); ok && ce.Code == e.Code {
		return true
	}
	return false
}
