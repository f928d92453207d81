package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDecode    = errors.New("decode error")
	ErrGeometry  = errors.New("geometry error")
	ErrTransform = errors.New("transform error")
	ErrAnalysis  = errors.New("analysis error")
)

// Error is the structured failure returned by the decoder, geometry mapper,
// transform engine and analysis client. It matches its Kind with errors.Is
// and still unwraps to the underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func DecodeError(op string, err error) error {
	return &Error{Kind: ErrDecode, Op: op, Err: err}
}

func GeometryError(op string, err error) error {
	return &Error{Kind: ErrGeometry, Op: op, Err: err}
}

func TransformError(op string, err error) error {
	return &Error{Kind: ErrTransform, Op: op, Err: err}
}

func AnalysisError(op string, err error) error {
	return &Error{Kind: ErrAnalysis, Op: op, Err: err}
}

func Errorf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}
