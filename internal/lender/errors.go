package lender

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a rejected operation
type ErrorKind int

const (
	KindConfiguration ErrorKind = iota + 1
	KindAuthorization
	KindState
	KindArithmetic
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindArithmetic:
		return "arithmetic"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching on the kind of a rejection.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrAuthorization = errors.New("authorization error")
	ErrState         = errors.New("state error")
	ErrArithmetic    = errors.New("arithmetic error")
)

// Error is a rejected BucketLedger operation. State is unchanged when one is returned.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bucket lender %s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("bucket lender %s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrAuthorization:
		return e.Kind == KindAuthorization
	case ErrState:
		return e.Kind == KindState
	case ErrArithmetic:
		return e.Kind == KindArithmetic
	}
	return false
}

// KindOf returns the kind of a lender error, or 0 for anything else.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}

func configErr(msg string, args ...any) error {
	return &Error{Kind: KindConfiguration, Op: "new", Msg: fmt.Sprintf(msg, args...)}
}

func authErr(op, msg string, args ...any) error {
	return &Error{Kind: KindAuthorization, Op: op, Msg: fmt.Sprintf(msg, args...)}
}

func stateErr(op, msg string, args ...any) error {
	return &Error{Kind: KindState, Op: op, Msg: fmt.Sprintf(msg, args...)}
}

func arithErr(op string, err error) error {
	return &Error{Kind: KindArithmetic, Op: op, Msg: "arithmetic failure", Err: err}
}
