package engine

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindTransport     Kind = "transport"
	KindPersistence   Kind = "persistence"
	KindValidation    Kind = "validation"
	KindConfiguration Kind = "configuration"
)

// Error carries one of the four failure kinds a turn can end in.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		if e.Op == "" {
			return e.Msg
		}
		return e.Op + ": " + e.Msg
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return string(e.Kind) + " error"
}

func (e *Error) Unwrap() error { return e.Err }

func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func Persistence(op string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

func Validation(msg string) error {
	return &Error{Kind: KindValidation, Msg: msg}
}

func Configuration(msg string) error {
	return &Error{Kind: KindConfiguration, Msg: msg}
}

// IsKind reports whether any error in err's chain is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
