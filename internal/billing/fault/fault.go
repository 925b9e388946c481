// Package fault tags billing step errors with a closed set of kinds and
// decides how the run reacts to them.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the classification of a step failure.
type Kind int

const (
	// KindUnknown is the zero value and is handled like KindCritical.
	KindUnknown Kind = iota
	// KindCritical aborts the whole run.
	KindCritical
	// KindBusinessLogic skips the offending item; the run continues.
	KindBusinessLogic
	// KindTransient is eligible for a bounded retry.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindCritical:
		return "critical"
	case KindBusinessLogic:
		return "business_logic"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is a step failure tagged with its kind where it was raised.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Kind)
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New tags err with kind. A nil err yields nil and an already tagged error
// keeps the kind it was raised with.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Critical tags err as unrecoverable for the run.
func Critical(op string, err error) error { return New(KindCritical, op, err) }

// Business tags err as an invalid item.
func Business(op string, err error) error { return New(KindBusinessLogic, op, err) }

// Transient tags err as an infrastructure hiccup worth retrying.
func Transient(op string, err error) error { return New(KindTransient, op, err) }
