// Package errs2 adds a small set of classification helpers on top of
// github.com/zeebo/errs, the error library used throughout this repo.
package errs2

import (
	"context"
	"errors"
)

// IsCanceled reports whether err is (or wraps) context.Canceled or
// context.DeadlineExceeded, the signals every background loop treats as a
// clean shutdown rather than a failure worth logging at error level.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Ignore drains errchan until it closes, discarding values. Used in tests
// and shutdown paths that fire off a goroutine that may still report an
// error after the caller has stopped caring.
func Ignore(errchan <-chan error) {
	for range errchan {
	}
}

// Collect drains errchan until it closes and combines everything received
// using errs.Combine semantics (nil-safe, flattens multiple errors into
// one message).
func Collect(errchan <-chan error) error {
	var combined error
	for err := range errchan {
		if err == nil {
			continue
		}
		if combined == nil {
			combined = err
		} else {
			combined = combine(combined, err)
		}
	}
	return combined
}

type multiErr struct{ errs []error }

func (m *multiErr) Error() string {
	s := ""
	for i, e := range m.errs {
		if i > 0 {
			s += "; "
		}
		s += e.Error()
	}
	return s
}

func (m *multiErr) Unwrap() []error { return m.errs }

func combine(a, b error) error {
	if me, ok := a.(*multiErr); ok {
		me.errs = append(me.errs, b)
		return me
	}
	return &multiErr{errs: []error{a, b}}
}
