// Package xerrors attaches call-site information to errors so the logger can
// render where a failure was created or passed through.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries the full call stack captured when the error was created.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// stack returns the program counters of the caller's caller, skipping
// runtime.Callers, stack itself and `skip` more frames.
func stack(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func attach(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: stack(skip + 1)}
}

// New returns an error with msg and the current stack.
func New(msg string) error { return attach(errors.New(msg), 1) }

// Newf is New with fmt.Errorf formatting, %w included.
func Newf(format string, args ...any) error { return attach(fmt.Errorf(format, args...), 1) }

// WithStack attaches the current stack to err unconditionally.
func WithStack(err error) error { return attach(err, 1) }

// EnsureTrace attaches a stack only when nothing in err's chain has one yet.
func EnsureTrace(err error) error {
	if err == nil || HasStack(err) {
		return err
	}
	return attach(err, 1)
}

// HasStack reports whether any error in the chain carries a captured stack.
func HasStack(err error) bool {
	var hs interface{ StackPCs() []uintptr }
	return errors.As(err, &hs) && len(hs.StackPCs()) > 0
}
