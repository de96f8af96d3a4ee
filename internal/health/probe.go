// Package health provides composable probes for liveness and readiness and
// the HTTP handlers that expose them.
package health

import (
	"context"
	"time"

	"github.com/keithlinneman/linnemanlabs-sites/internal/xerrors"
)

// Probe is evaluated at request time; nil means OK, an error carries the reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe that always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes only if every non-nil probe passes and returns the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes if at least one probe passes, otherwise returns the last failure.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var last error
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			last = err
		}
		if last == nil {
			return xerrors.New("no healthy probes")
		}
		return last
	}
}

// Pinger is satisfied by the store and by *sql.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping fails when p does not answer within timeout. The error is prefixed
// with name so the readiness body says which dependency is down.
func Ping(name string, p Pinger, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return xerrors.Newf("%s: not configured", name)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return xerrors.Wrap(p.Ping(ctx), name)
	}
}
