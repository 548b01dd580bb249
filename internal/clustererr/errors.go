// Package clustererr defines the closed set of error kinds used across
// the cluster (spec §7). Counting which kind fired is the caller's job:
// any component holding a *metrics.Registry should call
// reg.IncError(kind) alongside Wrap so the count lands on the same
// per-process registry everything else observes through (spec §9 — no
// global mutable state).
package clustererr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Call sites compare with errors.Is, never string
// matching.
var (
	ErrNotFound            = errors.New("not found")
	ErrDigestMismatch      = errors.New("digest mismatch")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrOutOfSpace          = errors.New("out of space")
	ErrTimeout             = errors.New("timeout")
	ErrLeaderChanged       = errors.New("leader changed")
	ErrDataUnavailable     = errors.New("data unavailable")
	ErrCancelled           = errors.New("cancelled")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// Wrap annotates err's sentinel kind with context. It does not touch
// any registry itself — see the package doc.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Is is a thin re-export so callers only need to import this package.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
