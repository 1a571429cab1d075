// Package errs holds the error kinds shared by the bookkeeping packages.
// Callers match them with errors.Is; operations wrap them with context.
package errs

import "errors"

var (
	// ErrNotFound is returned for unknown catalog ids, run ids and missing artifacts.
	ErrNotFound = errors.New("not found")
	// ErrInvariant is returned when a structural invariant is violated, such as a
	// non-contiguous pixel catalog block or mismatched raster shapes.
	ErrInvariant = errors.New("invariant violation")
	// ErrPrecondition is returned when an operation runs before its inputs are usable.
	ErrPrecondition = errors.New("precondition failed")
)
