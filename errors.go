// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ntfm3d

import "github.com/pkg/errors"

// The operator surfaces exactly two error kinds. Everything else, like shape
// or dtype mismatches, is a caller bug and panics during validation.
var (
	// ErrCapacityExceeded is returned when the transform set does not fit the
	// engine's transform cache, or when a work group's scratch footprint does
	// not fit the fast-memory budget. Use errors.Is to test for it.
	ErrCapacityExceeded = errors.New("transform cache capacity exceeded")

	// ErrExecutionFailure is returned when a kernel task fails mid-flight.
	// The launch controller waits for all in-flight tasks, discards any
	// partial results and wraps the first failure observed.
	ErrExecutionFailure = errors.New("kernel execution failed")
)
