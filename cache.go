// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ntfm3d

// transformParams is the number of scalars per rigid transform, a row-major
// 3x4 [R|t] matrix.
const transformParams = 12

// transformCache holds the staged, flattened copy of a launch's transform
// set. Kernels read transforms only through it, never from the caller's
// tensor, so the caller is free to mutate the original as soon as a launch
// returns. The backing slice comes from the engine's buffer pools.
//
// Staging is bounded: the launch controller rejects transform sets larger
// than Engine.MaxTransformParams before anything is copied.
type transformCache[T float32 | float64] struct {
	params        []T // batch * numTransforms * transformParams scalars.
	numTransforms int
}

func stageTransforms[T float32 | float64](e *Engine, flat []T, numTransforms int) *transformCache[T] {
	params := getScratch[T](e, len(flat))
	copy(params, flat)
	return &transformCache[T]{params: params, numTransforms: numTransforms}
}

// batchTransforms returns the transforms of batch element b, numTransforms
// consecutive windows of transformParams scalars each.
func (c *transformCache[T]) batchTransforms(b int) []T {
	n := c.numTransforms * transformParams
	return c.params[b*n : (b+1)*n]
}

func (c *transformCache[T]) release(e *Engine) {
	putScratch(e, c.params)
	c.params = nil
}
