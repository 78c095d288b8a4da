// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ntfm3d

// Grouped tree reduction for the transform gradients. Each lane of a work
// group deposits one 12-vector of products into scratch; the group then
// folds lanes pairwise until a single 12-vector remains in scratch[0:12].

// reduceGroup folds the per-lane vectors of one work group. scratch is
// lane-major, groupSize lanes of transformParams scalars each, and groupSize
// is a power of two >= minWorkGroupSize.
//
// Rounds halve the live width s. While s >= minWorkGroupSize each round is a
// barrier round on a device; once the live lanes fit a single warp the last
// rounds run in lock-step with no barrier. Here every round is plain program
// order, so the two phases compute the identical pairwise sums and only the
// structure is kept.
func reduceGroup[T float32 | float64](scratch []T, groupSize int) {
	for s := groupSize / 2; s >= minWorkGroupSize; s >>= 1 {
		foldRound(scratch, s)
	}
	for s := minWorkGroupSize / 2; s >= 1; s >>= 1 {
		foldRound(scratch, s)
	}
}

// foldRound folds lane tid+s into lane tid for tid < s. The work is split
// over 2s lanes: the first s fold parameters 0..5 of their pair, the next s
// fold parameters 6..11. The halves touch disjoint slots.
func foldRound[T float32 | float64](scratch []T, s int) {
	const half = transformParams / 2
	for tid := range s {
		dst := scratch[tid*transformParams:]
		src := scratch[(tid+s)*transformParams:]
		for j := range half {
			dst[j] += src[j]
		}
	}
	for tid := s; tid < 2*s; tid++ {
		dst := scratch[(tid-s)*transformParams:]
		src := scratch[tid*transformParams:]
		for j := half; j < transformParams; j++ {
			dst[j] += src[j]
		}
	}
}
