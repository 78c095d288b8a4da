// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package se3 manipulates batched sets of rigid 3D transforms, the
// (batch, n, 3, 4) row-major [R|t] matrices produced by pose networks and
// consumed by the ntfm3d operator.
//
// Every operation ships with its exact gradient, so pose pipelines built on
// them backpropagate without any graph machinery. The sets involved are
// small, a few dozen transforms per batch, and all operations run inline on
// the calling goroutine. Invalid operands panic.
package se3

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ntfm3d/types/shapes"
	"github.com/gomlx/ntfm3d/types/tensors"
)

const (
	// transformCols is the width of a [R|t] transform row.
	transformCols = 4
	// pivotCols is the width of a [R|t|p] pivoted transform row.
	pivotCols = 5
)

func validateSet(name string, t *tensors.Tensor, cols int) (n int, dtype dtypes.DType) {
	t.AssertValid()
	dtype = t.DType()
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		exceptions.Panicf("se3: %s must be Float32 or Float64, got %s", name, dtype)
	}
	s := t.Shape()
	if s.Rank() != 4 || s.Dimensions[2] != 3 || s.Dimensions[3] != cols {
		exceptions.Panicf("se3: %s must be shaped (batch, n, 3, %d), got %s", name, cols, s)
	}
	return s.Dimensions[0] * s.Dimensions[1], dtype
}

func matchSet(name string, want *tensors.Tensor, t *tensors.Tensor) {
	t.AssertValid()
	if !t.Shape().Equal(want.Shape()) {
		exceptions.Panicf("se3: %s must be shaped %s, got %s", name, want.Shape(), t.Shape())
	}
}

func constFlat[T float32 | float64](t *tensors.Tensor) []T {
	var flat []T
	tensors.ConstFlatData(t, func(data []T) { flat = data })
	return flat
}

func mutableFlat[T float32 | float64](t *tensors.Tensor) []T {
	var flat []T
	tensors.MutableFlatData(t, func(data []T) { flat = data })
	return flat
}

// Compose multiplies two transform sets pairwise:
//
//	[rA|tA]·[rB|tB] = [rA·rB | rA·tB + tA]
//
// a and b must be equal-shaped (batch, n, 3, 4) sets of one float dtype; the
// result is a fresh set of the same shape. Composing a delta onto a pose set
// is Compose(delta, poses).
func Compose(a, b *tensors.Tensor) *tensors.Tensor {
	n, dtype := validateSet("a", a, transformCols)
	validateSet("b", b, transformCols)
	matchSet("b", a, b)
	a, b = a.Contiguous(), b.Contiguous()
	out := tensors.FromShape(a.Shape())
	if dtype == dtypes.Float64 {
		composeKernel(constFlat[float64](a), constFlat[float64](b), mutableFlat[float64](out), n)
	} else {
		composeKernel(constFlat[float32](a), constFlat[float32](b), mutableFlat[float32](out), n)
	}
	return out
}

// ComposeBackward evaluates the gradients of Compose with respect to both
// operands, given the operands and the upstream gradient of the result.
func ComposeBackward(a, b, gradOut *tensors.Tensor) (gradA, gradB *tensors.Tensor) {
	n, dtype := validateSet("a", a, transformCols)
	validateSet("b", b, transformCols)
	matchSet("b", a, b)
	matchSet("gradOut", a, gradOut)
	a, b, gradOut = a.Contiguous(), b.Contiguous(), gradOut.Contiguous()
	gradA = tensors.FromShape(a.Shape())
	gradB = tensors.FromShape(b.Shape())
	if dtype == dtypes.Float64 {
		composeBackwardKernel(constFlat[float64](a), constFlat[float64](b), constFlat[float64](gradOut),
			mutableFlat[float64](gradA), mutableFlat[float64](gradB), n)
	} else {
		composeBackwardKernel(constFlat[float32](a), constFlat[float32](b), constFlat[float32](gradOut),
			mutableFlat[float32](gradA), mutableFlat[float32](gradB), n)
	}
	return gradA, gradB
}

// Inverse inverts every transform of the set: [R|t] becomes [Rᵀ|−Rᵀ·t].
// Rotations must be orthonormal for this to be the true rigid inverse; the
// arithmetic itself never checks.
func Inverse(tfms *tensors.Tensor) *tensors.Tensor {
	n, dtype := validateSet("tfms", tfms, transformCols)
	tfms = tfms.Contiguous()
	out := tensors.FromShape(tfms.Shape())
	if dtype == dtypes.Float64 {
		inverseKernel(constFlat[float64](tfms), mutableFlat[float64](out), n)
	} else {
		inverseKernel(constFlat[float32](tfms), mutableFlat[float32](out), n)
	}
	return out
}

// InverseBackward evaluates the gradient of Inverse with respect to its
// operand, given the operand and the upstream gradient of the result.
func InverseBackward(tfms, gradOut *tensors.Tensor) *tensors.Tensor {
	n, dtype := validateSet("tfms", tfms, transformCols)
	matchSet("gradOut", tfms, gradOut)
	tfms, gradOut = tfms.Contiguous(), gradOut.Contiguous()
	grad := tensors.FromShape(tfms.Shape())
	if dtype == dtypes.Float64 {
		inverseBackwardKernel(constFlat[float64](tfms), constFlat[float64](gradOut),
			mutableFlat[float64](grad), n)
	} else {
		inverseBackwardKernel(constFlat[float32](tfms), constFlat[float32](gradOut),
			mutableFlat[float32](grad), n)
	}
	return grad
}

// CollapsePivots folds per-transform pivot points into the translation:
// a (batch, n, 3, 5) set of [R|t|p] rows becomes (batch, n, 3, 4) with
//
//	[R | t + p − R·p]
//
// so rotating about the pivot p turns into a plain rotation plus
// translation.
func CollapsePivots(tfms *tensors.Tensor) *tensors.Tensor {
	n, dtype := validateSet("tfms", tfms, pivotCols)
	tfms = tfms.Contiguous()
	s := tfms.Shape()
	out := tensors.FromShape(shapes.Make(dtype, s.Dimensions[0], s.Dimensions[1], 3, transformCols))
	if dtype == dtypes.Float64 {
		collapsePivotsKernel(constFlat[float64](tfms), mutableFlat[float64](out), n)
	} else {
		collapsePivotsKernel(constFlat[float32](tfms), mutableFlat[float32](out), n)
	}
	return out
}

// CollapsePivotsBackward evaluates the gradient of CollapsePivots with
// respect to its (batch, n, 3, 5) operand, given the operand and the
// upstream gradient of the (batch, n, 3, 4) result.
func CollapsePivotsBackward(tfms, gradOut *tensors.Tensor) *tensors.Tensor {
	n, dtype := validateSet("tfms", tfms, pivotCols)
	gradOut.AssertValid()
	gShape := gradOut.Shape()
	if gShape.Rank() != 4 || gShape.Dimensions[0] != tfms.Shape().Dimensions[0] ||
		gShape.Dimensions[1] != tfms.Shape().Dimensions[1] ||
		gShape.Dimensions[2] != 3 || gShape.Dimensions[3] != transformCols {
		exceptions.Panicf("se3: gradOut must be shaped (batch, n, 3, %d) matching %s, got %s",
			transformCols, tfms.Shape(), gShape)
	}
	tfms, gradOut = tfms.Contiguous(), gradOut.Contiguous()
	grad := tensors.FromShape(tfms.Shape())
	if dtype == dtypes.Float64 {
		collapsePivotsBackwardKernel(constFlat[float64](tfms), constFlat[float64](gradOut),
			mutableFlat[float64](grad), n)
	} else {
		collapsePivotsBackwardKernel(constFlat[float32](tfms), constFlat[float32](gradOut),
			mutableFlat[float32](grad), n)
	}
	return grad
}

// Identity returns a (batch, n, 3, 4) set of identity transforms.
func Identity(dtype dtypes.DType, batch, n int) *tensors.Tensor {
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		exceptions.Panicf("se3: Identity supports Float32 or Float64, got %s", dtype)
	}
	out := tensors.FromShape(shapes.Make(dtype, batch, n, 3, transformCols))
	if dtype == dtypes.Float64 {
		identityKernel(mutableFlat[float64](out), batch*n)
	} else {
		identityKernel(mutableFlat[float32](out), batch*n)
	}
	return out
}
