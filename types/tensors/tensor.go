// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, a representation of a multi-dimensional array.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions),
// defined by their shape (a data type and its axes' dimensions) and their actual content, stored as a
// flat (1D) slice of the corresponding Go type in host memory.
//
// The main use of tensors here is as input and output of the ntfm3d kernels.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given. `T` must be one of the supported types.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions, and set the flattened values with the given data. `T` must be one of the supported types.
//     Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromValue[S MultiDimensionSlice](value S): Generic conversion, works with the scalar supported `DType`s
//     as well as with any arbitrary multidimensional slice of them. Slices of rank > 1 must be regular, that is
//     all the sub-slices must have the same shape. Example:
//
//     t := FromValue([][]float32{{1,2}, {3, 5}, {7, 11}})
//
//   - FromAnyValue(value any): same as FromValue but non-generic, it takes an anonymous type `any`. The exception
//     is if `value` is already a tensor, then it is a no-op and it returns the tensor itself.
//
// A Tensor normally owns its storage in dense row-major order. Tensor.Transpose and Tensor.Narrow return
// *views*: tensors that alias the storage of a base tensor through shifted strides and offset, without
// copying. Views cannot be accessed flat directly (ConstFlatData and friends panic); call
// Tensor.Contiguous to materialize a view into a dense row-major copy. Dense tensors return themselves
// from Contiguous at no cost.
package tensors

import (
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ntfm3d/types/shapes"
	"github.com/pkg/errors"
)

// Tensor represents a multidimensional array (from scalar with 0 dimensions, to arbitrarily large
// dimensions), defined by its shape, a data type (dtypes.DType) and its axes' dimensions, and its actual
// content stored as a flat (1D) slice of values in host memory.
//
// A Tensor is either *dense* (owns its flat storage, row-major) or a *view* into the storage of a dense
// base tensor (see Tensor.Transpose, Tensor.Narrow and Tensor.Contiguous).
//
// More details in the package documentation.
type Tensor struct {
	// shape of the tensor.
	shape shapes.Shape

	// mu protects the local data, but not the shape, which is considered immutable (only changed
	// when Tensor is finalized).
	mu    sync.Mutex
	local *local

	// View support: viewOf points to the dense base tensor whose storage this tensor aliases.
	// Dense tensors have viewOf == nil, strides == nil and offset == 0; their layout is the
	// canonical row-major one (see Tensor.LayoutStrides).
	viewOf  *Tensor
	strides []int
	offset  int
}

// newTensor returns a Tensor object initialized only with the shape, but no actual storage.
// The returned tensor is invalid, and data must be associated to it still.
func newTensor(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape}
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
// It is a shortcut to `Tensor.Shape().DType`.
func (t *Tensor) DType() dtypes.DType {
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
// It is a shortcut to `Tensor.Shape().Rank()`.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
// It is a shortcut to `Tensor.Shape().IsScalar()`.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
// It is a shortcut to `Tensor.Shape().Size()`.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor. An alias to Tensor.Shape().Memory().
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the Tensor is in a valid state: it is not nil, and it hasn't been finalized.
func (t *Tensor) Ok() bool {
	if t == nil || !t.shape.Ok() {
		return false
	}
	if t.viewOf != nil {
		return t.viewOf.Ok()
	}
	return !t.local.IsFinalized()
}

// IsView returns whether the tensor is a view aliasing the storage of another (dense) tensor.
// See Tensor.Contiguous to materialize a view.
func (t *Tensor) IsView() bool { return t.viewOf != nil }

// AssertValid panics if the tensor is nil, if its shape is invalid or if it was finalized.
func (t *Tensor) AssertValid() {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	if !t.shape.Ok() {
		panic(errors.New("Tensor shape is invalid"))
	}
	if t.viewOf != nil {
		t.viewOf.AssertValid()
		return
	}
	if t.local.IsFinalized() {
		panic(errors.New("Tensor has been finalized, no data associated to it"))
	}
}

// FinalizeAll immediately frees the tensor data and leaves the Tensor in an invalid state. Shape is cleared also.
//
// For views it only drops the reference to the base tensor, whose storage stays valid.
//
// It's the caller responsibility to ensure the tensor is not being used elsewhere (like in the middle of
// an execution).
func (t *Tensor) FinalizeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local != nil {
		t.local.Finalize()
		t.local = nil
	}
	t.viewOf = nil
	t.strides = nil
	t.offset = 0
	t.shape = shapes.Invalid()
}
