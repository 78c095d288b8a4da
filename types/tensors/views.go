// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
)

// Strides returns the effective strides of the tensor, one per axis: the distance in the flat storage
// between two consecutive elements along that axis.
//
// For dense tensors these are the canonical row-major strides (same as Tensor.LayoutStrides); for views
// they reflect the transpositions and narrowing applied.
func (t *Tensor) Strides() []int {
	if t.strides != nil {
		return slices.Clone(t.strides)
	}
	return t.LayoutStrides()
}

// IsContiguous returns whether the tensor's elements are laid out densely in row-major order in its
// storage, starting at position 0. Dense tensors are always contiguous; views generally aren't.
//
// Kernels require contiguous tensors; use Tensor.Contiguous to normalize.
func (t *Tensor) IsContiguous() bool {
	if t.viewOf == nil {
		return true
	}
	return t.offset == 0 && slices.Equal(t.strides, t.LayoutStrides()) && t.Size() == t.viewOf.Size()
}

// Contiguous returns a dense row-major tensor with the same values: the tensor itself when it is already
// contiguous (no copy), or a newly allocated compact copy when it is a view.
func (t *Tensor) Contiguous() *Tensor {
	t.AssertValid()
	if t.viewOf == nil {
		return t
	}
	if t.IsContiguous() {
		// The view covers the whole base tensor in its original layout.
		return t.viewOf
	}
	return t.materializeView()
}

// base returns the dense tensor whose storage t aliases: t itself if dense.
func (t *Tensor) base() *Tensor {
	if t.viewOf != nil {
		return t.viewOf
	}
	return t
}

// Transpose returns a view of the tensor with axisA and axisB swapped, sharing the same storage.
// Axes can be negative, in which case they count from the end.
//
// The returned view is non-contiguous (unless the axes have dimension 1); materialize it with
// Tensor.Contiguous before flat access.
func (t *Tensor) Transpose(axisA, axisB int) *Tensor {
	t.AssertValid()
	axisA = t.adjustAxis(axisA, "Transpose")
	axisB = t.adjustAxis(axisB, "Transpose")

	strides := t.Strides()
	dims := slices.Clone(t.shape.Dimensions)
	strides[axisA], strides[axisB] = strides[axisB], strides[axisA]
	dims[axisA], dims[axisB] = dims[axisB], dims[axisA]

	view := newTensor(t.shape.Clone())
	view.shape.Dimensions = dims
	view.viewOf = t.base()
	view.strides = strides
	view.offset = t.offset
	return view
}

// Narrow returns a view of the tensor restricted to `n` positions of the given axis, starting at
// `start`, sharing the same storage. The axis can be negative, in which case it counts from the end.
func (t *Tensor) Narrow(axis, start, n int) *Tensor {
	t.AssertValid()
	axis = t.adjustAxis(axis, "Narrow")
	dim := t.shape.Dimensions[axis]
	if start < 0 || n <= 0 || start+n > dim {
		exceptions.Panicf("Tensor.Narrow(axis=%d, start=%d, n=%d): out of range for dimension %d (shape=%s)",
			axis, start, n, dim, t.shape)
	}

	strides := t.Strides()
	dims := slices.Clone(t.shape.Dimensions)
	dims[axis] = n

	view := newTensor(t.shape.Clone())
	view.shape.Dimensions = dims
	view.viewOf = t.base()
	view.strides = strides
	view.offset = t.offset + start*strides[axis]
	return view
}

func (t *Tensor) adjustAxis(axis int, opName string) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += t.shape.Rank()
	}
	if adjusted < 0 || adjusted >= t.shape.Rank() {
		exceptions.Panicf("Tensor.%s: axis %d out-of-bounds for rank %d (shape=%s)", opName, axis, t.shape.Rank(), t.shape)
	}
	return adjusted
}

// materializeView gathers the view's elements into a newly allocated dense row-major tensor.
func (t *Tensor) materializeView() *Tensor {
	out := FromShape(t.shape)
	t.viewOf.ConstFlatData(func(srcAny any) {
		out.MutableFlatData(func(dstAny any) {
			// Fast paths for the dtypes the kernels work with.
			switch src := srcAny.(type) {
			case []float32:
				gatherView(t, src, dstAny.([]float32))
			case []float64:
				gatherView(t, src, dstAny.([]float64))
			default:
				srcV := reflect.ValueOf(srcAny)
				dstV := reflect.ValueOf(dstAny)
				ii := 0
				for indices := range t.shape.Iter() {
					pos := t.offset
					for axis, idx := range indices {
						pos += idx * t.strides[axis]
					}
					dstV.Index(ii).Set(srcV.Index(pos))
					ii++
				}
			}
		})
	})
	return out
}

func gatherView[T any](t *Tensor, src, dst []T) {
	ii := 0
	for indices := range t.shape.Iter() {
		pos := t.offset
		for axis, idx := range indices {
			pos += idx * t.strides[axis]
		}
		dst[ii] = src[pos]
		ii++
	}
}
