// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ntfm3d/types/shapes"
	"github.com/x448/float16"
)

// ConvertDType returns a new dense tensor with the same values converted to the given dtype.
// If the dtype is unchanged it returns a contiguous version of the tensor itself (no copy for dense
// tensors).
//
// Conversions are supported among the float dtypes Float16, Float32 and Float64. Float16 is a storage
// format only (commonly produced by sensors and half-precision pipelines); the kernels operate on
// Float32 or Float64, so convert at the boundary.
func (t *Tensor) ConvertDType(dtype dtypes.DType) *Tensor {
	t.AssertValid()
	src := t.Contiguous()
	if src.DType() == dtype {
		return src
	}

	out := FromShape(shapeWithDType(src, dtype))
	src.ConstFlatData(func(srcAny any) {
		out.MutableFlatData(func(dstAny any) {
			switch srcFlat := srcAny.(type) {
			case []float16.Float16:
				switch dstFlat := dstAny.(type) {
				case []float32:
					for ii, v := range srcFlat {
						dstFlat[ii] = v.Float32()
					}
				case []float64:
					for ii, v := range srcFlat {
						dstFlat[ii] = float64(v.Float32())
					}
				default:
					panicConvert(src.DType(), dtype)
				}
			case []float32:
				switch dstFlat := dstAny.(type) {
				case []float16.Float16:
					for ii, v := range srcFlat {
						dstFlat[ii] = float16.Fromfloat32(v)
					}
				case []float64:
					for ii, v := range srcFlat {
						dstFlat[ii] = float64(v)
					}
				default:
					panicConvert(src.DType(), dtype)
				}
			case []float64:
				switch dstFlat := dstAny.(type) {
				case []float16.Float16:
					for ii, v := range srcFlat {
						dstFlat[ii] = float16.Fromfloat32(float32(v))
					}
				case []float32:
					for ii, v := range srcFlat {
						dstFlat[ii] = float32(v)
					}
				default:
					panicConvert(src.DType(), dtype)
				}
			default:
				panicConvert(src.DType(), dtype)
			}
		})
	})
	return out
}

func shapeWithDType(t *Tensor, dtype dtypes.DType) shapes.Shape {
	return shapes.Make(dtype, t.Shape().Dimensions...)
}

func panicConvert(from, to dtypes.DType) {
	exceptions.Panicf("Tensor.ConvertDType: conversion from %s to %s is not supported (supported: Float16, Float32, Float64)", from, to)
}
