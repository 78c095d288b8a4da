// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ntfm3d

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ntfm3d/types/tensors"
)

// Fused squared-error loss over the transformed point field. The forward
// output never materializes as a tensor: it lives in pooled scratch for the
// duration of the launch.

// Loss evaluates half the summed squared error between the transformed
// point field and target:
//
//	loss = 0.5 · Σ ‖out − target‖²
//
// With sizeAverage the loss is further divided by the number of scalars in
// points. target must be shaped like points. Invalid operands panic; launch
// failures return an error.
func (e *Engine) Loss(points, masks, tfms, target *tensors.Tensor, compose Compose, sizeAverage bool) (float64, error) {
	dims, dtype := validateFields(points, masks, tfms)
	matchShape("target", points.Shape(), target)
	if err := e.checkTransformCapacity(tfms.Shape().Size()); err != nil {
		return 0, err
	}
	points = points.Contiguous()
	masks = masks.Contiguous()
	tfms = tfms.Contiguous()
	target = target.Contiguous()
	if dtype == dtypes.Float64 {
		return lossForward(e, constFlat[float64](points), constFlat[float64](masks),
			constFlat[float64](tfms), constFlat[float64](target), dims, compose, sizeAverage)
	}
	return lossForward(e, constFlat[float32](points), constFlat[float32](masks),
		constFlat[float32](tfms), constFlat[float32](target), dims, compose, sizeAverage)
}

func lossForward[T float32 | float64](e *Engine, points, masks, tfmsFlat, target []T,
	dims kernelDims, compose Compose, sizeAverage bool) (float64, error) {
	n := len(points)
	out := getScratch[T](e, n)
	defer putScratch(e, out)
	if err := forward(e, points, masks, tfmsFlat, out, dims, compose); err != nil {
		return 0, err
	}
	// Squared differences accumulate per chunk in float64, then fold in
	// chunk order so the total does not depend on scheduling.
	numChunks := (n + e.workGroupSize - 1) / e.workGroupSize
	partials := make([]float64, numChunks)
	err := e.run1D(n, func(start, end int) {
		var sum float64
		for i := start; i < end; i++ {
			d := float64(out[i] - target[i])
			sum += d * d
		}
		partials[start/e.workGroupSize] = sum
	})
	if err != nil {
		return 0, err
	}
	var total float64
	for _, p := range partials {
		total += p
	}
	total *= 0.5
	if sizeAverage {
		total /= float64(n)
	}
	return total, nil
}

// LossBackward evaluates the gradients of Loss with respect to points,
// weights and transforms, scaled by the upstream gradient gradScale. The
// sizeAverage flag must match the forward call. Since every gradient is
// linear in the upstream gradient, the scale folds directly into
// g = scale·(out − target) before the backward kernels run.
func (e *Engine) LossBackward(points, masks, tfms, target *tensors.Tensor, gradScale float64,
	compose Compose, sizeAverage bool) (gradPoints, gradMasks, gradTfms *tensors.Tensor, err error) {
	dims, dtype := validateFields(points, masks, tfms)
	matchShape("target", points.Shape(), target)
	if err = e.checkTransformCapacity(tfms.Shape().Size()); err != nil {
		return nil, nil, nil, err
	}
	if err = e.checkGroupMemory(dims.numTransforms, dtype); err != nil {
		return nil, nil, nil, err
	}
	points = points.Contiguous()
	masks = masks.Contiguous()
	tfms = tfms.Contiguous()
	target = target.Contiguous()
	gradPoints = tensors.FromShape(points.Shape())
	gradMasks = tensors.FromShape(masks.Shape())
	gradTfms = tensors.FromShape(tfms.Shape())
	if dtype == dtypes.Float64 {
		err = runLossBackward[float64](e, points, masks, tfms, target,
			gradPoints, gradMasks, gradTfms, gradScale, dims, compose, sizeAverage)
	} else {
		err = runLossBackward[float32](e, points, masks, tfms, target,
			gradPoints, gradMasks, gradTfms, gradScale, dims, compose, sizeAverage)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	return gradPoints, gradMasks, gradTfms, nil
}

func runLossBackward[T float32 | float64](e *Engine, points, masks, tfms, target,
	gradPoints, gradMasks, gradTfms *tensors.Tensor, gradScale float64,
	dims kernelDims, compose Compose, sizeAverage bool) error {
	args := &backwardArgs[T]{
		points:     constFlat[T](points),
		masks:      constFlat[T](masks),
		gradPoints: mutableFlat[T](gradPoints),
		gradMasks:  mutableFlat[T](gradMasks),
		gradTfms:   mutableFlat[T](gradTfms),
		dims:       dims,
		compose:    compose,
	}
	return lossBackward(e, args, constFlat[T](tfms), constFlat[T](target), gradScale, sizeAverage)
}

func lossBackward[T float32 | float64](e *Engine, args *backwardArgs[T], tfmsFlat, target []T,
	gradScale float64, sizeAverage bool) error {
	n := len(args.points)
	out := getScratch[T](e, n)
	defer putScratch(e, out)
	if err := forward(e, args.points, args.masks, tfmsFlat, out, args.dims, args.compose); err != nil {
		return err
	}
	scale := gradScale
	if sizeAverage {
		scale /= float64(n)
	}
	s := T(scale)
	if err := e.run1D(n, func(start, end int) {
		for i := start; i < end; i++ {
			out[i] = s * (out[i] - target[i])
		}
	}); err != nil {
		return err
	}
	args.gradOut = out
	return backward(e, args, tfmsFlat)
}
