// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ntfm3d evaluates dense mixtures of rigid 3D transforms over point
// fields, the core layer of dense motion models: every point of a
// (batch, 3, rows, cols) field is moved by numTransforms rigid [R|t]
// transforms and the contributions are blended per point by a
// (batch, numTransforms, rows, cols) weight field, typically soft
// segmentation masks.
//
// The package provides the forward evaluation, exact gradients with respect
// to all three operands, and a fused squared-error loss against a target
// field. Evaluation happens on the host: an Engine decomposes each launch
// into work groups, runs them over a bounded pool of goroutines and merges
// the per-group transform gradients with lock-free accumulation.
//
// Most programs use the package-level functions, which share one default
// engine:
//
//	out, err := ntfm3d.Forward(points, masks, tfms, ntfm3d.ComposeDelta)
//
// Tensors come from this module's types/tensors package. Transform sets are
// bounded per launch, see ErrCapacityExceeded.
package ntfm3d

import (
	"fmt"

	"github.com/gomlx/ntfm3d/types/tensors"
)

// Compose selects how the weighted transform contributions combine into an
// output point.
type Compose int

const (
	// ComposeDelta anchors the blend at the input point, each transform
	// contributing its weighted displacement:
	//
	//	out = p + Σ_k w_k (T_k·p − p)
	//
	// Identity transforms leave the field unchanged no matter the weights,
	// which keeps early training near the identity well behaved.
	ComposeDelta Compose = iota

	// ComposeAbsolute blends the transformed points directly:
	//
	//	out = Σ_k w_k (T_k·p)
	//
	// The weights are expected to sum to one per point; the kernels take
	// them as given either way.
	ComposeAbsolute
)

// String implements fmt.Stringer.
func (c Compose) String() string {
	switch c {
	case ComposeDelta:
		return "ComposeDelta"
	case ComposeAbsolute:
		return "ComposeAbsolute"
	}
	return fmt.Sprintf("Compose(%d)", int(c))
}

// Forward evaluates the operator on the shared default engine. See
// Engine.Forward.
func Forward(points, masks, tfms *tensors.Tensor, compose Compose) (*tensors.Tensor, error) {
	return Default().Forward(points, masks, tfms, compose)
}

// Backward evaluates the operator gradients on the shared default engine.
// See Engine.Backward.
func Backward(points, masks, tfms, gradOutput *tensors.Tensor, compose Compose) (gradPoints, gradMasks, gradTfms *tensors.Tensor, err error) {
	return Default().Backward(points, masks, tfms, gradOutput, compose)
}

// Loss evaluates the fused squared-error loss on the shared default engine.
// See Engine.Loss.
func Loss(points, masks, tfms, target *tensors.Tensor, compose Compose, sizeAverage bool) (float64, error) {
	return Default().Loss(points, masks, tfms, target, compose, sizeAverage)
}

// LossBackward evaluates the loss gradients on the shared default engine.
// See Engine.LossBackward.
func LossBackward(points, masks, tfms, target *tensors.Tensor, gradScale float64, compose Compose, sizeAverage bool) (gradPoints, gradMasks, gradTfms *tensors.Tensor, err error) {
	return Default().LossBackward(points, masks, tfms, target, gradScale, compose, sizeAverage)
}
