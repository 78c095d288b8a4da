// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ntfm3d_test

import (
	"fmt"

	"github.com/gomlx/ntfm3d"
	"github.com/gomlx/ntfm3d/types/tensors"
	"github.com/janpfeifer/must"
)

// ExampleForward blends a single point between staying put and a
// translation of +2 along y.
func ExampleForward() {
	// One point at (1, 0, 0) on a 1x1 grid.
	points := tensors.FromFlatDataAndDimensions([]float64{1, 0, 0}, 1, 3, 1, 1)
	// Half the weight on the identity, half on the translation.
	masks := tensors.FromFlatDataAndDimensions([]float64{0.5, 0.5}, 1, 2, 1, 1)
	tfms := tensors.FromFlatDataAndDimensions([]float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,

		1, 0, 0, 0,
		0, 1, 0, 2,
		0, 0, 1, 0,
	}, 1, 2, 12)

	out := must.M1(ntfm3d.Forward(points, masks, tfms, ntfm3d.ComposeDelta))
	fmt.Println(tensors.CopyFlatData[float64](out))
	// Output:
	// [1 1 0]
}

// ExampleEngine_Loss measures how far a fully weighted translation lands
// from a target that did not move.
func ExampleEngine_Loss() {
	points := tensors.FromFlatDataAndDimensions([]float64{1, 0, 0}, 1, 3, 1, 1)
	masks := tensors.FromFlatDataAndDimensions([]float64{1}, 1, 1, 1, 1)
	tfms := tensors.FromFlatDataAndDimensions([]float64{
		1, 0, 0, 0,
		0, 1, 0, 1,
		0, 0, 1, 0,
	}, 1, 1, 12)
	target := points

	e := ntfm3d.New()
	loss := must.M1(e.Loss(points, masks, tfms, target, ntfm3d.ComposeDelta, false))
	fmt.Println(loss)
	// Output:
	// 0.5
}
