// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ntfm3d

import (
	"math/rand"
	"testing"

	"github.com/gomlx/ntfm3d/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// tolerance for floating point comparisons: operands are float64 and the
// kernels are short dot products, so little slack is needed.
const testTol = 1e-9

func randomTensor(rng *rand.Rand, scale float64, dims ...int) *tensors.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	flat := make([]float64, size)
	for i := range flat {
		flat[i] = scale * (2*rng.Float64() - 1)
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

// normalizedWeights builds a (batch, numTransforms, rows, cols) weight field
// whose weights are positive and sum to one per point.
func normalizedWeights(rng *rand.Rand, batch, numTransforms, rows, cols int) *tensors.Tensor {
	flat := make([]float64, batch*numTransforms*rows*cols)
	plane := rows * cols
	for b := range batch {
		base := b * numTransforms * plane
		for rc := range plane {
			var sum float64
			for k := range numTransforms {
				w := rng.Float64() + 1e-3
				flat[base+k*plane+rc] = w
				sum += w
			}
			for k := range numTransforms {
				flat[base+k*plane+rc] /= sum
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, batch, numTransforms, rows, cols)
}

// randomRotation draws a proper rotation by QR of a Gaussian matrix,
// returned as a row-major 3x3.
func randomRotation(rng *rand.Rand) []float64 {
	data := make([]float64, 9)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	var qr mat.QR
	qr.Factorize(mat.NewDense(3, 3, data))
	var q mat.Dense
	qr.QTo(&q)
	if mat.Det(&q) < 0 {
		// Flip one column to land in SO(3).
		for i := range 3 {
			q.Set(i, 0, -q.At(i, 0))
		}
	}
	rot := make([]float64, 9)
	for i := range 3 {
		for j := range 3 {
			rot[i*3+j] = q.At(i, j)
		}
	}
	return rot
}

// randomRigidTransforms builds a (batch, numTransforms, 12) set of rigid
// [R|t] transforms with unit-range translations.
func randomRigidTransforms(rng *rand.Rand, batch, numTransforms int) *tensors.Tensor {
	flat := make([]float64, batch*numTransforms*transformParams)
	for bk := 0; bk < batch*numTransforms; bk++ {
		rot := randomRotation(rng)
		base := bk * transformParams
		for i := range 3 {
			copy(flat[base+i*4:base+i*4+3], rot[i*3:i*3+3])
			flat[base+i*4+3] = 2*rng.Float64() - 1
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, batch, numTransforms, transformParams)
}

func identityTransforms(batch, numTransforms int) *tensors.Tensor {
	flat := make([]float64, batch*numTransforms*transformParams)
	for bk := 0; bk < batch*numTransforms; bk++ {
		base := bk * transformParams
		flat[base], flat[base+5], flat[base+10] = 1, 1, 1
	}
	return tensors.FromFlatDataAndDimensions(flat, batch, numTransforms, transformParams)
}

func TestForward_SinglePoint(t *testing.T) {
	// One point, one transform: p=(1,0,0), w=1, R=I, t=(0,1,0).
	points := tensors.FromFlatDataAndDimensions([]float64{1, 0, 0}, 1, 3, 1, 1)
	masks := tensors.FromFlatDataAndDimensions([]float64{1}, 1, 1, 1, 1)
	tfms := tensors.FromFlatDataAndDimensions([]float64{
		1, 0, 0, 0,
		0, 1, 0, 1,
		0, 0, 1, 0,
	}, 1, 1, transformParams)

	out, err := Forward(points, masks, tfms, ComposeDelta)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 1, 0}, tensors.CopyFlatData[float64](out), testTol)

	// With a single unit weight the absolute blend lands on the same point.
	out, err = Forward(points, masks, tfms, ComposeAbsolute)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 1, 0}, tensors.CopyFlatData[float64](out), testTol)
}

func TestBackward_SinglePoint(t *testing.T) {
	points := tensors.FromFlatDataAndDimensions([]float64{1, 0, 0}, 1, 3, 1, 1)
	masks := tensors.FromFlatDataAndDimensions([]float64{1}, 1, 1, 1, 1)
	tfms := tensors.FromFlatDataAndDimensions([]float64{
		1, 0, 0, 0,
		0, 1, 0, 1,
		0, 0, 1, 0,
	}, 1, 1, transformParams)
	grad := tensors.FromFlatDataAndDimensions([]float64{1, 1, 1}, 1, 3, 1, 1)

	gradPoints, gradMasks, gradTfms, err := Backward(points, masks, tfms, grad, ComposeDelta)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 1, 1}, tensors.CopyFlatData[float64](gradPoints), testTol)
	assert.InDeltaSlice(t, []float64{1}, tensors.CopyFlatData[float64](gradMasks), testTol)
	assert.InDeltaSlice(t, []float64{
		1, 0, 0, 1,
		1, 0, 0, 1,
		1, 0, 0, 1,
	}, tensors.CopyFlatData[float64](gradTfms), testTol)
}

func TestForward_TwoTransformBlend(t *testing.T) {
	// Identity with weight 0.25 plus a translation by (10,20,30) with
	// weight 0.5 on p=(1,2,3).
	points := tensors.FromFlatDataAndDimensions([]float64{1, 2, 3}, 1, 3, 1, 1)
	masks := tensors.FromFlatDataAndDimensions([]float64{0.25, 0.5}, 1, 2, 1, 1)
	tfms := tensors.FromFlatDataAndDimensions([]float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		1, 0, 0, 10,
		0, 1, 0, 20,
		0, 0, 1, 30,
	}, 1, 2, transformParams)

	out, err := Forward(points, masks, tfms, ComposeDelta)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{6, 12, 18}, tensors.CopyFlatData[float64](out), testTol)

	out, err = Forward(points, masks, tfms, ComposeAbsolute)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{5.75, 11.5, 17.25}, tensors.CopyFlatData[float64](out), testTol)
}

func TestForward_IdentityTransforms(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const batch, numK, rows, cols = 2, 4, 5, 7
	points := randomTensor(rng, 2, batch, 3, rows, cols)
	tfms := identityTransforms(batch, numK)

	// Delta composition passes the field through whatever the weights.
	masks := randomTensor(rng, 1, batch, numK, rows, cols)
	out, err := Forward(points, masks, tfms, ComposeDelta)
	require.NoError(t, err)
	require.True(t, out.InDelta(points, testTol))

	// The absolute blend needs the weights to sum to one per point.
	masks = normalizedWeights(rng, batch, numK, rows, cols)
	out, err = Forward(points, masks, tfms, ComposeAbsolute)
	require.NoError(t, err)
	require.True(t, out.InDelta(points, testTol))
}

func TestForward_TransformsRank4(t *testing.T) {
	// (batch, numTransforms, 3, 4) transforms are the same scalars as
	// (batch, numTransforms, 12) and gradients mirror the operand's shape.
	rng := rand.New(rand.NewSource(13))
	const batch, numK, rows, cols = 2, 3, 4, 5
	points := randomTensor(rng, 2, batch, 3, rows, cols)
	masks := randomTensor(rng, 1, batch, numK, rows, cols)
	tfms3 := randomRigidTransforms(rng, batch, numK)
	tfms4 := tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[float64](tfms3), batch, numK, 3, 4)

	out3, err := Forward(points, masks, tfms3, ComposeDelta)
	require.NoError(t, err)
	out4, err := Forward(points, masks, tfms4, ComposeDelta)
	require.NoError(t, err)
	require.True(t, out3.Equal(out4))

	grad := randomTensor(rng, 1, batch, 3, rows, cols)
	_, _, gradTfms, err := Backward(points, masks, tfms4, grad, ComposeDelta)
	require.NoError(t, err)
	require.True(t, gradTfms.Shape().Equal(tfms4.Shape()))
}

func TestForward_NonContiguousOperands(t *testing.T) {
	// Channel-last points viewed channel-second must behave like their
	// compacted copy.
	rng := rand.New(rand.NewSource(17))
	const batch, numK, rows, cols = 2, 3, 4, 5
	base := randomTensor(rng, 2, batch, cols, rows, 3)
	points := base.Transpose(1, 3)
	require.False(t, points.IsContiguous())
	masks := randomTensor(rng, 1, batch, numK, rows, cols)
	tfms := randomRigidTransforms(rng, batch, numK)

	fromView, err := Forward(points, masks, tfms, ComposeDelta)
	require.NoError(t, err)
	fromDense, err := Forward(points.Contiguous(), masks, tfms, ComposeDelta)
	require.NoError(t, err)
	require.True(t, fromView.Equal(fromDense))

	grad := randomTensor(rng, 1, batch, 3, rows, cols)
	gp1, gm1, gt1, err := Backward(points, masks, tfms, grad, ComposeDelta)
	require.NoError(t, err)
	gp2, gm2, gt2, err := Backward(points.Contiguous(), masks, tfms, grad, ComposeDelta)
	require.NoError(t, err)
	require.True(t, gp1.Equal(gp2))
	require.True(t, gm1.Equal(gm2))
	require.True(t, gt1.InDelta(gt2, testTol))
}

func TestBackward_LinearInUpstream(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	const batch, numK, rows, cols = 2, 3, 3, 4
	points := randomTensor(rng, 2, batch, 3, rows, cols)
	masks := normalizedWeights(rng, batch, numK, rows, cols)
	tfms := randomRigidTransforms(rng, batch, numK)
	g1 := randomTensor(rng, 1, batch, 3, rows, cols)
	g2 := randomTensor(rng, 1, batch, 3, rows, cols)

	g1Flat := tensors.CopyFlatData[float64](g1)
	g2Flat := tensors.CopyFlatData[float64](g2)
	sumFlat := make([]float64, len(g1Flat))
	for i := range sumFlat {
		sumFlat[i] = g1Flat[i] + g2Flat[i]
	}
	gSum := tensors.FromFlatDataAndDimensions(sumFlat, batch, 3, rows, cols)

	gp1, gm1, gt1, err := Backward(points, masks, tfms, g1, ComposeDelta)
	require.NoError(t, err)
	gp2, gm2, gt2, err := Backward(points, masks, tfms, g2, ComposeDelta)
	require.NoError(t, err)
	gpSum, gmSum, gtSum, err := Backward(points, masks, tfms, gSum, ComposeDelta)
	require.NoError(t, err)

	addFlat := func(a, b *tensors.Tensor) []float64 {
		aFlat := tensors.CopyFlatData[float64](a)
		bFlat := tensors.CopyFlatData[float64](b)
		for i := range aFlat {
			aFlat[i] += bFlat[i]
		}
		return aFlat
	}
	assert.InDeltaSlice(t, addFlat(gp1, gp2), tensors.CopyFlatData[float64](gpSum), testTol)
	assert.InDeltaSlice(t, addFlat(gm1, gm2), tensors.CopyFlatData[float64](gmSum), testTol)
	assert.InDeltaSlice(t, addFlat(gt1, gt2), tensors.CopyFlatData[float64](gtSum), testTol)
}

func TestFloat32Operands(t *testing.T) {
	// The float32 kernels follow the same paths; check the known scenario.
	points := tensors.FromFlatDataAndDimensions([]float32{1, 0, 0}, 1, 3, 1, 1)
	masks := tensors.FromFlatDataAndDimensions([]float32{1}, 1, 1, 1, 1)
	tfms := tensors.FromFlatDataAndDimensions([]float32{
		1, 0, 0, 0,
		0, 1, 0, 1,
		0, 0, 1, 0,
	}, 1, 1, transformParams)

	out, err := Forward(points, masks, tfms, ComposeDelta)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 0}, tensors.CopyFlatData[float32](out))

	grad := tensors.FromFlatDataAndDimensions([]float32{1, 1, 1}, 1, 3, 1, 1)
	gradPoints, gradMasks, gradTfms, err := Backward(points, masks, tfms, grad, ComposeDelta)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1}, tensors.CopyFlatData[float32](gradPoints))
	assert.Equal(t, []float32{1}, tensors.CopyFlatData[float32](gradMasks))
	assert.Equal(t, []float32{1, 0, 0, 1, 1, 0, 0, 1, 1, 0, 0, 1},
		tensors.CopyFlatData[float32](gradTfms))
}

func TestForward_ParallelMatchesSequential(t *testing.T) {
	// Large enough to cross the parallelization threshold.
	rng := rand.New(rand.NewSource(29))
	const batch, numK, rows, cols = 1, 2, 80, 64
	points := randomTensor(rng, 2, batch, 3, rows, cols)
	masks := randomTensor(rng, 1, batch, numK, rows, cols)
	tfms := randomRigidTransforms(rng, batch, numK)

	parallel, err := New().Forward(points, masks, tfms, ComposeDelta)
	require.NoError(t, err)
	sequential, err := NewWithConfig(Config{Parallelism: -1}).Forward(points, masks, tfms, ComposeDelta)
	require.NoError(t, err)
	require.True(t, parallel.Equal(sequential))
}

func TestBackward_GroupSizeInvariance(t *testing.T) {
	// The transform gradients fold per group and merge across groups, so
	// the totals must not depend on the group width or on scheduling.
	rng := rand.New(rand.NewSource(31))
	const batch, numK, rows, cols = 2, 3, 6, 37
	points := randomTensor(rng, 2, batch, 3, rows, cols)
	masks := normalizedWeights(rng, batch, numK, rows, cols)
	tfms := randomRigidTransforms(rng, batch, numK)
	grad := randomTensor(rng, 1, batch, 3, rows, cols)

	refEngine := NewWithConfig(Config{Parallelism: -1, WorkGroupSize: 32})
	refGp, refGm, refGt, err := refEngine.Backward(points, masks, tfms, grad, ComposeDelta)
	require.NoError(t, err)

	for _, cfg := range []Config{
		{WorkGroupSize: 32},
		{WorkGroupSize: 64},
		{WorkGroupSize: 256},
		{Parallelism: -1, WorkGroupSize: 256},
	} {
		e := NewWithConfig(cfg)
		gp, gm, gt, err := e.Backward(points, masks, tfms, grad, ComposeDelta)
		require.NoError(t, err, "engine %s", e)
		require.True(t, gp.Equal(refGp), "gradPoints differ for %s", e)
		require.True(t, gm.Equal(refGm), "gradMasks differ for %s", e)
		require.True(t, gt.InDelta(refGt, testTol), "gradTfms differ for %s", e)
	}
}
