// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ntfm3d

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/gomlx/ntfm3d/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineConfig(t *testing.T) {
	e := New()
	assert.Equal(t, DefaultWorkGroupSize, e.WorkGroupSize())
	assert.Equal(t, DefaultMaxTransformParams, e.MaxTransformParams())
	require.Same(t, Default(), Default())

	// Work groups must be powers of two wide enough for the lock-step tail
	// of the reduction.
	require.Panics(t, func() { NewWithConfig(Config{WorkGroupSize: 48}) })
	require.Panics(t, func() { NewWithConfig(Config{WorkGroupSize: 16}) })
}

func TestTransformCacheCapacity(t *testing.T) {
	// 1250 transforms are exactly DefaultMaxTransformParams scalars; one
	// more transform crosses the boundary.
	rng := rand.New(rand.NewSource(3))
	const rows, cols = 2, 2
	points := randomTensor(rng, 1, 1, 3, rows, cols)

	atLimit := randomRigidTransforms(rng, 1, 1250)
	require.Equal(t, DefaultMaxTransformParams, atLimit.Size())
	masksAtLimit := randomTensor(rng, 1, 1, 1250, rows, cols)
	_, err := Forward(points, masksAtLimit, atLimit, ComposeDelta)
	require.NoError(t, err)

	over := randomRigidTransforms(rng, 1, 1251)
	masksOver := randomTensor(rng, 1, 1, 1251, rows, cols)
	_, err = Forward(points, masksOver, over, ComposeDelta)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	grad := randomTensor(rng, 1, 1, 3, rows, cols)
	_, _, _, err = Backward(points, masksOver, over, grad, ComposeDelta)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	target := randomTensor(rng, 1, 1, 3, rows, cols)
	_, err = Loss(points, masksOver, over, target, ComposeDelta, false)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	_, _, _, err = LossBackward(points, masksOver, over, target, 1, ComposeDelta, false)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	// A roomier engine accepts the same launch.
	big := NewWithConfig(Config{MaxTransformParams: 20000})
	_, err = big.Forward(points, masksOver, over, ComposeDelta)
	require.NoError(t, err)
}

func TestWorkGroupMemoryBudget(t *testing.T) {
	// At 256 lanes and float64, 256 transforms exactly fill the default
	// 48KiB group scratch and 257 exceed it. Forward needs no group
	// scratch and is unaffected.
	rng := rand.New(rand.NewSource(4))
	const rows, cols = 2, 2
	points := randomTensor(rng, 1, 1, 3, rows, cols)
	grad := randomTensor(rng, 1, 1, 3, rows, cols)

	atLimit := randomRigidTransforms(rng, 1, 256)
	masksAtLimit := randomTensor(rng, 1, 1, 256, rows, cols)
	_, _, _, err := Backward(points, masksAtLimit, atLimit, grad, ComposeDelta)
	require.NoError(t, err)

	over := randomRigidTransforms(rng, 1, 257)
	masksOver := randomTensor(rng, 1, 1, 257, rows, cols)
	_, _, _, err = Backward(points, masksOver, over, grad, ComposeDelta)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	_, err = Forward(points, masksOver, over, ComposeDelta)
	require.NoError(t, err)

	// Narrower groups leave room for more transforms.
	narrow := NewWithConfig(Config{WorkGroupSize: 64})
	_, _, _, err = narrow.Backward(points, masksOver, over, grad, ComposeDelta)
	require.NoError(t, err)
}

func TestValidationPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	points := randomTensor(rng, 1, 2, 3, 4, 5)
	masks := randomTensor(rng, 1, 2, 3, 4, 5)
	tfms := randomRigidTransforms(rng, 2, 3)

	// Points must be (batch, 3, rows, cols).
	require.Panics(t, func() {
		_, _ = Forward(randomTensor(rng, 1, 2, 4, 5), masks, tfms, ComposeDelta)
	})
	require.Panics(t, func() {
		_, _ = Forward(randomTensor(rng, 1, 2, 2, 4, 5), masks, tfms, ComposeDelta)
	})
	// Weights must share the points grid.
	require.Panics(t, func() {
		_, _ = Forward(points, randomTensor(rng, 1, 2, 3, 5, 4), tfms, ComposeDelta)
	})
	// Transforms must be (batch, numTransforms, 12) or (batch, numTransforms, 3, 4).
	require.Panics(t, func() {
		_, _ = Forward(points, masks, randomTensor(rng, 1, 2, 3, 11), ComposeDelta)
	})
	// One dtype across operands.
	masks32 := tensors.FromFlatDataAndDimensions(make([]float32, 2*3*4*5), 2, 3, 4, 5)
	require.Panics(t, func() {
		_, _ = Forward(points, masks32, tfms, ComposeDelta)
	})
	// Upstream gradient must be shaped like points.
	require.Panics(t, func() {
		_, _, _, _ = Backward(points, masks, tfms, randomTensor(rng, 1, 2, 3, 5, 4), ComposeDelta)
	})
}

func TestRunTasks_PanicBecomesError(t *testing.T) {
	e := New()
	err := e.runTasks(16, func(task int) {
		if task == 7 {
			panic("boom")
		}
	})
	require.ErrorIs(t, err, ErrExecutionFailure)
	require.ErrorContains(t, err, "boom")

	sequential := NewWithConfig(Config{Parallelism: -1})
	err = sequential.runTasks(4, func(task int) { panic("solo") })
	require.ErrorIs(t, err, ErrExecutionFailure)

	require.NoError(t, e.runTasks(16, func(int) {}))
}

func TestReduceGroup(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for _, groupSize := range []int{32, 64, 128, 256} {
		scratch := make([]float64, groupSize*transformParams)
		want := make([]float64, transformParams)
		for lane := range groupSize {
			for j := range transformParams {
				v := 2*rng.Float64() - 1
				scratch[lane*transformParams+j] = v
				want[j] += v
			}
		}
		reduceGroup(scratch, groupSize)
		assert.InDeltaSlice(t, want, scratch[:transformParams], 1e-12, "groupSize=%d", groupSize)
	}
}

func TestAtomicAdd(t *testing.T) {
	var total64 float64
	var total32 float32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				atomicAddFloat64(&total64, 1)
				atomicAddFloat32(&total32, 1)
			}
		}()
	}
	wg.Wait()
	// Unit increments stay exact well past these counts in both widths.
	assert.Equal(t, float64(8000), total64)
	assert.Equal(t, float32(8000), total32)
}
