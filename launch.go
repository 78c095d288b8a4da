// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ntfm3d

import (
	"runtime/debug"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ntfm3d/types/shapes"
	"github.com/gomlx/ntfm3d/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Launch controller: every public entry point funnels through here. It
// validates operands (panicking on caller bugs), enforces the cache and
// fast-memory capacities, normalizes operands to the canonical contiguous
// layout, decomposes the work into tasks for the worker pool and surfaces
// kernel failures as errors. Either every task completes and fresh result
// tensors are returned, or the launch returns an error and no results.

// minParallelizeChunk is the minimum number of points worth parallelizing.
const minParallelizeChunk = 4096

// panicCollector records the first panic raised by the tasks of a launch.
type panicCollector struct {
	mu    sync.Mutex
	value any
}

func (pc *panicCollector) protect(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			pc.mu.Lock()
			if pc.value == nil {
				pc.value = r
			}
			pc.mu.Unlock()
			if klog.V(2).Enabled() {
				klog.Infof("ntfm3d: kernel task panicked with %v\n%s", r, debug.Stack())
			}
		}
	}()
	fn()
}

func (pc *panicCollector) failed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.value != nil
}

func (pc *panicCollector) err() error {
	if pc.value == nil {
		return nil
	}
	return errors.Wrapf(ErrExecutionFailure, "kernel task panicked with: %v", pc.value)
}

// runTasks executes numTasks kernel tasks, parallelized over the engine's
// workers when enabled. It always waits for every started task. If any task
// panics the launch returns the first failure wrapped in ErrExecutionFailure
// and the caller must discard its outputs.
func (e *Engine) runTasks(numTasks int, task func(task int)) error {
	var pc panicCollector
	if !e.workers.IsEnabled() || numTasks == 1 {
		for i := range numTasks {
			pc.protect(func() { task(i) })
			if pc.failed() {
				break
			}
		}
		return pc.err()
	}
	var wg sync.WaitGroup
	for i := range numTasks {
		wg.Add(1)
		run := func() {
			defer wg.Done()
			pc.protect(func() { task(i) })
		}
		if !e.workers.StartIfAvailable(run) {
			// All workers busy: the calling goroutine works through the
			// task itself instead of blocking.
			run()
		}
	}
	wg.Wait()
	return pc.err()
}

// run1D covers the flattened range [0, n) in chunks of the work-group size,
// enqueued on the worker pool one by one. Small ranges run inline on the
// calling goroutine.
func (e *Engine) run1D(n int, chunk func(start, end int)) error {
	var pc panicCollector
	if !e.workers.IsEnabled() || n <= minParallelizeChunk {
		pc.protect(func() { chunk(0, n) })
		return pc.err()
	}
	size := e.workGroupSize
	var wg sync.WaitGroup
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		wg.Add(1)
		e.workers.WaitToStart(func() {
			defer wg.Done()
			pc.protect(func() { chunk(start, end) })
		})
	}
	wg.Wait()
	return pc.err()
}

// validateFields panics unless points is (batch, 3, rows, cols), masks is
// (batch, numTransforms, rows, cols) over the same grid, and tfms is either
// (batch, numTransforms, 12) or (batch, numTransforms, 3, 4), all of one
// supported float dtype.
func validateFields(points, masks, tfms *tensors.Tensor) (kernelDims, dtypes.DType) {
	points.AssertValid()
	masks.AssertValid()
	tfms.AssertValid()
	dtype := points.DType()
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		exceptions.Panicf("ntfm3d: points must be Float32 or Float64, got %s", dtype)
	}
	if masks.DType() != dtype || tfms.DType() != dtype {
		exceptions.Panicf("ntfm3d: operands must share one dtype, got points=%s, weights=%s, transforms=%s",
			dtype, masks.DType(), tfms.DType())
	}
	pShape := points.Shape()
	if pShape.Rank() != 4 || pShape.Dimensions[1] != 3 {
		exceptions.Panicf("ntfm3d: points must be rank-4 (batch, 3, rows, cols), got %s", pShape)
	}
	batch, rows, cols := pShape.Dimensions[0], pShape.Dimensions[2], pShape.Dimensions[3]
	mShape := masks.Shape()
	if mShape.Rank() != 4 || mShape.Dimensions[0] != batch ||
		mShape.Dimensions[2] != rows || mShape.Dimensions[3] != cols {
		exceptions.Panicf("ntfm3d: weights must be (batch, numTransforms, rows, cols) over the points grid %s, got %s",
			pShape, mShape)
	}
	numK := mShape.Dimensions[1]
	tShape := tfms.Shape()
	tfmsOk := false
	switch tShape.Rank() {
	case 3:
		tfmsOk = tShape.Dimensions[0] == batch && tShape.Dimensions[1] == numK &&
			tShape.Dimensions[2] == transformParams
	case 4:
		tfmsOk = tShape.Dimensions[0] == batch && tShape.Dimensions[1] == numK &&
			tShape.Dimensions[2] == 3 && tShape.Dimensions[3] == 4
	}
	if !tfmsOk {
		exceptions.Panicf("ntfm3d: transforms must be (batch=%d, numTransforms=%d, 12) or (batch, numTransforms, 3, 4), got %s",
			batch, numK, tShape)
	}
	return kernelDims{batch: batch, rows: rows, cols: cols, numTransforms: numK}, dtype
}

// matchShape panics unless t is valid and shaped like want.
func matchShape(name string, want shapes.Shape, t *tensors.Tensor) {
	t.AssertValid()
	if !t.Shape().Equal(want) {
		exceptions.Panicf("ntfm3d: %s must be shaped %s, got %s", name, want, t.Shape())
	}
}

func (e *Engine) checkTransformCapacity(numParams int) error {
	if numParams > e.maxTransformParams {
		return errors.Wrapf(ErrCapacityExceeded,
			"transform set requires %s scalars, the transform cache holds at most %s",
			humanize.Comma(int64(numParams)), humanize.Comma(int64(e.maxTransformParams)))
	}
	return nil
}

// checkGroupMemory bounds the scratch footprint of one backward work group,
// the reduction lanes plus the per-transform partials.
func (e *Engine) checkGroupMemory(numTransforms int, dtype dtypes.DType) error {
	footprint := (e.workGroupSize + numTransforms) * transformParams * dtype.Size()
	if footprint > e.fastMemoryPerGroup {
		return errors.Wrapf(ErrCapacityExceeded,
			"work group scratch requires %s for %d lanes and %d transforms of %s, the fast-memory budget is %s",
			humanize.IBytes(uint64(footprint)), e.workGroupSize, numTransforms, dtype,
			humanize.IBytes(uint64(e.fastMemoryPerGroup)))
	}
	return nil
}

// constFlat captures t's flat data for the duration of a launch. The engine
// only calls it on operands normalized with Contiguous, and callers must not
// mutate operands until the launch returns.
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

// Forward evaluates the operator over a point field. points must be
// (batch, 3, rows, cols), masks (batch, numTransforms, rows, cols) and tfms
// (batch, numTransforms, 12) or (batch, numTransforms, 3, 4), sharing one
// float dtype. Non-contiguous views are accepted and compacted first.
//
// It returns a fresh tensor shaped like points. Invalid operands panic;
// launch failures return an error, see ErrCapacityExceeded and
// ErrExecutionFailure.
func (e *Engine) Forward(points, masks, tfms *tensors.Tensor, compose Compose) (*tensors.Tensor, error) {
	dims, dtype := validateFields(points, masks, tfms)
	if err := e.checkTransformCapacity(tfms.Shape().Size()); err != nil {
		return nil, err
	}
	points = points.Contiguous()
	masks = masks.Contiguous()
	tfms = tfms.Contiguous()
	out := tensors.FromShape(points.Shape())
	var err error
	switch dtype {
	case dtypes.Float32:
		err = forward(e, constFlat[float32](points), constFlat[float32](masks),
			constFlat[float32](tfms), mutableFlat[float32](out), dims, compose)
	case dtypes.Float64:
		err = forward(e, constFlat[float64](points), constFlat[float64](masks),
			constFlat[float64](tfms), mutableFlat[float64](out), dims, compose)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Backward evaluates the gradients with respect to points, weights and
// transforms, given the upstream gradient of the output, shaped like points.
// The gradients are returned as fresh tensors shaped like their operands.
// Invalid operands panic; launch failures return an error.
func (e *Engine) Backward(points, masks, tfms, gradOutput *tensors.Tensor, compose Compose) (gradPoints, gradMasks, gradTfms *tensors.Tensor, err error) {
	dims, dtype := validateFields(points, masks, tfms)
	matchShape("gradOutput", points.Shape(), gradOutput)
	if err = e.checkTransformCapacity(tfms.Shape().Size()); err != nil {
		return nil, nil, nil, err
	}
	if err = e.checkGroupMemory(dims.numTransforms, dtype); err != nil {
		return nil, nil, nil, err
	}
	points = points.Contiguous()
	masks = masks.Contiguous()
	tfms = tfms.Contiguous()
	gradOutput = gradOutput.Contiguous()
	// Fresh tensors start zeroed, which the additive transform-gradient
	// merge relies on.
	gradPoints = tensors.FromShape(points.Shape())
	gradMasks = tensors.FromShape(masks.Shape())
	gradTfms = tensors.FromShape(tfms.Shape())
	switch dtype {
	case dtypes.Float32:
		err = runBackward[float32](e, points, masks, tfms, gradOutput, gradPoints, gradMasks, gradTfms, dims, compose)
	case dtypes.Float64:
		err = runBackward[float64](e, points, masks, tfms, gradOutput, gradPoints, gradMasks, gradTfms, dims, compose)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	return gradPoints, gradMasks, gradTfms, nil
}

func runBackward[T float32 | float64](e *Engine, points, masks, tfms, gradOutput,
	gradPoints, gradMasks, gradTfms *tensors.Tensor, dims kernelDims, compose Compose) error {
	args := &backwardArgs[T]{
		points:     constFlat[T](points),
		masks:      constFlat[T](masks),
		gradOut:    constFlat[T](gradOutput),
		gradPoints: mutableFlat[T](gradPoints),
		gradMasks:  mutableFlat[T](gradMasks),
		gradTfms:   mutableFlat[T](gradTfms),
		dims:       dims,
		compose:    compose,
	}
	return backward(e, args, constFlat[T](tfms))
}
