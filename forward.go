// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ntfm3d

// Forward evaluator.
//
// Both composition modes share one kernel, parameterized on the anchor a:
//
//	out(b,·,r,c) = a + Σ_k w_k · (T_k·p − a)
//
// With a = p (ComposeDelta) each transform contributes its displacement of
// the point, weighted; with a = 0 (ComposeAbsolute) the output is the plain
// convex blend of the transformed points.

// kernelDims carries the canonical dimensions of one launch. All kernels
// assume row-major contiguous operands: points and outputs are
// (batch, 3, rows, cols), weights are (batch, numTransforms, rows, cols) and
// transforms are batch x numTransforms x 12 scalars.
type kernelDims struct {
	batch         int
	rows          int
	cols          int
	numTransforms int
}

// plane is the number of points per batch element, also the distance between
// consecutive channels of the same pixel.
func (d kernelDims) plane() int { return d.rows * d.cols }

func (d kernelDims) numPoints() int { return d.batch * d.rows * d.cols }

// ntfm3dForward evaluates points [start, end) of the flattened 1-D range,
// reading transforms from the staged cache only.
func ntfm3dForward[T float32 | float64](points, masks, out []T, cache *transformCache[T],
	dims kernelDims, compose Compose, start, end int) {
	plane := dims.plane()
	numK := dims.numTransforms
	delta := compose == ComposeDelta
	for id := start; id < end; id++ {
		b := id / plane
		rc := id % plane
		pOff := b*3*plane + rc
		x := points[pOff]
		y := points[pOff+plane]
		z := points[pOff+2*plane]
		var ax, ay, az T
		if delta {
			ax, ay, az = x, y, z
		}
		ox, oy, oz := ax, ay, az
		tfms := cache.batchTransforms(b)
		mOff := b*numK*plane + rc
		for k := range numK {
			w := masks[mOff+k*plane]
			t := tfms[k*transformParams : (k+1)*transformParams]
			tx := t[0]*x + t[1]*y + t[2]*z + t[3]
			ty := t[4]*x + t[5]*y + t[6]*z + t[7]
			tz := t[8]*x + t[9]*y + t[10]*z + t[11]
			ox += w * (tx - ax)
			oy += w * (ty - ay)
			oz += w * (tz - az)
		}
		out[pOff] = ox
		out[pOff+plane] = oy
		out[pOff+2*plane] = oz
	}
}

// forward stages the transform cache and runs the forward kernel over the
// 1-D point range.
func forward[T float32 | float64](e *Engine, points, masks, tfmsFlat []T,
	out []T, dims kernelDims, compose Compose) error {
	cache := stageTransforms(e, tfmsFlat, dims.numTransforms)
	defer cache.release(e)
	return e.run1D(dims.numPoints(), func(start, end int) {
		ntfm3dForward(points, masks, out, cache, dims, compose, start, end)
	})
}
