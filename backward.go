// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ntfm3d

// Backward evaluator.
//
// With the anchor notation of forward.go (a = p for ComposeDelta, a = 0 for
// ComposeAbsolute) the closed forms per point p with upstream gradient g are:
//
//	gradPoints = a' + Σ_k w_k (R_kᵀ·g − a')     a' = g (delta) or 0 (absolute)
//	gradMasks? = g · (T_k·p − a)                 per transform k
//	gradTfms?  += w_k · (g ⊗ p | g)              3x4 outer-product blocks
//
// The first two are pointwise writes. The transform gradients are additive
// over every point, so they go through the grouped tree reduction of
// reduce.go, then one atomic merge per work group into the shared output.

// backwardArgs bundles the operands shared by every work group of one
// backward launch. All slices are canonical contiguous, see kernelDims.
type backwardArgs[T float32 | float64] struct {
	points, masks, gradOut []T
	cache                  *transformCache[T]

	gradPoints, gradMasks, gradTfms []T

	dims      kernelDims
	compose   Compose
	groupSize int
}

// ntfm3dBackwardGroup evaluates one work group: the lanes covering columns
// [cg*groupSize, ...) of row r, batch b. scratch holds groupSize lanes of
// transformParams scalars, partials one transformParams window per transform,
// both with arbitrary prior contents.
func ntfm3dBackwardGroup[T float32 | float64](args *backwardArgs[T], scratch, partials []T, b, r, cg int) {
	dims := args.dims
	plane := dims.plane()
	numK := dims.numTransforms
	delta := args.compose == ComposeDelta
	cStart := cg * args.groupSize
	lanes := min(args.groupSize, dims.cols-cStart)
	rowBase := r*dims.cols + cStart
	tfms := args.cache.batchTransforms(b)

	// Pointwise gradients, one lane per point in range.
	for lane := range lanes {
		rc := rowBase + lane
		pOff := b*3*plane + rc
		x := args.points[pOff]
		y := args.points[pOff+plane]
		z := args.points[pOff+2*plane]
		gx := args.gradOut[pOff]
		gy := args.gradOut[pOff+plane]
		gz := args.gradOut[pOff+2*plane]
		var ax, ay, az T
		var agx, agy, agz T
		if delta {
			ax, ay, az = x, y, z
			agx, agy, agz = gx, gy, gz
		}
		gpx, gpy, gpz := agx, agy, agz
		mOff := b*numK*plane + rc
		for k := range numK {
			w := args.masks[mOff+k*plane]
			t := tfms[k*transformParams : (k+1)*transformParams]
			// Rows of R_kᵀ·g.
			rgx := t[0]*gx + t[4]*gy + t[8]*gz
			rgy := t[1]*gx + t[5]*gy + t[9]*gz
			rgz := t[2]*gx + t[6]*gy + t[10]*gz
			gpx += w * (rgx - agx)
			gpy += w * (rgy - agy)
			gpz += w * (rgz - agz)
			tx := t[0]*x + t[1]*y + t[2]*z + t[3]
			ty := t[4]*x + t[5]*y + t[6]*z + t[7]
			tz := t[8]*x + t[9]*y + t[10]*z + t[11]
			args.gradMasks[mOff+k*plane] = gx*(tx-ax) + gy*(ty-ay) + gz*(tz-az)
		}
		args.gradPoints[pOff] = gpx
		args.gradPoints[pOff+plane] = gpy
		args.gradPoints[pOff+2*plane] = gpz
	}

	// Transform gradients: per transform every lane deposits its products,
	// the group folds them down to one 12-vector.
	for k := range numK {
		for lane := range args.groupSize {
			slot := scratch[lane*transformParams : (lane+1)*transformParams]
			if lane >= lanes {
				// Lanes past the row's edge participate with zeros.
				clear(slot)
				continue
			}
			rc := rowBase + lane
			pOff := b*3*plane + rc
			x := args.points[pOff]
			y := args.points[pOff+plane]
			z := args.points[pOff+2*plane]
			w := args.masks[b*numK*plane+k*plane+rc]
			wgx := w * args.gradOut[pOff]
			wgy := w * args.gradOut[pOff+plane]
			wgz := w * args.gradOut[pOff+2*plane]
			slot[0], slot[1], slot[2], slot[3] = wgx*x, wgx*y, wgx*z, wgx
			slot[4], slot[5], slot[6], slot[7] = wgy*x, wgy*y, wgy*z, wgy
			slot[8], slot[9], slot[10], slot[11] = wgz*x, wgz*y, wgz*z, wgz
		}
		reduceGroup(scratch, args.groupSize)
		copy(partials[k*transformParams:(k+1)*transformParams], scratch[:transformParams])
	}

	// Cross-group merge, one atomic deposit per parameter.
	for k := range numK {
		base := (b*numK + k) * transformParams
		part := partials[k*transformParams : (k+1)*transformParams]
		for j := range part {
			atomicAdd(&args.gradTfms[base+j], part[j])
		}
	}
}

// backward stages the transform cache and runs the grouped kernel over the
// 3-D decomposition, batch x rows x column groups.
func backward[T float32 | float64](e *Engine, args *backwardArgs[T], tfmsFlat []T) error {
	dims := args.dims
	args.groupSize = e.workGroupSize
	args.cache = stageTransforms(e, tfmsFlat, dims.numTransforms)
	defer args.cache.release(e)

	numColGroups := (dims.cols + args.groupSize - 1) / args.groupSize
	groupsPerBatch := dims.rows * numColGroups
	return e.runTasks(dims.batch*groupsPerBatch, func(group int) {
		scratch := getScratch[T](e, args.groupSize*transformParams)
		partials := getScratch[T](e, dims.numTransforms*transformParams)
		defer putScratch(e, scratch)
		defer putScratch(e, partials)
		b := group / groupsPerBatch
		rem := group % groupsPerBatch
		ntfm3dBackwardGroup(args, scratch, partials, b, rem/numColGroups, rem%numColGroups)
	})
}
