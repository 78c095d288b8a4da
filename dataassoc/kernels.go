// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataassoc

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/gomlx/exceptions"
)

// transformSize is the scalar count of one row-major [R|t] pose.
const transformSize = 12

// frameData is one frame flattened for the kernels, plus scratch for the
// local coordinates of its points.
type frameData[T float32 | float64] struct {
	cloud    []T
	local    []T
	labels   []uint8
	poses    []T
	poseInvs []T
}

func newFrameData[T float32 | float64](f Frame, dims assocDims) *frameData[T] {
	return &frameData[T]{
		cloud:    constFlat[T](f.Cloud),
		local:    make([]T, dims.batch*3*dims.plane()),
		labels:   constFlat[uint8](f.Labels),
		poses:    constFlat[T](f.Poses),
		poseInvs: constFlat[T](f.PoseInvs),
	}
}

// computeLocals lifts every cloud point into the local frame of its
// labeled part: local = poseInvs[label] * cloud. Background points use the
// label 0 pose like any other.
func computeLocals[T float32 | float64](f *frameData[T], dims assocDims) {
	plane := dims.plane()
	for b := range dims.batch {
		cOff := b * 3 * plane
		lOff := b * plane
		for rc := range plane {
			label := int(f.labels[lOff+rc])
			if label >= dims.numParts {
				exceptions.Panicf("dataassoc: label %d at point %d of batch %d exceeds the %d poses provided",
					label, rc, b, dims.numParts)
			}
			t := f.poseInvs[(b*dims.numParts+label)*transformSize:][:transformSize]
			x := f.cloud[cOff+rc]
			y := f.cloud[cOff+plane+rc]
			z := f.cloud[cOff+2*plane+rc]
			f.local[cOff+rc] = t[0]*x + t[1]*y + t[2]*z + t[3]
			f.local[cOff+plane+rc] = t[4]*x + t[5]*y + t[6]*z + t[7]
			f.local[cOff+2*plane+rc] = t[8]*x + t[9]*y + t[10]*z + t[11]
		}
	}
}

// associate matches every labeled src point against the same-label dst
// points in a winSize wide window around its projection into the dst
// camera, writing visibility flags and camera-frame flows at the src
// pixel. flows and visible must arrive zeroed.
func associate[T float32 | float64](src, dst *frameData[T], dims assocDims, camera Intrinsics,
	sqThreshold T, winSize int, flows []T, visible []uint8) {
	plane := dims.plane()
	half := winSize / 2
	for b := range dims.batch {
		cOff := b * 3 * plane
		lOff := b * plane
		for r := range dims.rows {
			for c := range dims.cols {
				rc := r*dims.cols + c
				label := int(src.labels[lOff+rc])
				if label == 0 {
					// Background never moves and is always visible.
					visible[lOff+rc] = 1
					continue
				}

				xi := src.local[cOff+rc]
				yi := src.local[cOff+plane+rc]
				zi := src.local[cOff+2*plane+rc]

				// Carry the local point into the dst camera frame and
				// project it to find where to search.
				t := dst.poses[(b*dims.numParts+label)*transformSize:][:transformSize]
				moved := r3.Vector{
					X: float64(t[0]*xi + t[1]*yi + t[2]*zi + t[3]),
					Y: float64(t[4]*xi + t[5]*yi + t[6]*zi + t[7]),
					Z: float64(t[8]*xi + t[9]*yi + t[10]*zi + t[11]),
				}
				col, row := camera.Project(moved)
				col, row = math.Round(col), math.Round(row)
				// The float comparison also drops NaN and infinities from
				// degenerate projections.
				if !(row >= 0 && row < float64(dims.rows) && col >= 0 && col < float64(dims.cols)) {
					continue
				}
				rpix, cpix := int(row), int(col)

				minDist := T(math.Inf(1))
				matchR, matchC := -1, -1
				for tr := rpix - half; tr < rpix-half+winSize; tr++ {
					if tr < 0 || tr >= dims.rows {
						continue
					}
					for tc := cpix - half; tc < cpix-half+winSize; tc++ {
						if tc < 0 || tc >= dims.cols {
							continue
						}
						trc := tr*dims.cols + tc
						if int(dst.labels[lOff+trc]) != label {
							continue
						}
						dx := xi - dst.local[cOff+trc]
						dy := yi - dst.local[cOff+plane+trc]
						dz := zi - dst.local[cOff+2*plane+trc]
						dist := dx*dx + dy*dy + dz*dz
						if dist < minDist && dist < sqThreshold {
							minDist = dist
							matchR, matchC = tr, tc
						}
					}
				}
				if matchR < 0 {
					continue
				}

				visible[lOff+rc] = 1
				mrc := matchR*dims.cols + matchC
				flows[cOff+rc] = dst.cloud[cOff+mrc] - src.cloud[cOff+rc]
				flows[cOff+plane+rc] = dst.cloud[cOff+plane+mrc] - src.cloud[cOff+plane+rc]
				flows[cOff+2*plane+rc] = dst.cloud[cOff+2*plane+mrc] - src.cloud[cOff+2*plane+rc]
			}
		}
	}
}
