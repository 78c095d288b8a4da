// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataassoc associates points across pairs of labeled depth-camera
// clouds, producing the per-point scene flow and visibility targets that
// pose and mask training consume.
//
// Each cloud point carries a mesh label selecting the rigid pose of the
// part it belongs to. Points are lifted into their part's local frame,
// carried into the other camera frame, projected through the pinhole
// intrinsics, and matched against same-label points in a small pixel window
// around the projection. Label 0 is background: always visible, never
// moving. Everything runs inline on the calling goroutine; invalid operands
// panic.
package dataassoc

import (
	"github.com/golang/geo/r3"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ntfm3d/types/shapes"
	"github.com/gomlx/ntfm3d/types/tensors"
)

// Intrinsics holds the pinhole parameters of the depth camera.
type Intrinsics struct {
	FX, FY float64 // focal lengths in pixels
	CX, CY float64 // principal point
}

// Project maps a camera-frame point onto the image, returning the
// fractional (column, row) pixel position.
func (in Intrinsics) Project(p r3.Vector) (col, row float64) {
	return p.X/p.Z*in.FX + in.CX, p.Y/p.Z*in.FY + in.CY
}

// Frame bundles one time step of a labeled point cloud sequence.
type Frame struct {
	// Cloud holds camera-frame points, shaped (batch, 3, rows, cols),
	// Float32 or Float64.
	Cloud *tensors.Tensor
	// Labels assigns every point to a mesh part, shaped
	// (batch, 1, rows, cols) with dtype Uint8. Label 0 is background;
	// other labels index into Poses.
	Labels *tensors.Tensor
	// Poses holds the local-to-camera transform of each part as row-major
	// [R|t] matrices, shaped (batch, numParts, 3, 4) with the cloud dtype.
	Poses *tensors.Tensor
	// PoseInvs holds the camera-to-local inverses of Poses, same shape.
	PoseInvs *tensors.Tensor
}

func (f Frame) contiguous() Frame {
	return Frame{
		Cloud:    f.Cloud.Contiguous(),
		Labels:   f.Labels.Contiguous(),
		Poses:    f.Poses.Contiguous(),
		PoseInvs: f.PoseInvs.Contiguous(),
	}
}

// Association reports both directions of a two-frame association.
type Association struct {
	// FwdFlows holds frame1 to frame2 scene flow per frame1 point, shaped
	// like the clouds; BwdFlows the reverse direction per frame2 point.
	// Unassociated and background points carry zero flow.
	FwdFlows, BwdFlows *tensors.Tensor
	// FwdVisible and BwdVisible flag the points that found a match (or are
	// background), shaped like the labels with dtype Uint8.
	FwdVisible, BwdVisible *tensors.Tensor
}

type assocDims struct {
	batch, rows, cols, numParts int
}

func (d assocDims) plane() int { return d.rows * d.cols }

func validateFrame(name string, f Frame) (dims assocDims, dtype dtypes.DType) {
	f.Cloud.AssertValid()
	f.Labels.AssertValid()
	f.Poses.AssertValid()
	f.PoseInvs.AssertValid()
	dtype = f.Cloud.DType()
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		exceptions.Panicf("dataassoc: %s cloud must be Float32 or Float64, got %s", name, dtype)
	}
	s := f.Cloud.Shape()
	if s.Rank() != 4 || s.Dimensions[1] != 3 {
		exceptions.Panicf("dataassoc: %s cloud must be shaped (batch, 3, rows, cols), got %s", name, s)
	}
	dims = assocDims{batch: s.Dimensions[0], rows: s.Dimensions[2], cols: s.Dimensions[3]}

	wantLabels := shapes.Make(dtypes.Uint8, dims.batch, 1, dims.rows, dims.cols)
	if !f.Labels.Shape().Equal(wantLabels) {
		exceptions.Panicf("dataassoc: %s labels must be shaped %s, got %s", name, wantLabels, f.Labels.Shape())
	}

	ps := f.Poses.Shape()
	if ps.DType != dtype || ps.Rank() != 4 || ps.Dimensions[0] != dims.batch ||
		ps.Dimensions[2] != 3 || ps.Dimensions[3] != 4 {
		exceptions.Panicf("dataassoc: %s poses must be %s shaped (%d, numParts, 3, 4), got %s",
			name, dtype, dims.batch, ps)
	}
	dims.numParts = ps.Dimensions[1]
	if !f.PoseInvs.Shape().Equal(ps) {
		exceptions.Panicf("dataassoc: %s pose inverses must be shaped %s, got %s", name, ps, f.PoseInvs.Shape())
	}
	return dims, dtype
}

// FlowAndVisibility associates the points of two labeled cloud frames in
// both directions. A frame1 point is associated by carrying its local
// coordinates into the frame2 camera with the frame2 pose of its label,
// projecting through camera, and searching the winSize wide pixel window
// around the projection for the closest same-label frame2 point in local
// coordinates; matches beyond threshold (in local distance) are rejected.
// The reverse direction swaps the roles of the frames.
//
// Associated points report visibility 1 and the camera-frame flow to their
// match; background points report visibility 1 and zero flow; everything
// else reports visibility 0 and zero flow.
func FlowAndVisibility(frame1, frame2 Frame, camera Intrinsics, threshold float64, winSize int) Association {
	dims, dtype := validateFrame("frame1", frame1)
	dims2, dtype2 := validateFrame("frame2", frame2)
	if dims != dims2 || dtype != dtype2 {
		exceptions.Panicf("dataassoc: frames must agree on cloud, label and pose shapes, got %s with %d parts vs %s with %d parts",
			frame1.Cloud.Shape(), dims.numParts, frame2.Cloud.Shape(), dims2.numParts)
	}
	if winSize < 1 {
		exceptions.Panicf("dataassoc: winSize must be at least 1, got %d", winSize)
	}

	frame1, frame2 = frame1.contiguous(), frame2.contiguous()
	out := Association{
		FwdFlows:   tensors.FromShape(frame1.Cloud.Shape()),
		BwdFlows:   tensors.FromShape(frame2.Cloud.Shape()),
		FwdVisible: tensors.FromShape(frame1.Labels.Shape()),
		BwdVisible: tensors.FromShape(frame2.Labels.Shape()),
	}
	if dtype == dtypes.Float64 {
		runAssociation[float64](frame1, frame2, out, camera, threshold, winSize, dims)
	} else {
		runAssociation[float32](frame1, frame2, out, camera, threshold, winSize, dims)
	}
	return out
}

func runAssociation[T float32 | float64](frame1, frame2 Frame, out Association,
	camera Intrinsics, threshold float64, winSize int, dims assocDims) {
	f1 := newFrameData[T](frame1, dims)
	f2 := newFrameData[T](frame2, dims)
	computeLocals(f1, dims)
	computeLocals(f2, dims)

	sqThreshold := T(threshold * threshold)
	associate(f1, f2, dims, camera, sqThreshold, winSize,
		mutableFlat[T](out.FwdFlows), mutableFlat[uint8](out.FwdVisible))
	associate(f2, f1, dims, camera, sqThreshold, winSize,
		mutableFlat[T](out.BwdFlows), mutableFlat[uint8](out.BwdVisible))
}

func constFlat[T dtypes.Supported](t *tensors.Tensor) []T {
	var flat []T
	tensors.ConstFlatData(t, func(data []T) { flat = data })
	return flat
}

func mutableFlat[T dtypes.Supported](t *tensors.Tensor) []T {
	var flat []T
	tensors.MutableFlatData(t, func(data []T) { flat = data })
	return flat
}
