// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package se3

// Kernels walk flattened sets of n transforms. [R|t] rows are 4 scalars
// wide, [R|t|p] rows 5, all row-major.

const (
	transformSize = 3 * transformCols
	pivotSize     = 3 * pivotCols
)

func composeKernel[T float32 | float64](a, b, out []T, n int) {
	for i := range n {
		A := a[i*transformSize : (i+1)*transformSize]
		B := b[i*transformSize : (i+1)*transformSize]
		O := out[i*transformSize : (i+1)*transformSize]
		for r := range 3 {
			row := A[r*4 : r*4+4]
			for c := range 3 {
				O[r*4+c] = row[0]*B[c] + row[1]*B[4+c] + row[2]*B[8+c]
			}
			O[r*4+3] = row[0]*B[3] + row[1]*B[7] + row[2]*B[11] + row[3]
		}
	}
}

// composeBackwardKernel: with G the upstream gradient of [rA·rB | rA·tB+tA],
//
//	gradA = [r_g·rBᵀ + t_g·tBᵀ | t_g]
//	gradB = [rAᵀ·r_g | rAᵀ·t_g]
//
// The rotation block of gradA collapses to the 4-wide dot of G rows with B
// rows, translation column included.
func composeBackwardKernel[T float32 | float64](a, b, grad, gradA, gradB []T, n int) {
	for i := range n {
		A := a[i*transformSize : (i+1)*transformSize]
		B := b[i*transformSize : (i+1)*transformSize]
		G := grad[i*transformSize : (i+1)*transformSize]
		GA := gradA[i*transformSize : (i+1)*transformSize]
		GB := gradB[i*transformSize : (i+1)*transformSize]
		for r := range 3 {
			for c := range 3 {
				GA[r*4+c] = G[r*4]*B[c*4] + G[r*4+1]*B[c*4+1] + G[r*4+2]*B[c*4+2] + G[r*4+3]*B[c*4+3]
				GB[r*4+c] = A[r]*G[c] + A[4+r]*G[4+c] + A[8+r]*G[8+c]
			}
			GA[r*4+3] = G[r*4+3]
			GB[r*4+3] = A[r]*G[3] + A[4+r]*G[7] + A[8+r]*G[11]
		}
	}
}

func inverseKernel[T float32 | float64](in, out []T, n int) {
	for i := range n {
		I := in[i*transformSize : (i+1)*transformSize]
		O := out[i*transformSize : (i+1)*transformSize]
		for r := range 3 {
			for c := range 3 {
				O[r*4+c] = I[c*4+r]
			}
			O[r*4+3] = -(I[r]*I[3] + I[4+r]*I[7] + I[8+r]*I[11])
		}
	}
}

// inverseBackwardKernel: with G the upstream gradient of [Rᵀ|−Rᵀ·t],
//
//	grad = [ro_gᵀ − t·to_gᵀ | −R·to_g]
func inverseBackwardKernel[T float32 | float64](in, grad, out []T, n int) {
	for i := range n {
		I := in[i*transformSize : (i+1)*transformSize]
		G := grad[i*transformSize : (i+1)*transformSize]
		O := out[i*transformSize : (i+1)*transformSize]
		for r := range 3 {
			for c := range 3 {
				O[r*4+c] = G[c*4+r] - I[r*4+3]*G[c*4+3]
			}
			O[r*4+3] = -(I[r*4]*G[3] + I[r*4+1]*G[7] + I[r*4+2]*G[11])
		}
	}
}

func collapsePivotsKernel[T float32 | float64](in, out []T, n int) {
	for i := range n {
		I := in[i*pivotSize : (i+1)*pivotSize]
		O := out[i*transformSize : (i+1)*transformSize]
		for r := range 3 {
			O[r*4] = I[r*5]
			O[r*4+1] = I[r*5+1]
			O[r*4+2] = I[r*5+2]
			rp := I[r*5]*I[4] + I[r*5+1]*I[9] + I[r*5+2]*I[14]
			O[r*4+3] = I[r*5+3] + I[r*5+4] - rp
		}
	}
}

// collapsePivotsBackwardKernel: with G the upstream gradient of
// [R | t + p − R·p],
//
//	grad = [ro_g − to_g·pᵀ | to_g | to_g − Rᵀ·to_g]
func collapsePivotsBackwardKernel[T float32 | float64](in, grad, out []T, n int) {
	for i := range n {
		I := in[i*pivotSize : (i+1)*pivotSize]
		G := grad[i*transformSize : (i+1)*transformSize]
		O := out[i*pivotSize : (i+1)*pivotSize]
		for r := range 3 {
			tg := G[r*4+3]
			for c := range 3 {
				O[r*5+c] = G[r*4+c] - tg*I[c*5+4]
			}
			O[r*5+3] = tg
			O[r*5+4] = tg - (I[r]*G[3] + I[5+r]*G[7] + I[10+r]*G[11])
		}
	}
}

func identityKernel[T float32 | float64](out []T, n int) {
	for i := range n {
		O := out[i*transformSize : (i+1)*transformSize]
		O[0], O[5], O[10] = 1, 1, 1
	}
}
