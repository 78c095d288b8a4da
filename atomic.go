// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ntfm3d

import (
	"math"
	"sync/atomic"
	"unsafe"
)

// Lock-free float accumulation for the cross-group transform-gradient merge.
// Each add retries a compare-and-swap on the value's bit pattern until it
// lands, so concurrent groups can deposit into the same slot without locks.

func atomicAddFloat32(addr *float32, delta float32) {
	bits := (*uint32)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint32(bits)
		updated := math.Float32bits(math.Float32frombits(old) + delta)
		if atomic.CompareAndSwapUint32(bits, old, updated) {
			return
		}
	}
}

func atomicAddFloat64(addr *float64, delta float64) {
	bits := (*uint64)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint64(bits)
		updated := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(bits, old, updated) {
			return
		}
	}
}

func atomicAdd[T float32 | float64](addr *T, delta T) {
	switch ptr := any(addr).(type) {
	case *float32:
		atomicAddFloat32(ptr, any(delta).(float32))
	case *float64:
		atomicAddFloat64(ptr, any(delta).(float64))
	}
}
