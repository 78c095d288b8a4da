// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ntfm3d

import (
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
)

// bufferPoolKey identifies a pool of scratch slices of one dtype and length.
type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for given key, creating it with newFn if needed.
func (e *Engine) getBufferPool(key bufferPoolKey, newFn func() any) *sync.Pool {
	poolInterface, ok := e.bufferPools.Load(key)
	if !ok {
		poolInterface, _ = e.bufferPools.LoadOrStore(key, &sync.Pool{New: newFn})
	}
	return poolInterface.(*sync.Pool)
}

// getScratch takes a scratch slice of the given length from the engine's pools.
//
// The contents are arbitrary (possibly recycled): callers must fully overwrite the positions they
// read. Return it with putScratch when done; scratch slices are reused across calls and work-groups,
// which keeps the per-call allocation churn of the kernels near zero.
func getScratch[T float32 | float64](e *Engine, length int) []T {
	key := bufferPoolKey{dtype: dtypes.FromGenericsType[T](), length: length}
	pool := e.getBufferPool(key, func() any {
		return make([]T, length)
	})
	return pool.Get().([]T)
}

// putScratch returns a scratch slice to the engine's pools.
// After this any references to the slice should be dropped.
func putScratch[T float32 | float64](e *Engine, scratch []T) {
	if scratch == nil {
		return
	}
	key := bufferPoolKey{dtype: dtypes.FromGenericsType[T](), length: len(scratch)}
	pool := e.getBufferPool(key, func() any {
		return make([]T, len(scratch))
	})
	pool.Put(scratch)
}
