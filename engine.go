// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ntfm3d

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

const (
	// DefaultWorkGroupSize is the number of lanes per work group used by the
	// grouped transform-gradient reduction. It must be a power of two, at
	// least minWorkGroupSize.
	DefaultWorkGroupSize = 256

	// DefaultMaxTransformParams caps how many transform scalars (batch x
	// numTransforms x 12) can be staged in the transform cache per launch.
	DefaultMaxTransformParams = 15000

	// DefaultFastMemoryPerGroup is the scratch budget in bytes each work
	// group may use for its reduction lanes and per-transform partials.
	DefaultFastMemoryPerGroup = 48 * 1024

	// minWorkGroupSize is the width of the lock-step tail of the tree
	// reduction, so groups can never be narrower than that.
	minWorkGroupSize = 32
)

// Config customizes an Engine. The zero value selects the defaults.
type Config struct {
	// Parallelism caps concurrent kernel tasks. 0 selects
	// DefaultParallelism(), and a negative value disables worker goroutines
	// altogether, running every task sequentially on the calling goroutine.
	Parallelism int

	// WorkGroupSize is the number of lanes per reduction work group. It must
	// be a power of two >= 32. 0 selects DefaultWorkGroupSize.
	WorkGroupSize int

	// MaxTransformParams bounds the transform cache. 0 selects
	// DefaultMaxTransformParams.
	MaxTransformParams int

	// FastMemoryPerGroup bounds each work group's scratch footprint in
	// bytes. 0 selects DefaultFastMemoryPerGroup.
	FastMemoryPerGroup int
}

// Engine evaluates the weighted rigid-transform operator. It owns a pool of
// worker goroutines and recycles kernel scratch buffers across launches.
//
// Engines are safe for concurrent use. Most programs can use the package-level
// functions, which share a default engine.
type Engine struct {
	parallelism        int
	workGroupSize      int
	maxTransformParams int
	fastMemoryPerGroup int

	workers *workersPool

	// bufferPools maps bufferPoolKey to *sync.Pool of flat scratch slices.
	bufferPools sync.Map
}

// New creates an Engine with the default configuration.
func New() *Engine {
	return NewWithConfig(Config{})
}

// NewWithConfig creates an Engine with the given configuration. It panics if
// WorkGroupSize is not a power of two at least 32.
func NewWithConfig(cfg Config) *Engine {
	e := &Engine{
		parallelism:        cfg.Parallelism,
		workGroupSize:      cfg.WorkGroupSize,
		maxTransformParams: cfg.MaxTransformParams,
		fastMemoryPerGroup: cfg.FastMemoryPerGroup,
	}
	if e.parallelism == 0 {
		e.parallelism = DefaultParallelism()
	} else if e.parallelism < 0 {
		e.parallelism = 0 // Sequential: workersPool treats 0 as disabled.
	}
	if e.workGroupSize == 0 {
		e.workGroupSize = DefaultWorkGroupSize
	}
	if e.workGroupSize < minWorkGroupSize || e.workGroupSize&(e.workGroupSize-1) != 0 {
		exceptions.Panicf("ntfm3d: WorkGroupSize must be a power of two >= %d, got %d",
			minWorkGroupSize, e.workGroupSize)
	}
	if e.maxTransformParams == 0 {
		e.maxTransformParams = DefaultMaxTransformParams
	}
	if e.fastMemoryPerGroup == 0 {
		e.fastMemoryPerGroup = DefaultFastMemoryPerGroup
	}
	e.workers = newWorkersPool(e.parallelism)
	klog.V(1).Infof("ntfm3d: new engine, parallelism=%d, workGroupSize=%d, maxTransformParams=%d, fastMemoryPerGroup=%s",
		e.parallelism, e.workGroupSize, e.maxTransformParams, humanize.IBytes(uint64(e.fastMemoryPerGroup)))
	return e
}

// String implements fmt.Stringer.
func (e *Engine) String() string {
	return fmt.Sprintf("ntfm3d.Engine(parallelism=%d, workGroupSize=%d)",
		e.workers.MaxParallelism(), e.workGroupSize)
}

// WorkGroupSize returns the number of lanes per reduction work group.
func (e *Engine) WorkGroupSize() int { return e.workGroupSize }

// MaxTransformParams returns the transform cache capacity in scalars.
func (e *Engine) MaxTransformParams() int { return e.maxTransformParams }

var (
	defaultEngine     *Engine
	defaultEngineOnce sync.Once
)

// Default returns the shared engine used by the package-level functions.
// It is created on first use with the default configuration.
func Default() *Engine {
	defaultEngineOnce.Do(func() {
		defaultEngine = New()
	})
	return defaultEngine
}
