// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.



// Package pool recycles fixed-size pixel buffers across frames and runs
package pool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Source of pixel buffers. Buffers obtained with Get must be returned with Put
type Allocator interface {
	Get(size int) []float32
	Put(arr []float32)
}

// Pool of constant sized arrays of given type, to reduce memory allocation overhead
type Pool[T any] struct {
	sync.RWMutex
	m map[int]*sync.Pool
}

func New[T any]() *Pool[T] {
	return &Pool[T]{m: make(map[int]*sync.Pool)}
}

// Returns the pool for arrays of the given size
func (p *Pool[T]) sized(size int) *sync.Pool {
	p.RLock()
	sp := p.m[size]
	p.RUnlock()
	if sp == nil {
		p.Lock()
		if sp = p.m[size]; sp == nil {
			sp = &sync.Pool{
				New: func() interface{} {
					return make([]T, size)
				},
			}
			p.m[size] = sp
		}
		p.Unlock()
	}
	return sp
}

// Retrieves an array of given size from the pool. Contents are undefined
func (p *Pool[T]) Get(size int) []T {
	return p.sized(size).Get().([]T)[:size]
}

// Returns an array to the pool
func (p *Pool[T]) Put(arr []T) {
	if cap(arr) == 0 {
		return
	}
	p.sized(cap(arr)).Put(arr[:cap(arr)])
}

// Drops all pooled arrays and runs the garbage collector
func (p *Pool[T]) Clear() {
	p.Lock()
	p.m = make(map[int]*sync.Pool)
	p.Unlock()
	runtime.GC()
}

// Shared pool of float32 pixel buffers
var Float32 = New[float32]()

// Default allocator backed by the shared float32 pool
type Shared struct{}

func (Shared) Get(size int) []float32 { return Float32.Get(size) }
func (Shared) Put(arr []float32)      { Float32.Put(arr) }

// Allocator which counts buffers handed out and not yet returned
type Tracked struct {
	Allocator
	outstanding int64
	allocated   int64
}

func NewTracked(a Allocator) *Tracked {
	if a == nil {
		a = Shared{}
	}
	return &Tracked{Allocator: a}
}

func (t *Tracked) Get(size int) []float32 {
	atomic.AddInt64(&t.outstanding, 1)
	atomic.AddInt64(&t.allocated, 1)
	return t.Allocator.Get(size)
}

func (t *Tracked) Put(arr []float32) {
	if arr == nil {
		return
	}
	atomic.AddInt64(&t.outstanding, -1)
	t.Allocator.Put(arr)
}

// Number of buffers not yet returned
func (t *Tracked) Outstanding() int64 { return atomic.LoadInt64(&t.outstanding) }

// Total number of buffers handed out
func (t *Tracked) Allocated() int64 { return atomic.LoadInt64(&t.allocated) }
