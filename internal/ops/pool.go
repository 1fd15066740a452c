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

package ops

import (
	"runtime"
	"sync"
)

// Pool of constant sized arrays of given type, to reduce memory allocation overhead.
// Arrays are keyed by their capacity
type SizedPool[T any] struct {
	sync.RWMutex
	m map[int]*sync.Pool
}

func NewSizedPool[T any]() *SizedPool[T] {
	return &SizedPool[T]{m: make(map[int]*sync.Pool)}
}

// Pool for scratch mask planes of footprint selection
var PoolUint8 = NewSizedPool[uint8]()

// Pool for design rows and normal equations of kernel solves
var PoolFloat64 = NewSizedPool[float64]()

// Pool for convolved template stamps
var PoolFloat32 = NewSizedPool[float32]()

// Clears all memory pools and triggers garbage collection
func ClearPools() {
	PoolUint8.clear()
	PoolFloat64.clear()
	PoolFloat32.clear()
	runtime.GC()
}

func (p *SizedPool[T]) clear() {
	p.Lock()
	p.m = make(map[int]*sync.Pool)
	p.Unlock()
}

// Returns a pool for arrays of the given size
func (p *SizedPool[T]) sized(size int) *sync.Pool {
	p.RLock()
	pool := p.m[size]
	p.RUnlock()
	if pool != nil {
		return pool
	}
	p.Lock()
	defer p.Unlock()
	if pool = p.m[size]; pool == nil { // re-check under the write lock
		pool = &sync.Pool{
			New: func() interface{} {
				return make([]T, size)
			},
		}
		p.m[size] = pool
	}
	return pool
}

// Retrieves an array of given size from the pool. Contents are undefined
func (p *SizedPool[T]) Get(size int) []T {
	return p.sized(size).Get().([]T)
}

// Retrieves an array of given size from the pool, set to the zero value
func (p *SizedPool[T]) GetCleared(size int) []T {
	arr := p.Get(size)
	var zero T
	for i := range arr {
		arr[i] = zero
	}
	return arr
}

// Returns an array to the pool
func (p *SizedPool[T]) Put(arr []T) {
	p.sized(cap(arr)).Put(arr[:cap(arr)])
}
