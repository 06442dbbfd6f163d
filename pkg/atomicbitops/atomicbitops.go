// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package atomicbitops provides extensions to the sync/atomic package.
//
// All read-modify-write operations implemented by this package have
// acquire-release memory ordering (like sync/atomic).
package atomicbitops

import "sync/atomic"

// Uint32 is an atomic uint32 with bitwise read-modify-write helpers.
//
// The default value is zero.
type Uint32 struct {
	value uint32
}

// FromUint32 returns an Uint32 initialized to value v.
func FromUint32(v uint32) Uint32 {
	return Uint32{value: v}
}

// Load is analogous to atomic.LoadUint32.
func (u *Uint32) Load() uint32 {
	return atomic.LoadUint32(&u.value)
}

// Store is analogous to atomic.StoreUint32.
func (u *Uint32) Store(v uint32) {
	atomic.StoreUint32(&u.value, v)
}

// Add is analogous to atomic.AddUint32.
func (u *Uint32) Add(v uint32) uint32 {
	return atomic.AddUint32(&u.value, v)
}

// CompareAndSwap is analogous to atomic.CompareAndSwapUint32.
func (u *Uint32) CompareAndSwap(oldVal, newVal uint32) bool {
	return atomic.CompareAndSwapUint32(&u.value, oldVal, newVal)
}

// Or atomically sets the bits in val and returns the previous value.
func (u *Uint32) Or(val uint32) uint32 {
	for {
		o := u.Load()
		if u.CompareAndSwap(o, o|val) {
			return o
		}
	}
}

// And atomically keeps only the bits in val and returns the previous value.
func (u *Uint32) And(val uint32) uint32 {
	for {
		o := u.Load()
		if u.CompareAndSwap(o, o&val) {
			return o
		}
	}
}

// Uint64 is an atomic uint64.
//
// The default value is zero.
type Uint64 struct {
	value uint64
}

// Load is analogous to atomic.LoadUint64.
func (u *Uint64) Load() uint64 {
	return atomic.LoadUint64(&u.value)
}

// Store is analogous to atomic.StoreUint64.
func (u *Uint64) Store(v uint64) {
	atomic.StoreUint64(&u.value, v)
}

// Add is analogous to atomic.AddUint64.
func (u *Uint64) Add(v uint64) uint64 {
	return atomic.AddUint64(&u.value, v)
}

// Swap is analogous to atomic.SwapUint64.
func (u *Uint64) Swap(v uint64) uint64 {
	return atomic.SwapUint64(&u.value, v)
}
