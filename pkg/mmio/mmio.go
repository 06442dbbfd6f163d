// Copyright 2024 The gVisor Authors.
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

// Package mmio provides access to a device's memory-mapped registers and the
// bounded polling used to wait for the device to acknowledge a change.
package mmio

import "gvisor.dev/smmu/pkg/log"

// Registers is a device register frame. Offsets are relative to the base of
// the frame. Implementations must not reorder accesses to the same frame.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
	Read64(off uint32) uint64
	Write64(off uint32, v uint64)

	// Barrier is a full data synchronization barrier: all prior memory
	// writes, including writes to DMA memory shared with the device, are
	// visible to the device before any later register access.
	Barrier()
}

// Traced wraps r so that every access is logged at debug level.
func Traced(r Registers) Registers {
	return &traced{r}
}

type traced struct {
	r Registers
}

func (t *traced) Read32(off uint32) uint32 {
	v := t.r.Read32(off)
	log.Debugf("mmio: read32  %#05x -> %#x", off, v)
	return v
}

func (t *traced) Write32(off uint32, v uint32) {
	log.Debugf("mmio: write32 %#05x <- %#x", off, v)
	t.r.Write32(off, v)
}

func (t *traced) Read64(off uint32) uint64 {
	v := t.r.Read64(off)
	log.Debugf("mmio: read64  %#05x -> %#x", off, v)
	return v
}

func (t *traced) Write64(off uint32, v uint64) {
	log.Debugf("mmio: write64 %#05x <- %#x", off, v)
	t.r.Write64(off, v)
}

func (t *traced) Barrier() {
	t.r.Barrier()
}
