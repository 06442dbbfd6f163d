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

//go:build linux

package mmio

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DevMem is a register frame mapped from /dev/mem.
type DevMem struct {
	mem []byte
}

// OpenDevMem maps size bytes of physical address space at base. base must be
// page aligned.
func OpenDevMem(base uint64, size int, writable bool) (*DevMem, error) {
	flags, prot := unix.O_RDONLY, unix.PROT_READ
	if writable {
		flags, prot = unix.O_RDWR, unix.PROT_READ|unix.PROT_WRITE
	}
	fd, err := unix.Open("/dev/mem", flags|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening /dev/mem: %w", err)
	}
	defer unix.Close(fd)

	mem, err := unix.Mmap(fd, int64(base), size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping %#x bytes at %#x: %w", size, base, err)
	}
	return &DevMem{mem: mem}, nil
}

// Close unmaps the frame.
func (d *DevMem) Close() error {
	if d.mem == nil {
		return nil
	}
	err := unix.Munmap(d.mem)
	d.mem = nil
	return err
}

func (d *DevMem) ptr32(off uint32) *uint32 {
	if off&3 != 0 || int(off)+4 > len(d.mem) {
		panic(fmt.Sprintf("bad 32-bit register offset %#x", off))
	}
	return (*uint32)(unsafe.Pointer(&d.mem[off]))
}

func (d *DevMem) ptr64(off uint32) *uint64 {
	if off&7 != 0 || int(off)+8 > len(d.mem) {
		panic(fmt.Sprintf("bad 64-bit register offset %#x", off))
	}
	return (*uint64)(unsafe.Pointer(&d.mem[off]))
}

// Read32 implements Registers.Read32.
func (d *DevMem) Read32(off uint32) uint32 { return atomic.LoadUint32(d.ptr32(off)) }

// Write32 implements Registers.Write32.
func (d *DevMem) Write32(off uint32, v uint32) { atomic.StoreUint32(d.ptr32(off), v) }

// Read64 implements Registers.Read64.
func (d *DevMem) Read64(off uint32) uint64 { return atomic.LoadUint64(d.ptr64(off)) }

// Write64 implements Registers.Write64.
func (d *DevMem) Write64(off uint32, v uint64) { atomic.StoreUint64(d.ptr64(off), v) }

// Barrier implements Registers.Barrier.
func (d *DevMem) Barrier() { Barrier() }
