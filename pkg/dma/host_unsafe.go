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

package dma

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/smmu/pkg/errors/iommuerr"
	"gvisor.dev/smmu/pkg/hostarch"
)

// Host allocates anonymous host memory and reports its virtual address as
// the physical address. It is only correct where the device sees host memory
// identity mapped, such as firmware environments and software models.
type Host struct {
	*index
}

// NewHost returns a new Host allocator.
func NewHost() *Host {
	return &Host{index: newIndex()}
}

// AllocatePages implements Allocator.AllocatePages.
func (h *Host) AllocatePages(n uint64) (Region, error) {
	return h.AllocateAligned(n, hostarch.PageSize)
}

// AllocateAligned implements Allocator.AllocateAligned. The mapping is made
// large enough to contain an aligned region, then trimmed to it.
func (h *Host) AllocateAligned(n, align uint64) (Region, error) {
	align, err := checkAlignment(n, align)
	if err != nil {
		return Region{}, err
	}
	length := uintptr(n << hostarch.PageShift)
	slack := uintptr(align - hostarch.PageSize)
	p, err := unix.MmapPtr(-1, 0, nil, length+slack, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return Region{}, fmt.Errorf("mapping %d pages: %v: %w", n, err, iommuerr.OutOfResources)
	}
	head := (uintptr(align) - uintptr(p)%uintptr(align)) % uintptr(align)
	if head > 0 {
		if err := unix.MunmapPtr(p, head); err != nil {
			return Region{}, fmt.Errorf("trimming mapping head: %w", err)
		}
	}
	if tail := slack - head; tail > 0 {
		if err := unix.MunmapPtr(unsafe.Add(p, head+length), tail); err != nil {
			return Region{}, fmt.Errorf("trimming mapping tail: %w", err)
		}
	}
	data := unsafe.Slice((*byte)(unsafe.Add(p, head)), length)
	r := Region{
		Addr: uint64(uintptr(unsafe.Pointer(&data[0]))),
		Data: data,
	}
	h.mu.Lock()
	h.insertLocked(r)
	h.mu.Unlock()
	return r, nil
}

// FreePages implements Allocator.FreePages.
func (h *Host) FreePages(r Region) error {
	h.mu.Lock()
	got, err := h.removeLocked(r)
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return unix.MunmapPtr(unsafe.Pointer(&got.Data[0]), uintptr(len(got.Data)))
}
