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

// Package dma provides page-granular memory shared with a DMA-capable device.
//
// Memory handed out by an Allocator has a physical address, as seen by the
// device, and a CPU view through which the driver reads and writes it.
package dma

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/smmu/pkg/errors/iommuerr"
	"gvisor.dev/smmu/pkg/hostarch"
)

// Region is a physically contiguous, page aligned allocation.
type Region struct {
	// Addr is the physical address of the first byte.
	Addr uint64

	// Data is the CPU view of the region.
	Data []byte
}

// Pages returns the number of pages in r.
func (r Region) Pages() uint64 {
	return uint64(len(r.Data)) >> hostarch.PageShift
}

// End returns the first physical address past r.
func (r Region) End() uint64 {
	return r.Addr + uint64(len(r.Data))
}

// Allocator hands out zero-filled, page aligned regions.
type Allocator interface {
	// AllocatePages allocates n pages. It returns an error wrapping
	// iommuerr.OutOfResources when memory is exhausted.
	AllocatePages(n uint64) (Region, error)

	// AllocateAligned allocates n pages whose physical address is a
	// multiple of align bytes. align must be a power of two; alignments
	// below a page are rounded up to a page.
	AllocateAligned(n, align uint64) (Region, error)

	// FreePages releases a region returned by AllocatePages or
	// AllocateAligned.
	FreePages(r Region) error
}

// checkAlignment validates an AllocateAligned request and returns the
// effective alignment.
func checkAlignment(n, align uint64) (uint64, error) {
	if n == 0 {
		return 0, fmt.Errorf("zero page allocation: %w", iommuerr.InvalidParameter)
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("alignment %#x is not a power of two: %w", align, iommuerr.InvalidParameter)
	}
	return max(align, hostarch.PageSize), nil
}

// Memory resolves physical addresses to their CPU view. It is the device's
// side of DMA.
type Memory interface {
	// Slice returns the n bytes at physical address addr, which must lie in
	// a single live region.
	Slice(addr, n uint64) ([]byte, error)
}

// index tracks live regions ordered by physical address.
type index struct {
	mu    sync.Mutex
	tree  *btree.BTreeG[Region]
	pages uint64
}

func newIndex() *index {
	return &index{
		tree: btree.NewG(8, func(a, b Region) bool { return a.Addr < b.Addr }),
	}
}

func (ix *index) insertLocked(r Region) {
	ix.tree.ReplaceOrInsert(r)
	ix.pages += r.Pages()
}

func (ix *index) removeLocked(r Region) (Region, error) {
	got, ok := ix.tree.Get(Region{Addr: r.Addr})
	if !ok || len(got.Data) != len(r.Data) {
		return Region{}, fmt.Errorf("free of unknown region [%#x, %#x): %w", r.Addr, r.End(), iommuerr.InvalidParameter)
	}
	ix.tree.Delete(got)
	ix.pages -= got.Pages()
	return got, nil
}

// Slice implements Memory.Slice.
func (ix *index) Slice(addr, n uint64) ([]byte, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var found Region
	ok := false
	ix.tree.DescendLessOrEqual(Region{Addr: addr}, func(r Region) bool {
		found, ok = r, true
		return false
	})
	if !ok || addr+n > found.End() || addr+n < addr {
		return nil, fmt.Errorf("physical range [%#x, %#x) is not mapped: %w", addr, addr+n, iommuerr.InvalidParameter)
	}
	off := addr - found.Addr
	return found.Data[off : off+n : off+n], nil
}

// InUse returns the number of allocated pages.
func (ix *index) InUse() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.pages
}

// Regions returns the number of live regions.
func (ix *index) Regions() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.tree.Len()
}
