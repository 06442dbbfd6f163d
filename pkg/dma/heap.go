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

package dma

import (
	"fmt"

	"gvisor.dev/smmu/pkg/errors/iommuerr"
	"gvisor.dev/smmu/pkg/hostarch"
)

// DefaultHeapBase is the first physical address handed out by a Heap.
const DefaultHeapBase = 0x8000_0000

// HeapOpts configures a Heap.
type HeapOpts struct {
	// Base is the physical address of the heap. It is rounded up to a page
	// boundary; zero selects DefaultHeapBase.
	Base uint64

	// Limit bounds the number of live pages. Zero means no limit.
	Limit uint64
}

// Heap is simulated physical memory backed by the Go heap. Addresses are
// handed out in increasing order and never reused.
//
// Heap implements both Allocator and Memory, so a software device model can
// read what the driver wrote.
type Heap struct {
	*index

	// next and limit are protected by index.mu.
	next  uint64
	limit uint64
}

// NewHeap returns a new Heap.
func NewHeap(opts HeapOpts) *Heap {
	base := opts.Base
	if base == 0 {
		base = DefaultHeapBase
	}
	return &Heap{
		index: newIndex(),
		next:  hostarch.MustPageRoundUp(base),
		limit: opts.Limit,
	}
}

// AllocatePages implements Allocator.AllocatePages.
func (h *Heap) AllocatePages(n uint64) (Region, error) {
	return h.AllocateAligned(n, hostarch.PageSize)
}

// AllocateAligned implements Allocator.AllocateAligned. Addresses skipped to
// reach the alignment are never handed out.
func (h *Heap) AllocateAligned(n, align uint64) (Region, error) {
	align, err := checkAlignment(n, align)
	if err != nil {
		return Region{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limit != 0 && h.pages+n > h.limit {
		return Region{}, fmt.Errorf("allocating %d pages with %d of %d in use: %w", n, h.pages, h.limit, iommuerr.OutOfResources)
	}
	r := Region{
		Addr: (h.next + align - 1) &^ (align - 1),
		Data: make([]byte, n<<hostarch.PageShift),
	}
	h.next = r.End()
	h.insertLocked(r)
	return r, nil
}

// FreePages implements Allocator.FreePages.
func (h *Heap) FreePages(r Region) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.removeLocked(r)
	return err
}

// SetLimit changes the page limit. Zero means no limit.
func (h *Heap) SetLimit(pages uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.limit = pages
}
