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

// Package queue implements the SMMU's circular command and event queues.
//
// A queue of 2^k entries is indexed by producer and consumer values made of a
// k-bit index and a wrap bit just above it. The queue is empty when both the
// index and the wrap bit match, and full when the index matches but the wrap
// bit differs.
package queue

import (
	"fmt"

	"gvisor.dev/smmu/pkg/dma"
	"gvisor.dev/smmu/pkg/errors/iommuerr"
	"gvisor.dev/smmu/pkg/hostarch"
)

// Queue size limits used by the driver, as log2 of the number of entries.
const (
	MaxCommandLog2Size = 8
	MaxEventLog2Size   = 7

	// maxLog2Size is the largest size the index registers can describe.
	maxLog2Size = 19
)

// Log2Size returns the queue size to use given the size the hardware
// supports and the driver limit.
func Log2Size(hardware, limit uint32) uint32 {
	return min(hardware, limit)
}

// Queue is a ring of fixed-size entries in DMA memory.
type Queue struct {
	region    dma.Region
	log2Size  uint32
	entrySize int
}

// New allocates a zeroed ring of 2^log2Size entries of entrySize bytes,
// aligned to its size.
func New(alloc dma.Allocator, log2Size uint32, entrySize int) (*Queue, error) {
	if log2Size > maxLog2Size || entrySize <= 0 {
		return nil, fmt.Errorf("queue of 2^%d entries of %d bytes: %w", log2Size, entrySize, iommuerr.InvalidParameter)
	}
	bytes := uint64(entrySize) << log2Size
	r, err := alloc.AllocateAligned(hostarch.PagesFor(bytes), bytes)
	if err != nil {
		return nil, fmt.Errorf("allocating queue: %w", err)
	}
	return &Queue{
		region:    r,
		log2Size:  log2Size,
		entrySize: entrySize,
	}, nil
}

// Free releases the ring.
func (q *Queue) Free(alloc dma.Allocator) error {
	if q.region.Data == nil {
		return nil
	}
	err := alloc.FreePages(q.region)
	q.region = dma.Region{}
	return err
}

// Addr returns the physical address of the ring.
func (q *Queue) Addr() uint64 { return q.region.Addr }

// Log2Size returns log2 of the number of entries.
func (q *Queue) Log2Size() uint32 { return q.log2Size }

// Entries returns the number of entries.
func (q *Queue) Entries() uint32 { return 1 << q.log2Size }

// Bytes returns the size of the ring in bytes.
func (q *Queue) Bytes() int { return q.entrySize << q.log2Size }

func (q *Queue) wrapBit() uint32 { return 1 << q.log2Size }

func (q *Queue) ptrMask() uint32 { return q.wrapBit()<<1 - 1 }

// Index returns the slot index of a producer or consumer value.
func (q *Queue) Index(ptr uint32) uint32 { return ptr & (q.wrapBit() - 1) }

// Wrap returns the wrap bit of a producer or consumer value.
func (q *Queue) Wrap(ptr uint32) uint32 { return ptr & q.wrapBit() }

// Full returns true iff no entry can be produced.
func (q *Queue) Full(prod, cons uint32) bool {
	return q.Index(prod) == q.Index(cons) && q.Wrap(prod) != q.Wrap(cons)
}

// Empty returns true iff no entry can be consumed.
func (q *Queue) Empty(prod, cons uint32) bool {
	return prod&q.ptrMask() == cons&q.ptrMask()
}

// Inc returns ptr advanced by one entry. Moving past the last slot flips the
// wrap bit. Bits above the wrap bit are dropped.
func (q *Queue) Inc(ptr uint32) uint32 {
	return (ptr&q.ptrMask() + 1) & q.ptrMask()
}

// Slot returns the bytes of the entry that ptr indexes.
func (q *Queue) Slot(ptr uint32) []byte {
	off := int(q.Index(ptr)) * q.entrySize
	return q.region.Data[off : off+q.entrySize : off+q.entrySize]
}
