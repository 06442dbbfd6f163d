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

package queue

import (
	"fmt"

	"gvisor.dev/smmu/pkg/abi/smmuv3"
	"gvisor.dev/smmu/pkg/dma"
	"gvisor.dev/smmu/pkg/log"
	"gvisor.dev/smmu/pkg/mmio"
)

// overflowFlag is EVENTQ_PROD.OVFLG, acknowledged through EVENTQ_CONS.OVACKFLG
// at the same position.
const overflowFlag = 1 << 31

// EventQueue receives fault records from the SMMU. The device owns
// EVENTQ_PROD and software owns EVENTQ_CONS.
type EventQueue struct {
	*Queue
	regs mmio.Registers
}

// NewEventQueue allocates an event queue of 2^log2Size entries.
func NewEventQueue(regs mmio.Registers, alloc dma.Allocator, log2Size uint32) (*EventQueue, error) {
	q, err := New(alloc, log2Size, smmuv3.EventSize)
	if err != nil {
		return nil, fmt.Errorf("event queue: %w", err)
	}
	return &EventQueue{Queue: q, regs: regs}, nil
}

// Program writes EVENTQ_BASE and resets both indexes.
func (e *EventQueue) Program(writeAllocate bool) {
	e.regs.Write64(smmuv3.RegEventQBase, uint64(smmuv3.MakeQueueBase(e.Addr(), e.Log2Size(), writeAllocate)))
	e.regs.Write32(smmuv3.RegEventQProd, 0)
	e.regs.Write32(smmuv3.RegEventQCons, 0)
}

// Drain removes one record from the queue. ok is false if the queue was
// empty.
func (e *EventQueue) Drain() (rec smmuv3.FaultRecord, ok bool) {
	prod := e.regs.Read32(smmuv3.RegEventQProd)
	cons := e.regs.Read32(smmuv3.RegEventQCons)
	if e.Empty(prod, cons) {
		return rec, false
	}

	rec.UnmarshalBytes(e.Slot(cons))
	next := e.Inc(cons)
	if prod&overflowFlag != cons&overflowFlag {
		log.Warningf("evtq: event queue overflowed, records were lost")
	}
	next |= prod & overflowFlag
	// The record must be read before the device may reuse its slot.
	e.regs.Barrier()
	e.regs.Write32(smmuv3.RegEventQCons, next)
	return rec, true
}

// DrainAll drains records until the queue is empty, passing each to fn. It
// returns the number of records drained.
func (e *EventQueue) DrainAll(fn func(smmuv3.FaultRecord)) int {
	n := 0
	for {
		rec, ok := e.Drain()
		if !ok {
			return n
		}
		n++
		if fn != nil {
			fn(rec)
		}
	}
}
