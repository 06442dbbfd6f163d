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

// CommandQueue submits commands to the SMMU. Software owns CMDQ_PROD and the
// device owns CMDQ_CONS.
//
// Submission is synchronous: Send returns once the device has consumed the
// command.
type CommandQueue struct {
	*Queue
	regs   mmio.Registers
	poller *mmio.Poller
}

// NewCommandQueue allocates a command queue of 2^log2Size entries.
func NewCommandQueue(regs mmio.Registers, alloc dma.Allocator, log2Size uint32, poller *mmio.Poller) (*CommandQueue, error) {
	q, err := New(alloc, log2Size, smmuv3.CommandSize)
	if err != nil {
		return nil, fmt.Errorf("command queue: %w", err)
	}
	return &CommandQueue{Queue: q, regs: regs, poller: poller}, nil
}

// Program writes CMDQ_BASE and resets both indexes.
func (c *CommandQueue) Program(readAllocate bool) {
	c.regs.Write64(smmuv3.RegCmdQBase, uint64(smmuv3.MakeQueueBase(c.Addr(), c.Log2Size(), readAllocate)))
	c.regs.Write32(smmuv3.RegCmdQProd, 0)
	c.regs.Write32(smmuv3.RegCmdQCons, 0)
}

// Send places cmd in the queue, publishes it and waits for the device to
// consume it. It waits for space first if the queue is full. Both waits are
// bounded and fail with an error wrapping iommuerr.Timeout.
func (c *CommandQueue) Send(cmd smmuv3.Command) error {
	prod := c.regs.Read32(smmuv3.RegCmdQProd)
	cons := c.regs.Read32(smmuv3.RegCmdQCons)
	if c.Full(prod, cons) {
		err := c.poller.Until(func() bool {
			prod = c.regs.Read32(smmuv3.RegCmdQProd)
			cons = c.regs.Read32(smmuv3.RegCmdQCons)
			return !c.Full(prod, cons)
		})
		if err != nil {
			return fmt.Errorf("command queue full (prod %#x, cons %#x): %w", prod, cons, err)
		}
	}

	cmd.MarshalBytes(c.Slot(prod))
	// The entry must be visible before the device can see the new PROD.
	c.regs.Barrier()
	prod = c.Inc(prod)
	c.regs.Write32(smmuv3.RegCmdQProd, prod)

	err := c.poller.Until(func() bool {
		cons = c.regs.Read32(smmuv3.RegCmdQCons)
		return c.Empty(prod, cons)
	})
	if err != nil {
		code := smmuv3.CmdQConsErr(cons)
		log.Warningf("cmdq: %v not consumed: prod %#x, cons %#x, error code %d", cmd.Opcode(), prod, cons, code)
		return fmt.Errorf("%v not consumed (prod %#x, cons %#x, error code %d): %w", cmd.Opcode(), prod, cons, code, err)
	}
	return nil
}

// InvalidateAll invalidates all cached configuration and every TLB entry,
// then waits for the invalidations to complete with a CMD_SYNC.
func (c *CommandQueue) InvalidateAll() error {
	for _, cmd := range []smmuv3.Command{
		smmuv3.CfgiAll(),
		smmuv3.TLBINSNHAll(),
		smmuv3.TLBIEL2All(),
		smmuv3.Sync(),
	} {
		if err := c.Send(cmd); err != nil {
			return err
		}
	}
	return nil
}
