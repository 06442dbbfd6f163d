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

package ste

import (
	"fmt"
	"math/bits"

	"gvisor.dev/smmu/pkg/abi/smmuv3"
	"gvisor.dev/smmu/pkg/dma"
	"gvisor.dev/smmu/pkg/hostarch"
	"gvisor.dev/smmu/pkg/mmio"
)

// Table is a linear stream table.
type Table struct {
	region   dma.Region
	log2Size uint32
}

// Log2Size returns log2 of the number of entries a linear table needs to
// cover stream ID maxStreamID.
func Log2Size(maxStreamID uint32) uint32 {
	return uint32(bits.Len32(maxStreamID))
}

// NewTable allocates a zeroed table covering stream IDs up to maxStreamID.
// The table is aligned to its size, as the hardware ignores the low bits of
// STRTAB_BASE.ADDR below it.
func NewTable(alloc dma.Allocator, maxStreamID uint32) (*Table, error) {
	log2Size := Log2Size(maxStreamID)
	bytes := uint64(smmuv3.STESize) << log2Size
	r, err := alloc.AllocateAligned(hostarch.PagesFor(bytes), bytes)
	if err != nil {
		return nil, fmt.Errorf("allocating stream table of 2^%d entries: %w", log2Size, err)
	}
	return &Table{region: r, log2Size: log2Size}, nil
}

// Addr returns the physical address of the table.
func (t *Table) Addr() uint64 { return t.region.Addr }

// Log2Size returns log2 of the number of entries.
func (t *Table) Log2Size() uint32 { return t.log2Size }

// Entries returns the number of entries.
func (t *Table) Entries() uint32 { return 1 << t.log2Size }

// Bytes returns the allocated size in bytes.
func (t *Table) Bytes() int { return len(t.region.Data) }

// Fill copies template into every entry.
func (t *Table) Fill(template *smmuv3.StreamTableEntry) {
	for sid := uint32(0); sid < t.Entries(); sid++ {
		template.MarshalBytes(t.slot(sid))
	}
}

// Entry returns the entry for sid.
func (t *Table) Entry(sid uint32) (e smmuv3.StreamTableEntry, ok bool) {
	if sid >= t.Entries() {
		return e, false
	}
	e.UnmarshalBytes(t.slot(sid))
	return e, true
}

func (t *Table) slot(sid uint32) []byte {
	off := int(sid) * smmuv3.STESize
	return t.region.Data[off : off+smmuv3.STESize]
}

// Program writes STRTAB_BASE_CFG and STRTAB_BASE.
func (t *Table) Program(regs mmio.Registers, readAllocate bool) {
	regs.Write32(smmuv3.RegStrtabBaseCfg, uint32(smmuv3.MakeStrtabBaseCfg(smmuv3.StrtabFmtLinear, t.log2Size, 0)))
	regs.Write64(smmuv3.RegStrtabBase, uint64(smmuv3.MakeStrtabBase(t.Addr(), readAllocate)))
}

// Free releases the table.
func (t *Table) Free(alloc dma.Allocator) error {
	if t.region.Data == nil {
		return nil
	}
	err := alloc.FreePages(t.region)
	t.region = dma.Region{}
	return err
}
