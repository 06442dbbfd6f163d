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

package emulator

import (
	"encoding/binary"
	"errors"

	"gvisor.dev/smmu/pkg/abi/smmuv3"
	"gvisor.dev/smmu/pkg/hostarch"
)

// ErrAborted is returned for transactions terminated without a fault record,
// by global abort or by an aborting stream table entry.
var ErrAborted = errors.New("transaction aborted")

// Stage 2 descriptor bits the walker interprets.
const (
	descValid   = 1 << 0
	descTable   = 1 << 1
	descS2APR   = 1 << 6
	descS2APW   = 1 << 7
	descAF      = 1 << 10
	descAddress = 0x0000_FFFF_FFFF_F000
)

// Translate performs a DMA access by stream sid to addr as the device would,
// returning the output address. Faults are returned as *Fault and recorded
// in the event queue when the stream records faults.
//
// Only translations that succeed are cached.
func (d *Device) Translate(sid uint32, addr uint64, write bool) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cr0Ack()&smmuv3.CR0SMMUEN == 0 {
		if smmuv3.GBPA(d.regs[smmuv3.RegGBPA])&smmuv3.GBPAAbort != 0 {
			return 0, ErrAborted
		}
		return addr, nil
	}

	ste, err := d.steLocked(sid, addr, write)
	if err != nil {
		return 0, err
	}
	switch ste.Get(smmuv3.STEConfig) {
	case smmuv3.STEConfigAbort:
		return 0, ErrAborted
	case smmuv3.STEConfigBypass:
		return addr, nil
	case smmuv3.STEConfigS2Translate:
	default:
		return 0, d.faultLocked(smmuv3.EventBadSTE, sid, addr, write, true)
	}
	record := ste.Get(smmuv3.STES2RS) == smmuv3.STES2RSRecord

	width := 64 - ste.Get(smmuv3.STES2T0SZ)
	if width < 64 && addr>>width != 0 {
		return 0, d.faultLocked(smmuv3.EventAddrSize, sid, addr, write, record)
	}

	key := tlbKey{sid: sid, page: hostarch.PageRoundDown(addr)}
	leaf, hit := d.tlb[key]
	if !hit {
		leaf, err = d.walkLocked(ste.S2TTB(), sid, addr, write, record)
		if err != nil {
			return 0, err
		}
	}
	if leaf&descAF == 0 {
		return 0, d.faultLocked(smmuv3.EventAccess, sid, addr, write, record)
	}
	perm := uint64(descS2APR)
	if write {
		perm = descS2APW
	}
	if leaf&perm == 0 {
		return 0, d.faultLocked(smmuv3.EventPermission, sid, addr, write, record)
	}
	d.tlb[key] = leaf
	return leaf&descAddress | addr&(hostarch.PageSize-1), nil
}

func (d *Device) steLocked(sid uint32, addr uint64, write bool) (smmuv3.StreamTableEntry, error) {
	if ste, ok := d.steCache[sid]; ok {
		return ste, nil
	}
	var ste smmuv3.StreamTableEntry
	cfg := smmuv3.StrtabBaseCfg(d.regs[smmuv3.RegStrtabBaseCfg])
	if cfg.Format() != smmuv3.StrtabFmtLinear || uint64(sid) >= uint64(1)<<cfg.Log2Size() {
		return ste, d.faultLocked(smmuv3.EventBadStreamID, sid, addr, write, true)
	}
	// Address bits below the table size are ignored.
	size := uint64(smmuv3.STESize) << cfg.Log2Size()
	base := smmuv3.StrtabBase(d.regs[smmuv3.RegStrtabBase]).Addr() &^ (size - 1)
	buf, err := d.mem.Slice(base+uint64(sid)*smmuv3.STESize, smmuv3.STESize)
	if err != nil {
		return ste, d.faultLocked(smmuv3.EventSTEFetch, sid, addr, write, true)
	}
	ste.UnmarshalBytes(buf)
	if !ste.Valid() {
		return ste, d.faultLocked(smmuv3.EventBadSTE, sid, addr, write, true)
	}
	d.steCache[sid] = ste
	return ste, nil
}

// walkLocked returns the level 3 descriptor for addr.
func (d *Device) walkLocked(table uint64, sid uint32, addr uint64, write, record bool) (uint64, error) {
	var desc uint64
	for level := 0; level < 4; level++ {
		shift := hostarch.PageShift + 9*(3-level)
		idx := (addr >> shift) & 0x1FF
		buf, err := d.mem.Slice(table+idx*8, 8)
		if err != nil {
			return 0, d.faultLocked(smmuv3.EventWalkEABT, sid, addr, write, record)
		}
		desc = binary.LittleEndian.Uint64(buf)
		// Block descriptors are not generated by the driver.
		if desc&descValid == 0 || desc&descTable == 0 {
			return 0, d.faultLocked(smmuv3.EventTranslation, sid, addr, write, record)
		}
		table = desc & descAddress
	}
	return desc, nil
}

func (d *Device) faultLocked(id smmuv3.EventID, sid uint32, addr uint64, write, record bool) error {
	rec := smmuv3.MakeFaultRecord(id, sid, addr, write)
	if record {
		d.recordLocked(rec)
	}
	return &Fault{Record: rec}
}
