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

package smmu

import (
	"fmt"

	"gvisor.dev/smmu/pkg/abi/smmuv3"
	"gvisor.dev/smmu/pkg/dma"
	"gvisor.dev/smmu/pkg/errors/iommuerr"
	"gvisor.dev/smmu/pkg/smmu/pagetables"
)

// Access is the DMA access a mapping grants.
type Access uint32

// Access bits.
const (
	AccessRead  Access = 1 << 0
	AccessWrite Access = 1 << 1

	accessMask = AccessRead | AccessWrite
)

// String implements fmt.Stringer.
func (a Access) String() string {
	switch a {
	case 0:
		return "none"
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessRead | AccessWrite:
		return "read|write"
	}
	return fmt.Sprintf("Access(%#x)", uint32(a))
}

// Mapping is a live DMA mapping returned by Map.
type Mapping struct {
	host   uint64
	device uint64
	length uint64

	// live is cleared by Unmap.
	live bool
}

// HostAddress returns the mapped host physical address.
func (m *Mapping) HostAddress() uint64 { return m.host }

// DeviceAddress returns the address devices use for the mapping.
func (m *Mapping) DeviceAddress() uint64 { return m.device }

// Length returns the mapped length in bytes.
func (m *Mapping) Length() uint64 { return m.length }

// String implements fmt.Stringer.
func (m *Mapping) String() string {
	return fmt.Sprintf("[%#x, +%#x) -> %#x", m.host, m.length, m.device)
}

func (d *Device) checkEnabled(op string) error {
	if d.state != Enabled {
		return fmt.Errorf("%s in state %v: %w", op, d.state, iommuerr.NotReady)
	}
	return nil
}

// Map makes [host, host+length) reachable by devices at the same address.
// The pages grant no access until SetAttribute is called.
//
// If the page tables run out of memory part way, pages before the failure
// stay mapped and no Mapping is returned.
func (d *Device) Map(host, length uint64) (uint64, *Mapping, error) {
	if err := d.checkEnabled("map"); err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return 0, nil, fmt.Errorf("mapping zero bytes at %#x: %w", host, iommuerr.InvalidParameter)
	}
	if err := d.pt.UpdateRange(host, length, pagetables.MapFlags, true, false); err != nil {
		return 0, nil, fmt.Errorf("mapping [%#x, +%#x): %w", host, length, err)
	}
	m := &Mapping{
		host:   host,
		device: host,
		length: length,
		live:   true,
	}
	return m.device, m, nil
}

// Unmap removes m and waits until the SMMU has dropped every cached
// translation.
func (d *Device) Unmap(m *Mapping) error {
	if err := d.checkEnabled("unmap"); err != nil {
		return err
	}
	if m == nil || !m.live {
		return fmt.Errorf("unmapping %v: %w", m, iommuerr.InvalidParameter)
	}
	if err := d.pt.UpdateRange(m.host, m.length, 0, false, false); err != nil {
		return fmt.Errorf("unmapping %v: %w", m, err)
	}
	m.live = false
	if err := d.cmdq.InvalidateAll(); err != nil {
		return fmt.Errorf("unmapping %v: %w", m, err)
	}
	return nil
}

// SetAttribute replaces the access granted to m. Zero access revokes both
// read and write. Cached translations are not invalidated. A nil m is
// ignored.
func (d *Device) SetAttribute(m *Mapping, access Access) error {
	if err := d.checkEnabled("set attribute"); err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	if !m.live || access&^accessMask != 0 {
		return fmt.Errorf("setting %v on %v: %w", access, m, iommuerr.InvalidParameter)
	}
	flags := pagetables.PTE(access) << pagetables.S2APShift
	if err := d.pt.UpdateRange(m.host, m.length, flags, false, true); err != nil {
		return fmt.Errorf("setting %v on %v: %w", access, m, err)
	}
	return nil
}

// AllocateBuffer allocates pages suitable for DMA.
func (d *Device) AllocateBuffer(pages uint64) (dma.Region, error) {
	return d.alloc.AllocatePages(pages)
}

// FreeBuffer releases a buffer from AllocateBuffer.
func (d *Device) FreeBuffer(r dma.Region) error {
	return d.alloc.FreePages(r)
}

// Lookup returns the leaf descriptor translating addr.
func (d *Device) Lookup(addr uint64) (pagetables.PTE, bool) {
	if d.pt == nil {
		return 0, false
	}
	return d.pt.Lookup(addr)
}

// ReportFaults drains the event queue, logging every fault record along
// with any active global error. It returns the number of records drained.
func (d *Device) ReportFaults() int {
	if g := d.GlobalErrors(); g != 0 {
		d.faults.Warningf("smmu: %#x: global errors %v", d.cfg.Base, g)
	}
	if d.evtq == nil {
		return 0
	}
	return d.evtq.DrainAll(func(rec smmuv3.FaultRecord) {
		d.faults.Warningf("smmu: %#x: %v", d.cfg.Base, rec)
	})
}

// Info describes the translation structures of a Device.
type Info struct {
	State State
	Base  uint64

	StreamTable         uint64
	StreamTableLog2Size uint32
	StreamTableBytes    int

	CommandQueue         uint64
	CommandQueueLog2Size uint32
	EventQueue           uint64
	EventQueueLog2Size   uint32

	PageTableRoot  uint64
	PageTableNodes int
}

// Info returns a snapshot of the device state. Structures not yet allocated
// are reported as zero.
func (d *Device) Info() Info {
	i := Info{State: d.state, Base: d.cfg.Base}
	if d.table != nil {
		i.StreamTable = d.table.Addr()
		i.StreamTableLog2Size = d.table.Log2Size()
		i.StreamTableBytes = d.table.Bytes()
	}
	if d.cmdq != nil {
		i.CommandQueue = d.cmdq.Addr()
		i.CommandQueueLog2Size = d.cmdq.Log2Size()
	}
	if d.evtq != nil {
		i.EventQueue = d.evtq.Addr()
		i.EventQueueLog2Size = d.evtq.Log2Size()
	}
	if d.pt != nil {
		i.PageTableRoot = d.pt.Root()
		i.PageTableNodes = d.pt.Nodes()
	}
	return i
}
