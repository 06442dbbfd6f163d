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

// Package emulator is a software model of an SMMUv3 register frame.
//
// The model implements mmio.Registers on top of dma.Memory. It acknowledges
// control register writes, consumes the command queue, produces fault records
// and translates addresses by walking the stream table and stage 2 tables the
// driver built, caching configuration and translations until they are
// invalidated.
package emulator

import (
	"context"
	"fmt"
	"sync"

	"gvisor.dev/smmu/pkg/abi/smmuv3"
	"gvisor.dev/smmu/pkg/atomicbitops"
	"gvisor.dev/smmu/pkg/dma"
	"gvisor.dev/smmu/pkg/log"
)

// Options configures a Device.
type Options struct {
	// IDR0, IDR1 and OAS are reported through IDR0, IDR1 and IDR5.OAS.
	IDR0 smmuv3.IDR0Features
	IDR1 smmuv3.IDR1Features
	OAS  uint32

	// Async defers command consumption to Run. Otherwise commands are
	// consumed as CMDQ_PROD is written.
	Async bool

	// The following stall the corresponding acknowledgement forever.
	StallCR0Ack       bool
	StallIRQAck       bool
	StallGBPA         bool
	StallCommandQueue bool
}

// DefaultOptions returns a model of a typical server SMMU.
func DefaultOptions() Options {
	return Options{
		IDR0: smmuv3.IDR0Features{
			S1P:    true,
			S2P:    true,
			TTF:    smmuv3.TTFAArch64,
			COHACC: true,
			BTM:    true,
		},
		IDR1: smmuv3.IDR1Features{
			SIDSize: 16,
			EventQS: 19,
			CmdQS:   19,
		},
		OAS: 5,
	}
}

// Device is a software SMMUv3. It is safe for concurrent use.
type Device struct {
	mem  dma.Memory
	opts Options

	// gerror is the GERROR register.
	gerror atomicbitops.Uint32

	// consumed counts consumed commands.
	consumed atomicbitops.Uint64

	doorbell chan struct{}

	mu sync.Mutex

	// regs holds every other register by offset.
	regs map[uint32]uint64

	// commands logs consumed commands.
	commands []smmuv3.Command

	// steCache caches stream table entries by stream ID.
	steCache map[uint32]smmuv3.StreamTableEntry

	// tlb caches leaf descriptors by stream ID and page.
	tlb map[tlbKey]uint64
}

type tlbKey struct {
	sid  uint32
	page uint64
}

// New returns a Device that reads and writes DMA memory through mem.
func New(mem dma.Memory, opts Options) *Device {
	d := &Device{
		mem:      mem,
		opts:     opts,
		doorbell: make(chan struct{}, 1),
		regs:     make(map[uint32]uint64),
		steCache: make(map[uint32]smmuv3.StreamTableEntry),
		tlb:      make(map[tlbKey]uint64),
	}
	d.regs[smmuv3.RegIDR0] = uint64(opts.IDR0.Value())
	d.regs[smmuv3.RegIDR1] = uint64(opts.IDR1.Value())
	d.regs[smmuv3.RegIDR5] = uint64(smmuv3.IDR5(0).WithOAS(opts.OAS))
	return d
}

// SetStallCR0Ack changes whether CR0 writes are acknowledged. Writes made
// while stalled are not acknowledged later.
func (d *Device) SetStallCR0Ack(stall bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.StallCR0Ack = stall
}

// Read32 implements mmio.Registers.Read32.
func (d *Device) Read32(off uint32) uint32 {
	if off == smmuv3.RegGERROR {
		return d.gerror.Load()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint32(d.regs[off])
}

// Write32 implements mmio.Registers.Write32.
func (d *Device) Write32(off uint32, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch off {
	case smmuv3.RegIDR0, smmuv3.RegIDR1, smmuv3.RegIDR5, smmuv3.RegCR0ACK, smmuv3.RegIRQCtrlAck, smmuv3.RegGERROR:
		log.Debugf("emulator: ignoring write of %#x to read-only register %#x", v, off)
		return
	case smmuv3.RegCR0:
		d.regs[off] = uint64(v)
		if !d.opts.StallCR0Ack {
			d.regs[smmuv3.RegCR0ACK] = uint64(v)
		}
	case smmuv3.RegIRQCtrl:
		d.regs[off] = uint64(v)
		if !d.opts.StallIRQAck {
			d.regs[smmuv3.RegIRQCtrlAck] = uint64(v)
		}
	case smmuv3.RegGBPA:
		// UPDATE reads back as one until the new attributes take effect.
		d.regs[off] = uint64(v)
		if v&uint32(smmuv3.GBPAUpdate) != 0 && !d.opts.StallGBPA {
			d.regs[off] = uint64(v &^ uint32(smmuv3.GBPAUpdate))
		}
	case smmuv3.RegCmdQProd:
		d.regs[off] = uint64(v)
		if d.opts.Async {
			select {
			case d.doorbell <- struct{}{}:
			default:
			}
		} else {
			d.consumeLocked()
		}
	default:
		d.regs[off] = uint64(v)
	}
}

// Read64 implements mmio.Registers.Read64.
func (d *Device) Read64(off uint32) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[off]
}

// Write64 implements mmio.Registers.Write64.
func (d *Device) Write64(off uint32, v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[off] = v
}

// Barrier implements mmio.Registers.Barrier.
func (d *Device) Barrier() {
	// Accesses are ordered by d.mu.
}

// Run consumes commands as they are published until ctx is done. It is only
// needed with Options.Async.
func (d *Device) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.doorbell:
			d.mu.Lock()
			d.consumeLocked()
			d.mu.Unlock()
		}
	}
}

// SetGlobalError raises the given GERROR bits.
func (d *Device) SetGlobalError(bits smmuv3.GError) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.raiseLocked(bits)
}

// raiseLocked makes bits active by toggling those GERROR bits that match
// GERRORN.
func (d *Device) raiseLocked(bits smmuv3.GError) {
	ack := uint32(d.regs[smmuv3.RegGERRORN])
	for {
		old := d.gerror.Load()
		inactive := ^(old ^ ack) & uint32(bits)
		if d.gerror.CompareAndSwap(old, old^inactive) {
			return
		}
	}
}

// ActiveGlobalErrors returns the GERROR bits not yet acknowledged through
// GERRORN.
func (d *Device) ActiveGlobalErrors() smmuv3.GError {
	d.mu.Lock()
	defer d.mu.Unlock()
	return smmuv3.GError(d.gerror.Load()^uint32(d.regs[smmuv3.RegGERRORN])) & smmuv3.GErrorValid
}

// Commands returns the commands consumed so far.
func (d *Device) Commands() []smmuv3.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]smmuv3.Command(nil), d.commands...)
}

// ResetCommands clears the command log.
func (d *Device) ResetCommands() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = nil
}

// Consumed returns the number of commands consumed.
func (d *Device) Consumed() uint64 {
	return d.consumed.Load()
}

// Cached returns the number of cached configurations and translations.
func (d *Device) Cached() (stes, translations int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.steCache), len(d.tlb)
}

func (d *Device) cr0Ack() smmuv3.CR0 {
	return smmuv3.CR0(d.regs[smmuv3.RegCR0ACK])
}

// queueLocked returns the geometry of a queue of entrySize entries programmed
// at baseOff. Address bits below the queue size are ignored.
func (d *Device) queueLocked(baseOff uint32, entrySize uint64) (addr uint64, log2Size uint32) {
	b := smmuv3.QueueBase(d.regs[baseOff])
	size := entrySize << b.Log2Size()
	return b.Addr() &^ (size - 1), b.Log2Size()
}

func inc(ptr, log2Size uint32) uint32 {
	mask := uint32(1)<<(log2Size+1) - 1
	return (ptr&mask + 1) & mask
}

func (d *Device) consumeLocked() {
	if d.opts.StallCommandQueue || d.cr0Ack()&smmuv3.CR0CMDQEN == 0 {
		return
	}
	addr, log2Size := d.queueLocked(smmuv3.RegCmdQBase, smmuv3.CommandSize)
	mask := uint32(1)<<(log2Size+1) - 1
	prod := uint32(d.regs[smmuv3.RegCmdQProd]) & mask
	cons := uint32(d.regs[smmuv3.RegCmdQCons])
	if smmuv3.CmdQConsErr(cons) != smmuv3.CmdQErrNone {
		// Consumption stops until software handles the error.
		return
	}
	for cons&mask != prod {
		idx := uint64(cons & (mask >> 1))
		buf, err := d.mem.Slice(addr+idx*smmuv3.CommandSize, smmuv3.CommandSize)
		if err != nil {
			log.Warningf("emulator: command fetch at %#x: %v", addr+idx*smmuv3.CommandSize, err)
			d.stopCommandsLocked(cons, smmuv3.CmdQErrAbt)
			return
		}
		var cmd smmuv3.Command
		cmd.UnmarshalBytes(buf)
		if !d.executeLocked(cmd) {
			d.stopCommandsLocked(cons, smmuv3.CmdQErrIll)
			return
		}
		d.commands = append(d.commands, cmd)
		d.consumed.Add(1)
		cons = inc(cons, log2Size)
	}
	d.regs[smmuv3.RegCmdQCons] = uint64(cons)
}

func (d *Device) stopCommandsLocked(cons, code uint32) {
	d.regs[smmuv3.RegCmdQCons] = uint64(smmuv3.WithCmdQConsErr(cons, code))
	d.raiseLocked(smmuv3.GErrorCmdQErr)
}

// executeLocked applies cmd. It returns false for commands the model does not
// implement.
func (d *Device) executeLocked(cmd smmuv3.Command) bool {
	switch cmd.Opcode() {
	case smmuv3.OpCfgiAll:
		clear(d.steCache)
	case smmuv3.OpCfgiSTE:
		delete(d.steCache, cmd.StreamID())
	case smmuv3.OpTLBINSNHAll, smmuv3.OpTLBIEL2All:
		clear(d.tlb)
	case smmuv3.OpPrefetchConfig, smmuv3.OpSync:
	default:
		return false
	}
	return true
}

// InjectEvent places rec in the event queue as the device would. It reports
// false if the queue is disabled or full, in which case the overflow flag is
// raised.
func (d *Device) InjectEvent(rec smmuv3.FaultRecord) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recordLocked(rec)
}

func (d *Device) recordLocked(rec smmuv3.FaultRecord) bool {
	if d.cr0Ack()&smmuv3.CR0EVENTQEN == 0 {
		return false
	}
	addr, log2Size := d.queueLocked(smmuv3.RegEventQBase, smmuv3.EventSize)
	wrap := uint32(1) << log2Size
	prod := uint32(d.regs[smmuv3.RegEventQProd])
	cons := uint32(d.regs[smmuv3.RegEventQCons])
	const ovfl = 1 << 31
	if prod&(wrap-1) == cons&(wrap-1) && prod&wrap != cons&wrap {
		// Overflow is flagged on entry only and stays flagged until
		// software acknowledges it in EVENTQ_CONS.
		if prod&ovfl == cons&ovfl {
			d.regs[smmuv3.RegEventQProd] = uint64(prod ^ ovfl)
		}
		return false
	}
	idx := uint64(prod & (wrap - 1))
	buf, err := d.mem.Slice(addr+idx*smmuv3.EventSize, smmuv3.EventSize)
	if err != nil {
		log.Warningf("emulator: event write at %#x: %v", addr+idx*smmuv3.EventSize, err)
		d.raiseLocked(smmuv3.GErrorEventQAbtErr)
		return false
	}
	rec.MarshalBytes(buf)
	d.regs[smmuv3.RegEventQProd] = uint64(inc(prod, log2Size) | prod&ovfl)
	return true
}

// Fault is a translation failure. The record was also written to the event
// queue when recording was enabled for the stream.
type Fault struct {
	Record smmuv3.FaultRecord
}

// Error implements error.Error.
func (f *Fault) Error() string {
	return fmt.Sprintf("translation fault: %v", f.Record)
}
