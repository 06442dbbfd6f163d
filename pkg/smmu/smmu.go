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

// Package smmu drives an SMMUv3 through its lifecycle and exposes the DMA
// mapping interface used by device drivers behind it.
//
// A Device translates every stream through one shared set of stage 2 tables
// that map device addresses to identical physical addresses. Mappings only
// make pages valid; access is granted separately with SetAttribute.
//
// Device is not safe for concurrent use. Callers must serialize all calls.
package smmu

import (
	"fmt"
	"time"

	"gvisor.dev/smmu/pkg/abi/smmuv3"
	"gvisor.dev/smmu/pkg/cleanup"
	"gvisor.dev/smmu/pkg/dma"
	"gvisor.dev/smmu/pkg/errors/iommuerr"
	"gvisor.dev/smmu/pkg/log"
	"gvisor.dev/smmu/pkg/mmio"
	"gvisor.dev/smmu/pkg/smmu/pagetables"
	"gvisor.dev/smmu/pkg/smmu/platform"
	"gvisor.dev/smmu/pkg/smmu/queue"
	"gvisor.dev/smmu/pkg/smmu/ste"
)

// Device is one SMMU instance.
type Device struct {
	regs   mmio.Registers
	alloc  dma.Allocator
	cfg    *platform.Config
	poller *mmio.Poller
	faults log.Logger

	caps  ste.Capabilities
	state State

	// The following are allocated by Configure and released by Close.
	pt    *pagetables.PageTables
	table *ste.Table
	cmdq  *queue.CommandQueue
	evtq  *queue.EventQueue
}

// Option configures a Device.
type Option func(*Device)

// WithPoller sets the schedule used to wait for the hardware.
func WithPoller(p *mmio.Poller) Option {
	return func(d *Device) { d.poller = p }
}

// WithFaultLogger sets the logger ReportFaults writes to.
func WithFaultLogger(l log.Logger) Option {
	return func(d *Device) { d.faults = l }
}

// New takes control of the SMMU behind regs. It disables translation and
// interrupts and clears stale global errors, leaving the device Disabled.
//
// cfg is copied; later changes to it have no effect.
func New(regs mmio.Registers, alloc dma.Allocator, cfg *platform.Config, opts ...Option) (*Device, error) {
	if regs == nil || alloc == nil || cfg == nil {
		return nil, fmt.Errorf("new SMMU: %w", iommuerr.InvalidParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Device{
		regs:   regs,
		alloc:  alloc,
		cfg:    cfg.Clone(),
		faults: log.BasicRateLimitedLogger(time.Second, 10),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.caps = ste.ReadCapabilities(regs)
	log.Infof("smmu: %#x: IDR0 %#x IDR1 %#x IDR5 %#x", d.cfg.Base, uint32(d.caps.IDR0), uint32(d.caps.IDR1), uint32(d.caps.IDR5))

	if err := d.disableTranslation(); err != nil {
		return nil, err
	}
	if err := d.setInterrupts(0); err != nil {
		return nil, err
	}
	// Writing GERROR back to GERRORN acknowledges everything pending.
	d.regs.Write32(smmuv3.RegGERRORN, d.regs.Read32(smmuv3.RegGERROR))
	d.state = Disabled
	return d, nil
}

// State returns the lifecycle state.
func (d *Device) State() State {
	return d.state
}

// Capabilities returns the identification registers read by New.
func (d *Device) Capabilities() ste.Capabilities {
	return d.caps
}

// Config returns the platform description in use.
func (d *Device) Config() *platform.Config {
	return d.cfg.Clone()
}

// Configure builds the translation structures and points the hardware at
// them. On failure everything allocated is released and the device stays
// Disabled.
func (d *Device) Configure() error {
	if d.state != Disabled {
		return fmt.Errorf("configuring SMMU in state %v: %w", d.state, iommuerr.NotReady)
	}
	d.assertNoGlobalErrors("configuration")
	if !d.caps.IDR0.S2P() {
		return fmt.Errorf("SMMU does not support stage 2 translation: %w", iommuerr.Unsupported)
	}
	if !d.caps.IDR0.COHACC() && d.cfg.CoherentOverride {
		log.Warningf("smmu: platform reports coherent access but IDR0.COHACC is clear")
	}

	var cu cleanup.Cleanup
	defer func() {
		if err := cu.Clean(); err != nil {
			log.Warningf("smmu: releasing partial configuration: %v", err)
		}
	}()

	table, err := ste.NewTable(d.alloc, d.cfg.MaxStreamID())
	if err != nil {
		return fmt.Errorf("stream table: %w", err)
	}
	cu.Add(func() error { return table.Free(d.alloc) })

	pt, err := pagetables.New(d.alloc)
	if err != nil {
		return fmt.Errorf("page tables: %w", err)
	}
	cu.Add(pt.TearDown)

	var template smmuv3.StreamTableEntry
	err = ste.Build(&template, ste.Input{
		Base:             d.cfg.Base,
		Caps:             d.caps,
		CoherentOverride: d.cfg.CoherentOverride,
		RootComplex:      d.cfg.RootComplex,
		PageTableRoot:    pt.Root(),
	})
	if err != nil {
		return err
	}
	table.Fill(&template)

	cmdq, err := queue.NewCommandQueue(d.regs, d.alloc, queue.Log2Size(d.caps.IDR1.CmdQS(), queue.MaxCommandLog2Size), d.poller)
	if err != nil {
		return err
	}
	cu.Add(func() error { return cmdq.Free(d.alloc) })

	evtq, err := queue.NewEventQueue(d.regs, d.alloc, queue.Log2Size(d.caps.IDR1.EventQS(), queue.MaxEventLog2Size))
	if err != nil {
		return err
	}
	cu.Add(func() error { return evtq.Free(d.alloc) })

	table.Program(d.regs, d.cfg.CoherentOverride)
	cmdq.Program(true)
	evtq.Program(true)

	if err := d.setInterrupts(smmuv3.IRQCtrlGErrorEn | smmuv3.IRQCtrlEventQEn); err != nil {
		return err
	}

	// CR1 is always rewritten so attributes left by a previous owner are
	// cleared.
	var cr1 smmuv3.CR1
	if d.cfg.CoherentOverride {
		cr1 = cr1.
			WithQueueAttrs(smmuv3.WriteBackAllocate, smmuv3.WriteBackAllocate, smmuv3.InnerShareable).
			WithTableAttrs(smmuv3.WriteBackAllocate, smmuv3.WriteBackAllocate, smmuv3.InnerShareable)
	}
	d.regs.Write32(smmuv3.RegCR1, uint32(cr1))
	cr2 := smmuv3.CR2RECINVSID
	if d.caps.IDR0.BTM() {
		cr2 |= smmuv3.CR2PTM
	}
	d.regs.Write32(smmuv3.RegCR2, uint32(cr2))

	cu.Release()
	d.table, d.pt, d.cmdq, d.evtq = table, pt, cmdq, evtq
	d.state = Configured
	log.Debugf("smmu: configured: stream table %#x (2^%d), cmdq %#x (2^%d), evtq %#x (2^%d), root %#x",
		table.Addr(), table.Log2Size(), cmdq.Addr(), cmdq.Log2Size(), evtq.Addr(), evtq.Log2Size(), pt.Root())
	return nil
}

// Enable turns the queues on, invalidates all cached state and enables
// translation.
func (d *Device) Enable() error {
	if d.state != Configured {
		return fmt.Errorf("enabling SMMU in state %v: %w", d.state, iommuerr.NotReady)
	}
	// Tables and queues must be visible before the device uses them.
	d.regs.Barrier()

	cr0 := smmuv3.CR0EVENTQEN | smmuv3.CR0CMDQEN
	if err := d.writeCR0(cr0, smmuv3.CR0Enables); err != nil {
		return fmt.Errorf("enabling queues: %w", err)
	}
	if err := d.cmdq.InvalidateAll(); err != nil {
		return fmt.Errorf("invalidating cached state: %w", err)
	}

	cr0 = (cr0 | smmuv3.CR0SMMUEN).WithVMW(0)
	if d.caps.IDR0.ATS() {
		cr0 |= smmuv3.CR0ATSCHK
	}
	if err := d.writeCR0(cr0, smmuv3.CR0SMMUEN); err != nil {
		return fmt.Errorf("enabling translation: %w", err)
	}
	d.regs.Barrier()
	d.assertNoGlobalErrors("enable")
	d.state = Enabled
	log.Infof("smmu: %#x: translation enabled", d.cfg.Base)
	return nil
}

// Start configures and enables the device.
func (d *Device) Start() error {
	if err := d.Configure(); err != nil {
		return err
	}
	return d.Enable()
}

// ExitBoot hands the device over to the next owner: translation is disabled
// and transactions bypass the SMMU. Global bypass is requested even if
// translation could not be disabled. On failure the first error is returned
// and the state is unchanged.
func (d *Device) ExitBoot() error {
	if d.state != Enabled {
		return fmt.Errorf("leaving boot in state %v: %w", d.state, iommuerr.NotReady)
	}
	err := d.disableTranslation()
	if err != nil {
		log.Warningf("smmu: exit boot: %v", err)
	}
	if berr := d.setGlobalBypass(false); berr != nil {
		log.Warningf("smmu: exit boot: %v", berr)
		if err == nil {
			err = berr
		}
	}
	if err != nil {
		return err
	}
	d.state = Bypassing
	return nil
}

// Close stops the device and releases all memory. The device is left
// aborting all transactions. Hardware failures are logged and do not stop
// the release; the first error freeing memory is returned. Close may be
// called in any state and more than once.
func (d *Device) Close() error {
	if d.state == Deinitialized {
		return nil
	}
	if err := d.disableTranslation(); err != nil {
		log.Warningf("smmu: close: %v", err)
	}
	if err := d.setGlobalBypass(true); err != nil {
		log.Warningf("smmu: close: %v", err)
	}

	// Release in the reverse order of Configure.
	var cu cleanup.Cleanup
	if d.table != nil {
		table := d.table
		cu.Add(func() error { return table.Free(d.alloc) })
	}
	if d.pt != nil {
		cu.Add(d.pt.TearDown)
	}
	if d.cmdq != nil {
		cmdq := d.cmdq
		cu.Add(func() error { return cmdq.Free(d.alloc) })
	}
	if d.evtq != nil {
		evtq := d.evtq
		cu.Add(func() error { return evtq.Free(d.alloc) })
	}
	d.table, d.pt, d.cmdq, d.evtq = nil, nil, nil, nil
	d.state = Deinitialized
	return cu.Clean()
}

// writeCR0 writes v to CR0 and waits for CR0ACK to match it under mask.
func (d *Device) writeCR0(v, mask smmuv3.CR0) error {
	d.regs.Write32(smmuv3.RegCR0, uint32(v))
	_, err := d.poller.Poll32(d.regs, smmuv3.RegCR0ACK, uint32(mask), uint32(v&mask))
	return err
}

// disableTranslation clears every CR0 enable.
func (d *Device) disableTranslation() error {
	cr0 := smmuv3.CR0(d.regs.Read32(smmuv3.RegCR0)) &^ (smmuv3.CR0Enables | smmuv3.CR0ATSCHK)
	if err := d.writeCR0(cr0, smmuv3.CR0Enables); err != nil {
		return fmt.Errorf("disabling translation: %w", err)
	}
	return nil
}

func (d *Device) setInterrupts(v smmuv3.IRQCtrl) error {
	const all = smmuv3.IRQCtrlGErrorEn | smmuv3.IRQCtrlPRIQEn | smmuv3.IRQCtrlEventQEn
	d.regs.Write32(smmuv3.RegIRQCtrl, uint32(v))
	if _, err := d.poller.Poll32(d.regs, smmuv3.RegIRQCtrlAck, uint32(all), uint32(v)); err != nil {
		return fmt.Errorf("setting interrupts to %#x: %w", uint32(v), err)
	}
	return nil
}

// setGlobalBypass updates the attributes of transactions arriving while
// translation is disabled: aborted if abort is set and passed through
// otherwise.
func (d *Device) setGlobalBypass(abort bool) error {
	if _, err := d.poller.Poll32(d.regs, smmuv3.RegGBPA, uint32(smmuv3.GBPAUpdate), 0); err != nil {
		return fmt.Errorf("waiting for a previous GBPA update: %w", err)
	}
	gbpa := smmuv3.GBPA(d.regs.Read32(smmuv3.RegGBPA))
	if abort {
		gbpa |= smmuv3.GBPAAbort
	} else {
		gbpa &^= smmuv3.GBPAAbort
	}
	d.regs.Write32(smmuv3.RegGBPA, uint32(gbpa|smmuv3.GBPAUpdate))
	v, err := d.poller.Poll32(d.regs, smmuv3.RegGBPA, uint32(smmuv3.GBPAUpdate), 0)
	if err != nil {
		return fmt.Errorf("updating GBPA: %w", err)
	}
	if abort && smmuv3.GBPA(v)&smmuv3.GBPAAbort == 0 {
		return fmt.Errorf("GBPA %#x did not latch ABORT: %w", v, iommuerr.DeviceError)
	}
	return nil
}

// GlobalErrors returns the active global errors.
func (d *Device) GlobalErrors() smmuv3.GError {
	gerror := d.regs.Read32(smmuv3.RegGERROR)
	gerrorn := d.regs.Read32(smmuv3.RegGERRORN)
	return smmuv3.GError(gerror^gerrorn) & smmuv3.GErrorValid
}

// assertNoGlobalErrors panics if a global error is active. Errors at these
// points mean the device cannot be trusted with any further setup.
func (d *Device) assertNoGlobalErrors(when string) {
	if g := d.GlobalErrors(); g != 0 {
		panic(fmt.Sprintf("smmu: global errors before %s: %v", when, g))
	}
}
