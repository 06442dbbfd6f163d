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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/go-cmp/cmp"
	"gvisor.dev/smmu/pkg/abi/smmuv3"
	"gvisor.dev/smmu/pkg/dma"
	"gvisor.dev/smmu/pkg/mmio"
	"gvisor.dev/smmu/pkg/smmu/pagetables"
	"gvisor.dev/smmu/pkg/smmu/queue"
	"gvisor.dev/smmu/pkg/smmu/ste"
)

// rig is a device with translation structures programmed by hand.
type rig struct {
	heap *dma.Heap
	dev  *Device
	pt   *pagetables.PageTables
	cmdq *queue.CommandQueue
	evtq *queue.EventQueue
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()
	heap := dma.NewHeap(dma.HeapOpts{})
	dev := New(heap, opts)
	pt, err := pagetables.New(heap)
	if err != nil {
		t.Fatalf("pagetables.New failed: %v", err)
	}
	tbl, err := ste.NewTable(heap, 15)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	var e smmuv3.StreamTableEntry
	err = ste.Build(&e, ste.Input{
		Base:          0x2b40_0000,
		Caps:          ste.ReadCapabilities(dev),
		PageTableRoot: pt.Root(),
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	tbl.Fill(&e)
	tbl.Program(dev, false)

	cmdq, err := queue.NewCommandQueue(dev, heap, 4, mmio.Immediate(3))
	if err != nil {
		t.Fatalf("NewCommandQueue failed: %v", err)
	}
	cmdq.Program(false)
	evtq, err := queue.NewEventQueue(dev, heap, 2)
	if err != nil {
		t.Fatalf("NewEventQueue failed: %v", err)
	}
	evtq.Program(false)
	return &rig{heap: heap, dev: dev, pt: pt, cmdq: cmdq, evtq: evtq}
}

func (r *rig) enable(cr0 smmuv3.CR0) {
	r.dev.Write32(smmuv3.RegCR0, uint32(cr0))
}

func (r *rig) mapRW(t *testing.T, addr, length uint64) {
	t.Helper()
	if err := r.pt.UpdateRange(addr, length, pagetables.MapFlags, true, false); err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if err := r.pt.UpdateRange(addr, length, pagetables.S2APMask, false, true); err != nil {
		t.Fatalf("set attributes failed: %v", err)
	}
}

func faultID(t *testing.T, err error) smmuv3.EventID {
	t.Helper()
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatalf("error %v is not a fault", err)
	}
	return f.Record.ID()
}

func TestIdentification(t *testing.T) {
	opts := DefaultOptions()
	d := New(dma.NewHeap(dma.HeapOpts{}), opts)
	caps := ste.ReadCapabilities(d)
	if !caps.IDR0.S2P() || !caps.IDR0.COHACC() || caps.IDR1.CmdQS() != 19 || caps.IDR5.OAS() != 5 {
		t.Errorf("unexpected capabilities %+v", caps)
	}
	d.Write32(smmuv3.RegIDR0, 0)
	if smmuv3.IDR0(d.Read32(smmuv3.RegIDR0)) != opts.IDR0.Value() {
		t.Errorf("IDR0 is writable")
	}
}

func TestAcknowledgements(t *testing.T) {
	d := New(dma.NewHeap(dma.HeapOpts{}), DefaultOptions())
	d.Write32(smmuv3.RegCR0, uint32(smmuv3.CR0CMDQEN))
	d.Write32(smmuv3.RegIRQCtrl, 0x5)
	if got := d.Read32(smmuv3.RegCR0ACK); got != uint32(smmuv3.CR0CMDQEN) {
		t.Errorf("CR0ACK = %#x", got)
	}
	if got := d.Read32(smmuv3.RegIRQCtrlAck); got != 0x5 {
		t.Errorf("IRQ_CTRLACK = %#x", got)
	}
	d.Write32(smmuv3.RegGBPA, uint32(smmuv3.GBPAAbort|smmuv3.GBPAUpdate))
	if got := smmuv3.GBPA(d.Read32(smmuv3.RegGBPA)); got != smmuv3.GBPAAbort {
		t.Errorf("GBPA = %#x, want ABORT with UPDATE complete", got)
	}

	opts := DefaultOptions()
	opts.StallCR0Ack = true
	opts.StallIRQAck = true
	opts.StallGBPA = true
	s := New(dma.NewHeap(dma.HeapOpts{}), opts)
	s.Write32(smmuv3.RegCR0, uint32(smmuv3.CR0CMDQEN))
	s.Write32(smmuv3.RegIRQCtrl, 0x5)
	s.Write32(smmuv3.RegGBPA, uint32(smmuv3.GBPAUpdate))
	if s.Read32(smmuv3.RegCR0ACK) != 0 || s.Read32(smmuv3.RegIRQCtrlAck) != 0 {
		t.Errorf("stalled device acknowledged")
	}
	if smmuv3.GBPA(s.Read32(smmuv3.RegGBPA))&smmuv3.GBPAUpdate == 0 {
		t.Errorf("stalled GBPA update completed")
	}
}

func TestGlobalErrors(t *testing.T) {
	d := New(dma.NewHeap(dma.HeapOpts{}), DefaultOptions())
	d.SetGlobalError(smmuv3.GErrorSFMErr)
	if got := d.ActiveGlobalErrors(); got != smmuv3.GErrorSFMErr {
		t.Fatalf("ActiveGlobalErrors() = %v", got)
	}
	// Raising an active error again leaves it active.
	d.SetGlobalError(smmuv3.GErrorSFMErr)
	if got := d.ActiveGlobalErrors(); got != smmuv3.GErrorSFMErr {
		t.Fatalf("ActiveGlobalErrors() = %v after second raise", got)
	}
	d.Write32(smmuv3.RegGERRORN, d.Read32(smmuv3.RegGERROR))
	if got := d.ActiveGlobalErrors(); got != 0 {
		t.Errorf("ActiveGlobalErrors() = %v after acknowledge", got)
	}
	d.Write32(smmuv3.RegGERROR, 0)
	if d.Read32(smmuv3.RegGERROR) == 0 {
		t.Errorf("GERROR is writable")
	}
}

func TestCommandConsumption(t *testing.T) {
	r := newRig(t, DefaultOptions())
	// Commands wait for the queue to be enabled.
	if err := r.cmdq.Send(smmuv3.Sync()); err == nil {
		t.Fatalf("Send succeeded with the command queue disabled")
	}
	r.enable(smmuv3.CR0CMDQEN)
	// The pending command is consumed on the next doorbell.
	if err := r.cmdq.InvalidateAll(); err != nil {
		t.Fatalf("InvalidateAll failed: %v", err)
	}
	var got []smmuv3.Opcode
	for _, c := range r.dev.Commands() {
		got = append(got, c.Opcode())
	}
	want := []smmuv3.Opcode{smmuv3.OpSync, smmuv3.OpCfgiAll, smmuv3.OpTLBINSNHAll, smmuv3.OpTLBIEL2All, smmuv3.OpSync}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	if r.dev.Consumed() != 5 {
		t.Errorf("Consumed() = %d, want 5", r.dev.Consumed())
	}
	r.dev.ResetCommands()
	if len(r.dev.Commands()) != 0 {
		t.Errorf("ResetCommands left %d commands", len(r.dev.Commands()))
	}
}

func TestIllegalCommand(t *testing.T) {
	r := newRig(t, DefaultOptions())
	r.enable(smmuv3.CR0CMDQEN)
	if err := r.cmdq.Send(smmuv3.Command{0x7F}); err == nil {
		t.Fatalf("illegal command was consumed")
	}
	cons := r.dev.Read32(smmuv3.RegCmdQCons)
	if smmuv3.CmdQConsErr(cons) != smmuv3.CmdQErrIll {
		t.Errorf("CMDQ_CONS = %#x, want CERROR_ILL", cons)
	}
	if r.dev.ActiveGlobalErrors() != smmuv3.GErrorCmdQErr {
		t.Errorf("GERROR = %v, want CMDQ_ERR", r.dev.ActiveGlobalErrors())
	}
	// Nothing else is consumed until the error is handled.
	if err := r.cmdq.Send(smmuv3.Sync()); err == nil {
		t.Errorf("command consumed while the queue is in error")
	}
}

func TestStalledCommandQueue(t *testing.T) {
	opts := DefaultOptions()
	opts.StallCommandQueue = true
	r := newRig(t, opts)
	r.enable(smmuv3.CR0CMDQEN)
	if err := r.cmdq.Send(smmuv3.Sync()); err == nil {
		t.Errorf("Send succeeded on a stalled queue")
	}
}

func TestAsync(t *testing.T) {
	opts := DefaultOptions()
	opts.Async = true
	heap := dma.NewHeap(dma.HeapOpts{})
	dev := New(heap, opts)
	poller := &mmio.Poller{NewBackOff: func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5000)
	}}
	cmdq, err := queue.NewCommandQueue(dev, heap, 3, poller)
	if err != nil {
		t.Fatalf("NewCommandQueue failed: %v", err)
	}
	cmdq.Program(false)
	dev.Write32(smmuv3.RegCR0, uint32(smmuv3.CR0CMDQEN))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dev.Run(ctx) }()

	// Twice the queue size exercises wrapping.
	for i := 0; i < 16; i++ {
		if err := cmdq.Send(smmuv3.Sync()); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if dev.Consumed() != 16 {
		t.Errorf("Consumed() = %d, want 16", dev.Consumed())
	}
}

func TestTranslate(t *testing.T) {
	r := newRig(t, DefaultOptions())
	r.mapRW(t, 0x1000, 0x2000)
	r.enable(smmuv3.CR0SMMUEN | smmuv3.CR0CMDQEN | smmuv3.CR0EVENTQEN)

	for _, addr := range []uint64{0x1000, 0x1234, 0x2FFF} {
		got, err := r.dev.Translate(3, addr, true)
		if err != nil || got != addr {
			t.Errorf("Translate(%#x) = %#x, %v, want identity", addr, got, err)
		}
	}

	_, err := r.dev.Translate(3, 0x5000, false)
	if id := faultID(t, err); id != smmuv3.EventTranslation {
		t.Errorf("unmapped access fault = %v, want F_TRANSLATION", id)
	}
	rec, ok := r.evtq.Drain()
	if !ok || rec.ID() != smmuv3.EventTranslation || rec.StreamID() != 3 || rec.InputAddress() != 0x5000 || !rec.Read() {
		t.Errorf("event = %v, %t", rec, ok)
	}

	_, err = r.dev.Translate(16, 0x1000, false)
	if id := faultID(t, err); id != smmuv3.EventBadStreamID {
		t.Errorf("out of range stream fault = %v, want C_BAD_STREAMID", id)
	}

	_, err = r.dev.Translate(0, 1<<48, false)
	if id := faultID(t, err); id != smmuv3.EventAddrSize {
		t.Errorf("wide address fault = %v, want F_ADDR_SIZE", id)
	}
}

func TestStreamTableBaseMasking(t *testing.T) {
	r := newRig(t, DefaultOptions())
	r.mapRW(t, 0x1000, 0x1000)
	// The rig's table has 16 entries; bits below its 1 KiB size are
	// ignored, so entry 15 is still read from the table itself.
	base := smmuv3.StrtabBase(r.dev.Read64(smmuv3.RegStrtabBase)).Addr()
	r.dev.Write64(smmuv3.RegStrtabBase, uint64(smmuv3.MakeStrtabBase(base+0x200, false)))
	r.enable(smmuv3.CR0SMMUEN | smmuv3.CR0CMDQEN | smmuv3.CR0EVENTQEN)

	if got, err := r.dev.Translate(15, 0x1008, false); err != nil || got != 0x1008 {
		t.Errorf("Translate(15, 0x1008) = %#x, %v, want identity", got, err)
	}
}

func TestPermissions(t *testing.T) {
	r := newRig(t, DefaultOptions())
	if err := r.pt.UpdateRange(0x1000, 0x1000, pagetables.MapFlags, true, false); err != nil {
		t.Fatalf("map failed: %v", err)
	}
	r.enable(smmuv3.CR0SMMUEN | smmuv3.CR0CMDQEN | smmuv3.CR0EVENTQEN)

	_, err := r.dev.Translate(0, 0x1000, false)
	if id := faultID(t, err); id != smmuv3.EventPermission {
		t.Errorf("fault = %v, want F_PERMISSION", id)
	}
	if err := r.pt.UpdateRange(0x1000, 0x1000, pagetables.S2APRead, false, true); err != nil {
		t.Fatalf("set attributes failed: %v", err)
	}
	if _, err := r.dev.Translate(0, 0x1000, false); err != nil {
		t.Errorf("read after granting read = %v", err)
	}
	_, err = r.dev.Translate(0, 0x1000, true)
	if id := faultID(t, err); id != smmuv3.EventPermission {
		t.Errorf("write fault = %v, want F_PERMISSION", id)
	}
	if n := r.evtq.DrainAll(nil); n != 2 {
		t.Errorf("drained %d events, want 2", n)
	}
}

func TestTLBInvalidation(t *testing.T) {
	r := newRig(t, DefaultOptions())
	r.mapRW(t, 0x1000, 0x1000)
	r.enable(smmuv3.CR0SMMUEN | smmuv3.CR0CMDQEN | smmuv3.CR0EVENTQEN)
	if _, err := r.dev.Translate(0, 0x1000, false); err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if stes, tlb := r.dev.Cached(); stes != 1 || tlb != 1 {
		t.Fatalf("Cached() = %d, %d, want 1, 1", stes, tlb)
	}

	if err := r.pt.UpdateRange(0x1000, 0x1000, 0, false, false); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	// The stale translation is used until the TLB is invalidated.
	if _, err := r.dev.Translate(0, 0x1000, false); err != nil {
		t.Errorf("cached Translate failed: %v", err)
	}
	if err := r.cmdq.InvalidateAll(); err != nil {
		t.Fatalf("InvalidateAll failed: %v", err)
	}
	if stes, tlb := r.dev.Cached(); stes != 0 || tlb != 0 {
		t.Errorf("Cached() = %d, %d after invalidation", stes, tlb)
	}
	_, err := r.dev.Translate(0, 0x1000, false)
	if id := faultID(t, err); id != smmuv3.EventTranslation {
		t.Errorf("fault = %v, want F_TRANSLATION", id)
	}
}

func TestBypassAndAbort(t *testing.T) {
	r := newRig(t, DefaultOptions())
	if got, err := r.dev.Translate(0, 0xdead000, true); err != nil || got != 0xdead000 {
		t.Errorf("disabled Translate = %#x, %v, want bypass", got, err)
	}
	r.dev.Write32(smmuv3.RegGBPA, uint32(smmuv3.GBPAAbort|smmuv3.GBPAUpdate))
	if _, err := r.dev.Translate(0, 0xdead000, true); !errors.Is(err, ErrAborted) {
		t.Errorf("aborted Translate = %v, want ErrAborted", err)
	}
}

func TestEventQueueOverflow(t *testing.T) {
	r := newRig(t, DefaultOptions())
	rec := smmuv3.MakeFaultRecord(smmuv3.EventTranslation, 1, 0x1000, false)
	if r.dev.InjectEvent(rec) {
		t.Fatalf("event accepted with the event queue disabled")
	}
	r.enable(smmuv3.CR0EVENTQEN)
	for i := 0; i < 4; i++ {
		if !r.dev.InjectEvent(rec) {
			t.Fatalf("event %d rejected", i)
		}
	}
	for i := 0; i < 3; i++ {
		if r.dev.InjectEvent(rec) {
			t.Fatalf("event accepted by a full queue")
		}
		if !smmuv3.EventQOverflow(r.dev.Read32(smmuv3.RegEventQProd)) {
			t.Errorf("overflow not flagged after %d lost records", i+1)
		}
	}
	if n := r.evtq.DrainAll(nil); n != 4 {
		t.Errorf("drained %d events, want 4", n)
	}
	if !r.dev.InjectEvent(rec) {
		t.Errorf("event rejected after drain")
	}
}
