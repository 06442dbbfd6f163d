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

package smmuv3

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/smmu/pkg/errors/iommuerr"
)

func TestIDRDecode(t *testing.T) {
	idr0 := IDR0(0x1<<0 | 0x1<<1 | 0x2<<2 | 0x1<<4 | 0x1<<5 | 0x1<<10)
	got := IDR0Features{
		S1P:    idr0.S1P(),
		S2P:    idr0.S2P(),
		TTF:    idr0.TTF(),
		COHACC: idr0.COHACC(),
		BTM:    idr0.BTM(),
		ATS:    idr0.ATS(),
	}
	want := IDR0Features{S1P: true, S2P: true, TTF: TTFAArch64, COHACC: true, BTM: true, ATS: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("IDR0 decode mismatch (-want +got):\n%s", diff)
	}
	if got := want.Value(); got != idr0 {
		t.Errorf("IDR0Features.Value() = %#x, want %#x", got, idr0)
	}

	idr1 := IDR1Features{CmdQS: 19, EventQS: 19, SIDSize: 16, AttrTypesOvr: true}.Value()
	if got, want := uint32(idr1), uint32(19<<21|19<<16|16|1<<27); got != want {
		t.Errorf("IDR1 = %#x, want %#x", got, want)
	}
	if idr1.CmdQS() != 19 || idr1.EventQS() != 19 || !idr1.AttrTypesOvr() || idr1.AttrPermsOvr() {
		t.Errorf("IDR1 round trip failed: %#x", idr1)
	}
}

func TestBaseRegisters(t *testing.T) {
	sb := MakeStrtabBase(0x8000_0040, true)
	if got, want := uint64(sb), uint64(0x8000_0040|1<<62); got != want {
		t.Errorf("STRTAB_BASE = %#x, want %#x", got, want)
	}
	if sb.Addr() != 0x8000_0040 || !sb.ReadAllocate() {
		t.Errorf("STRTAB_BASE decode mismatch: %#x", sb)
	}

	cfg := MakeStrtabBaseCfg(StrtabFmtLinear, 10, 0)
	if got, want := uint32(cfg), uint32(10); got != want {
		t.Errorf("STRTAB_BASE_CFG = %#x, want %#x", got, want)
	}
	if got := MakeStrtabBaseCfg(StrtabFmt2Level, 16, 8); got.Format() != StrtabFmt2Level || got.Log2Size() != 16 {
		t.Errorf("STRTAB_BASE_CFG 2-level decode mismatch: %#x", got)
	}

	qb := MakeQueueBase(0x1234_5000, 8, true)
	if got, want := uint64(qb), uint64(0x1234_5000|8|1<<62); got != want {
		t.Errorf("CMDQ_BASE = %#x, want %#x", got, want)
	}
	if qb.Addr() != 0x1234_5000 || qb.Log2Size() != 8 || !qb.Hint() {
		t.Errorf("CMDQ_BASE decode mismatch: %#x", qb)
	}
}

func TestControlRegisters(t *testing.T) {
	if got := uint32(CR0Enables); got != 0xF {
		t.Errorf("CR0 enables = %#x, want 0xf", got)
	}
	if got := uint32(CR0(0).WithVMW(7)); got != 7<<6 {
		t.Errorf("CR0.VMW = %#x, want %#x", got, 7<<6)
	}
	cr1 := CR1(0).WithQueueAttrs(WriteBackAllocate, WriteBackAllocate, InnerShareable)
	if got, want := uint32(cr1), uint32(0x1|0x1<<2|0x3<<4); got != want {
		t.Errorf("CR1 = %#x, want %#x", got, want)
	}
	cr1 = cr1.WithTableAttrs(WriteBackAllocate, WriteBackAllocate, InnerShareable)
	if cr1.TableSH() != InnerShareable || cr1.QueueIC() != WriteBackAllocate {
		t.Errorf("CR1 decode mismatch: %#x", cr1)
	}
	if uint32(IRQCtrlGErrorEn|IRQCtrlEventQEn) != 0x5 {
		t.Errorf("IRQ_CTRL enables != 0x5")
	}
	if uint32(GBPAUpdate) != 0x8000_0000 || uint32(GBPAAbort) != 0x10_0000 {
		t.Errorf("GBPA bits mismatch")
	}
}

func TestGErrorString(t *testing.T) {
	for _, tc := range []struct {
		v    GError
		want string
	}{
		{0, "none"},
		{GErrorCmdQErr, "CMDQ_ERR"},
		{GErrorCmdQErr | GErrorSFMErr, "CMDQ_ERR|SFM_ERR"},
		{0x2, "none"},
	} {
		if got := tc.v.String(); got != tc.want {
			t.Errorf("GError(%#x).String() = %q, want %q", uint32(tc.v), got, tc.want)
		}
	}
}

func TestQueueIndexFields(t *testing.T) {
	cons := WithCmdQConsErr(0x105, CmdQErrIll)
	if got := CmdQConsErr(cons); got != CmdQErrIll {
		t.Errorf("CMDQ_CONS.ERR = %d, want %d", got, CmdQErrIll)
	}
	if cons&QueueIndexMask != 0x105 {
		t.Errorf("CMDQ_CONS index clobbered: %#x", cons)
	}
	if !EventQOverflow(1<<31) || EventQOverflow(0x7FFFFFFF) {
		t.Errorf("EVENTQ_PROD.OVFLG mismatch")
	}
}

func TestSTEFields(t *testing.T) {
	var e StreamTableEntry
	e.Set(STEConfig, STEConfigS2Translate)
	e.Set(STES2VMID, 1)
	e.Set(STES2PS, 5)
	e.Set(STES2T0SZ, 16)
	e.Set(STES2AA64, 1)
	e.Set(STES2RS, STES2RSRecord)
	e.Set(STESHCFG, 3)
	e.SetS2TTB(0x4000_1000)
	e.Set(STEValid, 1)

	want := StreamTableEntry{
		0x6<<1 | 1,
		3 << 44,
		1 | 16<<32 | 5<<48 | 1<<51 | 2<<57,
		0x4000_1000,
	}
	if diff := cmp.Diff(want, e); diff != "" {
		t.Errorf("STE mismatch (-want +got):\n%s", diff)
	}
	if !e.Valid() || e.S2TTB() != 0x4000_1000 {
		t.Errorf("STE accessors mismatch")
	}

	buf := make([]byte, STESize)
	e.MarshalBytes(buf)
	if buf[0] != 0xD || buf[3*8+1] != 0x10 || buf[3*8+3] != 0x40 {
		t.Errorf("STE not little endian: % x", buf[:32])
	}
	var back StreamTableEntry
	back.UnmarshalBytes(buf)
	if back != e {
		t.Errorf("STE unmarshal = %v, want %v", back, e)
	}
}

func TestCommands(t *testing.T) {
	for _, tc := range []struct {
		cmd  Command
		want Command
	}{
		{CfgiAll(), Command{0x04, 31}},
		{TLBINSNHAll(), Command{0x30, 0}},
		{TLBIEL2All(), Command{0x20, 0}},
		{Sync(), Command{0x46 | 3<<22, 0}},
		{CfgiSTE(0x42), Command{0x03 | 0x42<<32, 0}},
	} {
		if tc.cmd != tc.want {
			t.Errorf("%v = %#x, want %#x", tc.cmd.Opcode(), tc.cmd, tc.want)
		}
	}
	if Sync().SyncCS() != SyncCSNone {
		t.Errorf("CMD_SYNC requests a completion signal")
	}
	if got := CfgiSTE(7).StreamID(); got != 7 {
		t.Errorf("StreamID() = %d, want 7", got)
	}
	if got := Opcode(0x99).String(); got != "OP_0x99" {
		t.Errorf("unknown opcode string = %q", got)
	}
}

func TestFaultRecord(t *testing.T) {
	r := MakeFaultRecord(EventTranslation, 0x11, 0xdead000, false)
	if r.ID() != EventTranslation || r.StreamID() != 0x11 || r.InputAddress() != 0xdead000 || !r.Read() {
		t.Errorf("fault record decode mismatch: %v", r)
	}
	buf := make([]byte, EventSize)
	r.MarshalBytes(buf)
	var back FaultRecord
	back.UnmarshalBytes(buf)
	if back != r {
		t.Errorf("fault record unmarshal = %v, want %v", back, r)
	}
	if got := EventTranslation.String(); got != "F_TRANSLATION" {
		t.Errorf("EventTranslation.String() = %q", got)
	}
}

func TestAddressSize(t *testing.T) {
	for enc, width := range []uint32{32, 36, 40, 42, 44, 48, 52} {
		got, err := DecodeAddressSize(uint32(enc))
		if err != nil || got != width {
			t.Errorf("DecodeAddressSize(%d) = %d, %v, want %d", enc, got, err, width)
		}
		back, err := EncodeAddressSize(width)
		if err != nil || back != uint32(enc) {
			t.Errorf("EncodeAddressSize(%d) = %d, %v, want %d", width, back, err, enc)
		}
	}
	if _, err := DecodeAddressSize(7); !iommuerr.Is(err, iommuerr.InvalidParameter) {
		t.Errorf("DecodeAddressSize(7) err = %v, want InvalidParameter", err)
	}
	if _, err := EncodeAddressSize(47); !iommuerr.Is(err, iommuerr.InvalidParameter) {
		t.Errorf("EncodeAddressSize(47) err = %v, want InvalidParameter", err)
	}
}
