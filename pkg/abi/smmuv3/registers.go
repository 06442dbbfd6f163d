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

// Package smmuv3 contains the register, descriptor and queue entry layouts of
// an Arm SMMUv3 as defined by Arm IHI 0070.
//
// Every field is declared once as a bits.Field and accessed through named
// methods on a per-register type.
package smmuv3

import "gvisor.dev/smmu/pkg/bits"

// Register offsets, relative to the SMMU base address.
const (
	RegIDR0          = 0x0
	RegIDR1          = 0x4
	RegIDR5          = 0x14
	RegCR0           = 0x20
	RegCR0ACK        = 0x24
	RegCR1           = 0x28
	RegCR2           = 0x2C
	RegGBPA          = 0x44
	RegIRQCtrl       = 0x50
	RegIRQCtrlAck    = 0x54
	RegGERROR        = 0x60
	RegGERRORN       = 0x64
	RegStrtabBase    = 0x80
	RegStrtabBaseCfg = 0x88
	RegCmdQBase      = 0x90
	RegCmdQProd      = 0x98
	RegCmdQCons      = 0x9C
	RegEventQBase    = 0xA0

	// Page1 is the offset of the second 64K register page.
	Page1 = 0x10000

	// The event queue indexes live in page 1.
	RegEventQProd = Page1 + 0xA8
	RegEventQCons = Page1 + 0xAC

	// RegionSize is the size of the register frame (pages 0 and 1).
	RegionSize = 2 * Page1
)

// IDR0 is the first identification register.
type IDR0 uint32

var (
	idr0S2P    = bits.Field{Shift: 0, Width: 1}
	idr0S1P    = bits.Field{Shift: 1, Width: 1}
	idr0TTF    = bits.Field{Shift: 2, Width: 2}
	idr0COHACC = bits.Field{Shift: 4, Width: 1}
	idr0BTM    = bits.Field{Shift: 5, Width: 1}
	idr0HTTU   = bits.Field{Shift: 6, Width: 2}
	idr0ATS    = bits.Field{Shift: 10, Width: 1}
	idr0VMW    = bits.Field{Shift: 17, Width: 1}
)

// Translation table formats reported in IDR0.TTF.
const (
	TTFAArch32 = 1
	TTFAArch64 = 2
	TTFBoth    = 3
)

// S2P reports stage 2 translation support.
func (r IDR0) S2P() bool { return bits.Get(r, idr0S2P) != 0 }

// S1P reports stage 1 translation support.
func (r IDR0) S1P() bool { return bits.Get(r, idr0S1P) != 0 }

// TTF returns the supported translation table formats.
func (r IDR0) TTF() uint32 { return uint32(bits.Get(r, idr0TTF)) }

// COHACC reports coherent access to tables, queues and structures.
func (r IDR0) COHACC() bool { return bits.Get(r, idr0COHACC) != 0 }

// BTM reports broadcast TLB maintenance.
func (r IDR0) BTM() bool { return bits.Get(r, idr0BTM) != 0 }

// HTTU returns the hardware table update support level.
func (r IDR0) HTTU() uint32 { return uint32(bits.Get(r, idr0HTTU)) }

// ATS reports PCIe ATS support.
func (r IDR0) ATS() bool { return bits.Get(r, idr0ATS) != 0 }

// VMW reports VMID wildcard matching support.
func (r IDR0) VMW() bool { return bits.Get(r, idr0VMW) != 0 }

// IDR0Features builds an IDR0 value. It is used by software models of the
// device.
type IDR0Features struct {
	S1P, S2P, COHACC, BTM, ATS, VMW bool
	TTF, HTTU                       uint32
}

// Value encodes f.
func (f IDR0Features) Value() IDR0 {
	var r IDR0
	r = bits.Set(r, idr0S2P, IDR0(b2u(f.S2P)))
	r = bits.Set(r, idr0S1P, IDR0(b2u(f.S1P)))
	r = bits.Set(r, idr0TTF, IDR0(f.TTF))
	r = bits.Set(r, idr0COHACC, IDR0(b2u(f.COHACC)))
	r = bits.Set(r, idr0BTM, IDR0(b2u(f.BTM)))
	r = bits.Set(r, idr0HTTU, IDR0(f.HTTU))
	r = bits.Set(r, idr0ATS, IDR0(b2u(f.ATS)))
	r = bits.Set(r, idr0VMW, IDR0(b2u(f.VMW)))
	return r
}

// IDR1 is the second identification register.
type IDR1 uint32

var (
	idr1SIDSize      = bits.Field{Shift: 0, Width: 6}
	idr1SSIDSize     = bits.Field{Shift: 6, Width: 5}
	idr1PRIQS        = bits.Field{Shift: 11, Width: 5}
	idr1EventQS      = bits.Field{Shift: 16, Width: 5}
	idr1CmdQS        = bits.Field{Shift: 21, Width: 5}
	idr1AttrPermsOvr = bits.Field{Shift: 26, Width: 1}
	idr1AttrTypesOvr = bits.Field{Shift: 27, Width: 1}
)

// SIDSize returns the number of stream ID bits.
func (r IDR1) SIDSize() uint32 { return uint32(bits.Get(r, idr1SIDSize)) }

// SSIDSize returns the number of substream ID bits.
func (r IDR1) SSIDSize() uint32 { return uint32(bits.Get(r, idr1SSIDSize)) }

// PRIQS returns log2 of the maximum PRI queue size.
func (r IDR1) PRIQS() uint32 { return uint32(bits.Get(r, idr1PRIQS)) }

// EventQS returns log2 of the maximum event queue size.
func (r IDR1) EventQS() uint32 { return uint32(bits.Get(r, idr1EventQS)) }

// CmdQS returns log2 of the maximum command queue size.
func (r IDR1) CmdQS() uint32 { return uint32(bits.Get(r, idr1CmdQS)) }

// AttrPermsOvr reports incoming permission attribute override support.
func (r IDR1) AttrPermsOvr() bool { return bits.Get(r, idr1AttrPermsOvr) != 0 }

// AttrTypesOvr reports incoming memory type attribute override support.
func (r IDR1) AttrTypesOvr() bool { return bits.Get(r, idr1AttrTypesOvr) != 0 }

// IDR1Features builds an IDR1 value.
type IDR1Features struct {
	SIDSize, SSIDSize, PRIQS, EventQS, CmdQS uint32
	AttrPermsOvr, AttrTypesOvr               bool
}

// Value encodes f.
func (f IDR1Features) Value() IDR1 {
	var r IDR1
	r = bits.Set(r, idr1SIDSize, IDR1(f.SIDSize))
	r = bits.Set(r, idr1SSIDSize, IDR1(f.SSIDSize))
	r = bits.Set(r, idr1PRIQS, IDR1(f.PRIQS))
	r = bits.Set(r, idr1EventQS, IDR1(f.EventQS))
	r = bits.Set(r, idr1CmdQS, IDR1(f.CmdQS))
	r = bits.Set(r, idr1AttrPermsOvr, IDR1(b2u(f.AttrPermsOvr)))
	r = bits.Set(r, idr1AttrTypesOvr, IDR1(b2u(f.AttrTypesOvr)))
	return r
}

// IDR5 is the sixth identification register.
type IDR5 uint32

var idr5OAS = bits.Field{Shift: 0, Width: 3}

// OAS returns the encoded output address size.
func (r IDR5) OAS() uint32 { return uint32(bits.Get(r, idr5OAS)) }

// WithOAS returns r with the encoded output address size replaced.
func (r IDR5) WithOAS(enc uint32) IDR5 { return bits.Set(r, idr5OAS, IDR5(enc)) }

// CR0 is the global control register. CR0ACK mirrors its layout.
type CR0 uint32

// CR0 enable bits.
const (
	CR0SMMUEN   CR0 = 1 << 0
	CR0PRIQEN   CR0 = 1 << 1
	CR0EVENTQEN CR0 = 1 << 2
	CR0CMDQEN   CR0 = 1 << 3
	CR0ATSCHK   CR0 = 1 << 4

	// CR0Enables is every enable that must be acknowledged through CR0ACK.
	CR0Enables = CR0SMMUEN | CR0PRIQEN | CR0EVENTQEN | CR0CMDQEN
)

var cr0VMW = bits.Field{Shift: 6, Width: 3}

// VMW returns the VMID wildcard setting.
func (r CR0) VMW() uint32 { return uint32(bits.Get(r, cr0VMW)) }

// WithVMW returns r with the VMID wildcard setting replaced.
func (r CR0) WithVMW(v uint32) CR0 { return bits.Set(r, cr0VMW, CR0(v)) }

// Cacheability and shareability encodings used by CR1 and the STE.
const (
	NonCacheable         = 0
	WriteBackAllocate    = 1
	WriteThroughAllocate = 2
	WriteBackNoAllocate  = 3
	NonShareable         = 0
	OuterShareable       = 2
	InnerShareable       = 3
)

// CR1 controls the attributes of table and queue accesses.
type CR1 uint32

var (
	cr1QueueIC = bits.Field{Shift: 0, Width: 2}
	cr1QueueOC = bits.Field{Shift: 2, Width: 2}
	cr1QueueSH = bits.Field{Shift: 4, Width: 2}
	cr1TableIC = bits.Field{Shift: 6, Width: 2}
	cr1TableOC = bits.Field{Shift: 8, Width: 2}
	cr1TableSH = bits.Field{Shift: 10, Width: 2}
)

// WithQueueAttrs sets the queue access cacheability and shareability.
func (r CR1) WithQueueAttrs(inner, outer, sh uint32) CR1 {
	r = bits.Set(r, cr1QueueIC, CR1(inner))
	r = bits.Set(r, cr1QueueOC, CR1(outer))
	return bits.Set(r, cr1QueueSH, CR1(sh))
}

// WithTableAttrs sets the table access cacheability and shareability.
func (r CR1) WithTableAttrs(inner, outer, sh uint32) CR1 {
	r = bits.Set(r, cr1TableIC, CR1(inner))
	r = bits.Set(r, cr1TableOC, CR1(outer))
	return bits.Set(r, cr1TableSH, CR1(sh))
}

// QueueIC returns the queue inner cacheability.
func (r CR1) QueueIC() uint32 { return uint32(bits.Get(r, cr1QueueIC)) }

// QueueOC returns the queue outer cacheability.
func (r CR1) QueueOC() uint32 { return uint32(bits.Get(r, cr1QueueOC)) }

// QueueSH returns the queue shareability.
func (r CR1) QueueSH() uint32 { return uint32(bits.Get(r, cr1QueueSH)) }

// TableSH returns the table shareability.
func (r CR1) TableSH() uint32 { return uint32(bits.Get(r, cr1TableSH)) }

// CR2 holds miscellaneous control bits.
type CR2 uint32

// CR2 bits.
const (
	CR2E2H       CR2 = 1 << 0
	CR2RECINVSID CR2 = 1 << 1
	CR2PTM       CR2 = 1 << 2
)

// GBPA is the global bypass attribute register.
type GBPA uint32

// GBPA bits.
const (
	GBPAAbort  GBPA = 1 << 20
	GBPAUpdate GBPA = 1 << 31
)

// IRQCtrl is the interrupt enable register. IRQ_CTRLACK mirrors its layout.
type IRQCtrl uint32

// IRQ_CTRL bits.
const (
	IRQCtrlGErrorEn IRQCtrl = 1 << 0
	IRQCtrlPRIQEn   IRQCtrl = 1 << 1
	IRQCtrlEventQEn IRQCtrl = 1 << 2
)

// GError is the global error register. An error is active while its bit
// differs between GERROR and GERRORN.
type GError uint32

// GERROR bits.
const (
	GErrorCmdQErr       GError = 1 << 0
	GErrorEventQAbtErr  GError = 1 << 2
	GErrorPRIQAbtErr    GError = 1 << 3
	GErrorMSICmdQAbtErr GError = 1 << 4
	GErrorMSIEventQAbt  GError = 1 << 5
	GErrorMSIPRIQAbt    GError = 1 << 6
	GErrorMSIGErrorAbt  GError = 1 << 7
	GErrorSFMErr        GError = 1 << 8

	// GErrorValid masks the architected GERROR bits.
	GErrorValid GError = 0x1FD
)

var gerrorNames = []struct {
	bit  GError
	name string
}{
	{GErrorCmdQErr, "CMDQ_ERR"},
	{GErrorEventQAbtErr, "EVTQ_ABT_ERR"},
	{GErrorPRIQAbtErr, "PRIQ_ABT_ERR"},
	{GErrorMSICmdQAbtErr, "MSI_CMDQ_ABT_ERR"},
	{GErrorMSIEventQAbt, "MSI_EVTQ_ABT_ERR"},
	{GErrorMSIPRIQAbt, "MSI_PRIQ_ABT_ERR"},
	{GErrorMSIGErrorAbt, "MSI_GERROR_ABT_ERR"},
	{GErrorSFMErr, "SFM_ERR"},
}

// String implements fmt.Stringer.
func (r GError) String() string {
	r &= GErrorValid
	if r == 0 {
		return "none"
	}
	s := ""
	for _, n := range gerrorNames {
		if r&n.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += n.name
	}
	return s
}

// StrtabBase is the stream table base address register.
type StrtabBase uint64

var (
	strtabBaseAddr = bits.Field{Shift: 6, Width: 46}
	strtabBaseRA   = bits.Field{Shift: 62, Width: 1}
)

// MakeStrtabBase encodes a stream table base. addr must be 64-byte aligned.
func MakeStrtabBase(addr uint64, readAllocate bool) StrtabBase {
	var r StrtabBase
	r = bits.Set(r, strtabBaseAddr, StrtabBase(addr>>6))
	return bits.Set(r, strtabBaseRA, StrtabBase(b2u(readAllocate)))
}

// Addr returns the table address.
func (r StrtabBase) Addr() uint64 { return uint64(bits.Get(r, strtabBaseAddr)) << 6 }

// ReadAllocate returns the read-allocate hint.
func (r StrtabBase) ReadAllocate() bool { return bits.Get(r, strtabBaseRA) != 0 }

// StrtabBaseCfg configures the stream table format.
type StrtabBaseCfg uint32

var (
	strtabCfgLog2Size = bits.Field{Shift: 0, Width: 6}
	strtabCfgSplit    = bits.Field{Shift: 6, Width: 5}
	strtabCfgFmt      = bits.Field{Shift: 16, Width: 2}
)

// Stream table formats.
const (
	StrtabFmtLinear = 0
	StrtabFmt2Level = 1
)

// MakeStrtabBaseCfg encodes a stream table configuration.
func MakeStrtabBaseCfg(format, log2Size, split uint32) StrtabBaseCfg {
	var r StrtabBaseCfg
	r = bits.Set(r, strtabCfgFmt, StrtabBaseCfg(format))
	r = bits.Set(r, strtabCfgLog2Size, StrtabBaseCfg(log2Size))
	return bits.Set(r, strtabCfgSplit, StrtabBaseCfg(split))
}

// Log2Size returns log2 of the number of stream table entries.
func (r StrtabBaseCfg) Log2Size() uint32 { return uint32(bits.Get(r, strtabCfgLog2Size)) }

// Format returns the table format.
func (r StrtabBaseCfg) Format() uint32 { return uint32(bits.Get(r, strtabCfgFmt)) }

// QueueBase is the layout of CMDQ_BASE and EVENTQ_BASE.
type QueueBase uint64

var (
	queueBaseLog2Size = bits.Field{Shift: 0, Width: 5}
	queueBaseAddr     = bits.Field{Shift: 5, Width: 47}
	queueBaseHint     = bits.Field{Shift: 62, Width: 1}
)

// MakeQueueBase encodes a queue base. hint is the read-allocate hint for the
// command queue and the write-allocate hint for the event queue.
func MakeQueueBase(addr uint64, log2Size uint32, hint bool) QueueBase {
	var r QueueBase
	r = bits.Set(r, queueBaseLog2Size, QueueBase(log2Size))
	r = bits.Set(r, queueBaseAddr, QueueBase(addr>>5))
	return bits.Set(r, queueBaseHint, QueueBase(b2u(hint)))
}

// Addr returns the queue address.
func (r QueueBase) Addr() uint64 { return uint64(bits.Get(r, queueBaseAddr)) << 5 }

// Log2Size returns log2 of the number of queue entries.
func (r QueueBase) Log2Size() uint32 { return uint32(bits.Get(r, queueBaseLog2Size)) }

// Hint returns the allocate hint.
func (r QueueBase) Hint() bool { return bits.Get(r, queueBaseHint) != 0 }

var (
	cmdqConsErr    = bits.Field{Shift: 24, Width: 7}
	eventqProdOvfl = bits.Field{Shift: 31, Width: 1}
)

// Command queue error codes reported in CMDQ_CONS.ERR.
const (
	CmdQErrNone       = 0
	CmdQErrIll        = 1
	CmdQErrAbt        = 2
	CmdQErrATCInvSync = 3
)

// CmdQConsErr extracts the error code from a CMDQ_CONS value.
func CmdQConsErr(cons uint32) uint32 { return bits.Get(cons, cmdqConsErr) }

// WithCmdQConsErr returns cons with the error code replaced.
func WithCmdQConsErr(cons, code uint32) uint32 { return bits.Set(cons, cmdqConsErr, code) }

// EventQOverflow reports the overflow flag of an EVENTQ_PROD value.
func EventQOverflow(prod uint32) bool { return bits.Get(prod, eventqProdOvfl) != 0 }

// QueueIndexMask masks the index and wrap bits of a PROD or CONS register
// for queues of up to 2^19 entries.
const QueueIndexMask = 0xFFFFF

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
