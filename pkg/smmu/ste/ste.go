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

// Package ste builds the stream table: one template stream table entry that
// sends every stream through the shared stage 2 page tables, replicated into
// a linear table covering every stream ID the platform uses.
package ste

import (
	"fmt"

	"gvisor.dev/smmu/pkg/abi/smmuv3"
	"gvisor.dev/smmu/pkg/errors/iommuerr"
	"gvisor.dev/smmu/pkg/mmio"
	"gvisor.dev/smmu/pkg/smmu/platform"
)

// Capabilities is a snapshot of the identification registers.
type Capabilities struct {
	IDR0 smmuv3.IDR0
	IDR1 smmuv3.IDR1
	IDR5 smmuv3.IDR5
}

// ReadCapabilities reads the identification registers.
func ReadCapabilities(regs mmio.Registers) Capabilities {
	return Capabilities{
		IDR0: smmuv3.IDR0(regs.Read32(smmuv3.RegIDR0)),
		IDR1: smmuv3.IDR1(regs.Read32(smmuv3.RegIDR1)),
		IDR5: smmuv3.IDR5(regs.Read32(smmuv3.RegIDR5)),
	}
}

// Input is everything the template entry is derived from.
type Input struct {
	// Base is the SMMU register base. It must be non-zero.
	Base uint64

	// Caps are the device capabilities.
	Caps Capabilities

	// CoherentOverride and RootComplex come from the platform description.
	CoherentOverride bool
	RootComplex      platform.RootComplex

	// PageTableRoot is the physical address of the stage 2 root table.
	PageTableRoot uint64
}

// Stage 2 settings shared by every entry.
const (
	// s2VMID is the VMID tagging every stage 2 TLB entry.
	s2VMID = 1

	// s2StartLevel0 starts 4K granule walks at level 0.
	s2StartLevel0 = 2
)

// Build fills out with a stage 2 translating, stage 1 bypassing entry for
// in. It returns an error wrapping iommuerr.InvalidParameter if out is nil,
// in.Base is zero or the output address size is not recognized.
func Build(out *smmuv3.StreamTableEntry, in Input) error {
	if out == nil || in.Base == 0 {
		return fmt.Errorf("building stream table entry (out %p, base %#x): %w", out, in.Base, iommuerr.InvalidParameter)
	}
	oas, err := smmuv3.DecodeAddressSize(in.Caps.IDR5.OAS())
	if err != nil {
		return fmt.Errorf("IDR5.OAS: %w", err)
	}
	width := min(oas, smmuv3.MaxTranslationBits)
	ps, err := smmuv3.EncodeAddressSize(width)
	if err != nil {
		return fmt.Errorf("S2PS: %w", err)
	}

	var e smmuv3.StreamTableEntry
	e.Set(smmuv3.STEConfig, smmuv3.STEConfigS2Translate)
	e.Set(smmuv3.STEEATS, 0)
	e.Set(smmuv3.STES2VMID, s2VMID)
	e.Set(smmuv3.STES2TG, smmuv3.STEGranule4K)
	e.Set(smmuv3.STES2AA64, 1)
	e.SetS2TTB(in.PageTableRoot)
	if in.Caps.IDR0.S1P() && in.Caps.IDR0.S2P() {
		e.Set(smmuv3.STES2PTW, 1)
	}
	e.Set(smmuv3.STES2SL0, s2StartLevel0)
	e.Set(smmuv3.STES2PS, uint64(ps))
	e.Set(smmuv3.STES2T0SZ, uint64(64-width))

	if in.CoherentOverride {
		e.Set(smmuv3.STES2IR0, smmuv3.WriteBackAllocate)
		e.Set(smmuv3.STES2OR0, smmuv3.WriteBackAllocate)
		e.Set(smmuv3.STES2SH0, smmuv3.InnerShareable)
	} else {
		e.Set(smmuv3.STES2IR0, smmuv3.NonCacheable)
		e.Set(smmuv3.STES2OR0, smmuv3.NonCacheable)
		e.Set(smmuv3.STES2SH0, smmuv3.OuterShareable)
	}

	if in.Caps.IDR1.AttrTypesOvr() {
		e.Set(smmuv3.STESHCFG, smmuv3.STEShareUseIncoming)
		rc := in.RootComplex
		if rc.Coherent() && rc.CPM() && !rc.DACS() {
			e.Set(smmuv3.STEMTCFG, 1)
			e.Set(smmuv3.STEMemAttr, smmuv3.STEMemAttrIWBOWB)
			e.Set(smmuv3.STESHCFG, smmuv3.InnerShareable)
		}
	}

	e.Set(smmuv3.STES2RS, smmuv3.STES2RSRecord)
	e.Set(smmuv3.STEValid, 1)
	*out = e
	return nil
}
