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

//go:build linux
// +build linux

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/smmu/pkg/abi/smmuv3"
	"gvisor.dev/smmu/pkg/mmio"
	"gvisor.dev/smmu/pkg/smmu/ste"
)

// Probe is a subcommand that reads the identification and status registers
// of a real SMMU. It never writes to the device.
type Probe struct {
	config string
	base   uint64
}

// Name implements subcommands.Command.Name.
func (*Probe) Name() string {
	return "probe"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Probe) Synopsis() string {
	return "decode the ID and status registers of an SMMU through /dev/mem"
}

// Usage implements subcommands.Command.Usage.
func (*Probe) Usage() string {
	return `probe {-config <platform.toml> | -base <addr>}
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Probe) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.config, "config", "", "platform description in TOML.")
	f.Uint64Var(&p.base, "base", 0, "register frame physical address, overriding the configuration.")
}

// Execute implements subcommands.Command.Execute.
func (p *Probe) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || (p.config == "" && p.base == 0) {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := p.execute(); err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (p *Probe) execute() error {
	base := p.base
	if base == 0 {
		cfg, err := loadPlatform(p.config)
		if err != nil {
			return err
		}
		base = cfg.Base
	}
	regs, err := mmio.OpenDevMem(base, smmuv3.RegionSize, false)
	if err != nil {
		return err
	}
	defer regs.Close()
	printRegisters(os.Stdout, regs)
	return nil
}

func printRegisters(w io.Writer, regs mmio.Registers) {
	caps := ste.ReadCapabilities(regs)
	idr0, idr1 := caps.IDR0, caps.IDR1
	fmt.Fprintf(w, "IDR0 %#08x: S1P=%t S2P=%t TTF=%d COHACC=%t BTM=%t HTTU=%d ATS=%t VMW=%t\n",
		uint32(idr0), idr0.S1P(), idr0.S2P(), idr0.TTF(), idr0.COHACC(), idr0.BTM(), idr0.HTTU(), idr0.ATS(), idr0.VMW())
	fmt.Fprintf(w, "IDR1 %#08x: SIDSIZE=%d SSIDSIZE=%d PRIQS=%d EVENTQS=%d CMDQS=%d ATTR_PERMS_OVR=%t ATTR_TYPES_OVR=%t\n",
		uint32(idr1), idr1.SIDSize(), idr1.SSIDSize(), idr1.PRIQS(), idr1.EventQS(), idr1.CmdQS(), idr1.AttrPermsOvr(), idr1.AttrTypesOvr())
	if oas, err := smmuv3.DecodeAddressSize(caps.IDR5.OAS()); err == nil {
		fmt.Fprintf(w, "IDR5 %#08x: OAS=%d bits\n", uint32(caps.IDR5), oas)
	} else {
		fmt.Fprintf(w, "IDR5 %#08x: %v\n", uint32(caps.IDR5), err)
	}
	fmt.Fprintf(w, "CR0 %#08x CR0ACK %#08x GBPA %#08x\n",
		regs.Read32(smmuv3.RegCR0), regs.Read32(smmuv3.RegCR0ACK), regs.Read32(smmuv3.RegGBPA))
	gerror := smmuv3.GError(regs.Read32(smmuv3.RegGERROR) ^ regs.Read32(smmuv3.RegGERRORN))
	fmt.Fprintf(w, "GERROR active: %v\n", gerror&smmuv3.GErrorValid)
}
