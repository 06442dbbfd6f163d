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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/smmu/pkg/abi/smmuv3"
	"gvisor.dev/smmu/pkg/smmu/ste"
)

// STE is a subcommand that prints the stream table entry template a
// platform would get.
type STE struct {
	config       string
	root         uint64
	oas          uint
	s1p          bool
	btm          bool
	attrTypesOvr bool

	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*STE) Name() string {
	return "ste"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*STE) Synopsis() string {
	return "print the stream table entry template for a platform"
}

// Usage implements subcommands.Command.Usage.
func (*STE) Usage() string {
	return `ste [-config <platform.toml>] [-oas <encoding>] [-attr-types-ovr] [-root <addr>]
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *STE) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.config, "config", "", "platform description in TOML. A built-in sample is used if empty.")
	f.Uint64Var(&s.root, "root", 0x8000_1000, "stage 2 root table address.")
	f.UintVar(&s.oas, "oas", 5, "IDR5.OAS encoding.")
	f.BoolVar(&s.s1p, "s1p", true, "IDR0.S1P.")
	f.BoolVar(&s.btm, "btm", true, "IDR0.BTM.")
	f.BoolVar(&s.attrTypesOvr, "attr-types-ovr", false, "IDR1.ATTR_TYPES_OVR.")
}

// Execute implements subcommands.Command.Execute.
func (s *STE) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := s.execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ste: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (s *STE) execute() error {
	if s.out == nil {
		s.out = os.Stdout
	}
	cfg, err := loadPlatform(s.config)
	if err != nil {
		return err
	}
	caps := ste.Capabilities{
		IDR0: smmuv3.IDR0Features{S1P: s.s1p, S2P: true, BTM: s.btm, TTF: smmuv3.TTFAArch64}.Value(),
		IDR1: smmuv3.IDR1Features{AttrTypesOvr: s.attrTypesOvr}.Value(),
		IDR5: smmuv3.IDR5(0).WithOAS(uint32(s.oas)),
	}
	var e smmuv3.StreamTableEntry
	err = ste.Build(&e, ste.Input{
		Base:             cfg.Base,
		Caps:             caps,
		CoherentOverride: cfg.CoherentOverride,
		RootComplex:      cfg.RootComplex,
		PageTableRoot:    s.root,
	})
	if err != nil {
		return err
	}
	log2 := ste.Log2Size(cfg.MaxStreamID())
	fmt.Fprintf(s.out, "stream table: max stream ID %d, 2^%d entries\n", cfg.MaxStreamID(), log2)
	for i, w := range e {
		fmt.Fprintf(s.out, "word %d: %#016x\n", i, w)
	}
	return nil
}
