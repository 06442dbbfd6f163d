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
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/smmu/pkg/dma"
	"gvisor.dev/smmu/pkg/log"
	"gvisor.dev/smmu/pkg/mmio"
	"gvisor.dev/smmu/pkg/smmu"
	"gvisor.dev/smmu/pkg/smmu/emulator"
	"gvisor.dev/smmu/pkg/smmu/platform"
)

// samplePlatform is used when no configuration file is given.
const samplePlatform = `
base = 0x2b400000
coherent_override = true

[[id_mapping]]
input_base = 0
num_ids = 512
output_base = 1

[root_complex]
cache_coherent = 1
memory_access_flags = 1
`

// Bringup is a subcommand that runs a device through its lifecycle against
// the software model.
type Bringup struct {
	config   string
	mapping  string
	access   string
	sid      uint64
	exitBoot bool
	async    bool
	trace    bool
	attempts uint64
	delay    time.Duration

	// out is where results are printed. nil means stdout.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Bringup) Name() string {
	return "bringup"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Bringup) Synopsis() string {
	return "bring up translation against a software SMMU and print the result"
}

// Usage implements subcommands.Command.Usage.
func (*Bringup) Usage() string {
	return `bringup [-config <platform.toml>] [-map <addr>:<len>] [-access rw] [-exit-boot] [-async]
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Bringup) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.config, "config", "", "platform description in TOML. A built-in sample is used if empty.")
	f.StringVar(&b.mapping, "map", "", "map <addr>:<len>, translate through it, then unmap it.")
	f.StringVar(&b.access, "access", "rw", "access granted to the mapping: any of r and w, or none.")
	f.Uint64Var(&b.sid, "sid", 0, "stream ID used to translate through the mapping.")
	f.BoolVar(&b.exitBoot, "exit-boot", false, "hand the device over in global bypass on exit instead of closing it, which aborts all transactions.")
	f.BoolVar(&b.async, "async", false, "consume commands from a separate goroutine.")
	f.BoolVar(&b.trace, "trace", false, "log every register access at debug level.")
	f.Uint64Var(&b.attempts, "poll-attempts", mmio.DefaultAttempts, "register poll attempts.")
	f.DurationVar(&b.delay, "poll-delay", mmio.DefaultDelay, "delay between register polls.")
}

// Execute implements subcommands.Command.Execute.
func (b *Bringup) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := b.execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "bringup: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (b *Bringup) execute(ctx context.Context) error {
	if b.out == nil {
		b.out = os.Stdout
	}
	cfg, err := loadPlatform(b.config)
	if err != nil {
		return err
	}
	access, err := parseAccess(b.access)
	if err != nil {
		return err
	}
	if b.sid > math.MaxUint32 {
		return fmt.Errorf("stream ID %d does not fit in 32 bits", b.sid)
	}

	heap := dma.NewHeap(dma.HeapOpts{})
	opts := emulator.DefaultOptions()
	opts.Async = b.async
	hw := emulator.New(heap, opts)

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	if b.async {
		g.Go(func() error { return hw.Run(gctx) })
	}
	err = b.drive(hw, heap, cfg, access)
	cancel()
	if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) && err == nil {
		err = werr
	}
	return err
}

func (b *Bringup) poller() *mmio.Poller {
	attempts, delay := b.attempts, b.delay
	if attempts == 0 {
		return nil
	}
	return &mmio.Poller{NewBackOff: func() backoff.BackOff {
		if attempts == 1 {
			return &backoff.StopBackOff{}
		}
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), attempts-1)
	}}
}

func (b *Bringup) drive(hw *emulator.Device, heap *dma.Heap, cfg *platform.Config, access smmu.Access) error {
	var regs mmio.Registers = hw
	if b.trace {
		regs = mmio.Traced(hw)
	}
	dev, err := smmu.New(regs, heap, cfg, smmu.WithPoller(b.poller()))
	if err != nil {
		return err
	}
	// A device handed over by ExitBoot is left running for its next owner.
	handedOver := false
	defer func() {
		if !handedOver {
			if err := dev.Close(); err != nil {
				log.Warningf("closing SMMU: %v", err)
			}
		}
		fmt.Fprintf(b.out, "state: %v, pages in use: %d\n", dev.State(), heap.InUse())
	}()

	if err := dev.Start(); err != nil {
		return err
	}
	printInfo(b.out, dev.Info())

	if b.mapping != "" {
		if err := b.exercise(hw, dev, access); err != nil {
			return err
		}
	}
	printCommands(b.out, hw)
	if n := dev.ReportFaults(); n > 0 {
		fmt.Fprintf(b.out, "faults: %d\n", n)
	}

	if b.exitBoot {
		if err := dev.ExitBoot(); err != nil {
			return err
		}
		handedOver = true
		out, err := hw.Translate(uint32(b.sid), 0x1000, false)
		fmt.Fprintf(b.out, "bypass: translate 0x1000: %#x, %v\n", out, err)
	}
	return nil
}

// exercise maps the requested range, translates its first byte and unmaps
// it again.
func (b *Bringup) exercise(hw *emulator.Device, dev *smmu.Device, access smmu.Access) error {
	addr, length, err := parseRange(b.mapping)
	if err != nil {
		return err
	}
	devAddr, m, err := dev.Map(addr, length)
	if err != nil {
		return err
	}
	if err := dev.SetAttribute(m, access); err != nil {
		return err
	}
	fmt.Fprintf(b.out, "mapped %v with %v access\n", m, access)

	out, err := hw.Translate(uint32(b.sid), devAddr, access&smmu.AccessWrite != 0)
	if err != nil {
		fmt.Fprintf(b.out, "translate %#x: %v\n", devAddr, err)
	} else {
		fmt.Fprintf(b.out, "translate %#x: %#x\n", devAddr, out)
	}
	return dev.Unmap(m)
}

func loadPlatform(path string) (*platform.Config, error) {
	if path == "" {
		return platform.Decode(samplePlatform)
	}
	return platform.Load(path)
}

func parseAccess(s string) (smmu.Access, error) {
	if s == "none" {
		return 0, nil
	}
	var a smmu.Access
	for _, c := range s {
		switch c {
		case 'r':
			a |= smmu.AccessRead
		case 'w':
			a |= smmu.AccessWrite
		default:
			return 0, fmt.Errorf("invalid access %q", s)
		}
	}
	return a, nil
}

func parseRange(s string) (addr, length uint64, err error) {
	a, l, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range %q, want <addr>:<len>", s)
	}
	if addr, err = strconv.ParseUint(a, 0, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid address in %q: %v", s, err)
	}
	if length, err = strconv.ParseUint(l, 0, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid length in %q: %v", s, err)
	}
	return addr, length, nil
}

func printInfo(w io.Writer, i smmu.Info) {
	fmt.Fprintf(w, "state: %v\n", i.State)
	fmt.Fprintf(w, "stream table: %#x, 2^%d entries, %d bytes\n", i.StreamTable, i.StreamTableLog2Size, i.StreamTableBytes)
	fmt.Fprintf(w, "command queue: %#x, 2^%d entries\n", i.CommandQueue, i.CommandQueueLog2Size)
	fmt.Fprintf(w, "event queue: %#x, 2^%d entries\n", i.EventQueue, i.EventQueueLog2Size)
	fmt.Fprintf(w, "page tables: root %#x, %d tables\n", i.PageTableRoot, i.PageTableNodes)
}

func printCommands(w io.Writer, hw *emulator.Device) {
	var ops []string
	for _, c := range hw.Commands() {
		ops = append(ops, c.Opcode().String())
	}
	fmt.Fprintf(w, "commands: %s\n", strings.Join(ops, " "))
}
