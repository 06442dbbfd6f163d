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

// Binary smmuctl brings up SMMUv3 translation against a software model of
// the device and inspects real hardware through /dev/mem.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/smmu/pkg/log"
	"gvisor.dev/smmu/tools/smmuctl/cmd"
)

var (
	debug     = flag.Bool("debug", false, "enable debug logging.")
	logFormat = flag.String("log-format", "text", "log format: text (default) or json.")
	logFile   = flag.String("log", "", "additional file to log to. %TIMESTAMP% and %COMMAND% are expanded.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Bringup), "")
	subcommands.Register(new(cmd.STE), "")
	subcommands.Register(new(cmd.Probe), "")

	flag.Parse()

	if err := cmd.SetupLogging(*debug, *logFormat, *logFile, flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	log.Debugf("Args: %v", os.Args)

	os.Exit(int(subcommands.Execute(context.Background())))
}
