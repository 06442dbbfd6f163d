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

// Package cmd holds the smmuctl subcommands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"gvisor.dev/smmu/pkg/log"
)

// SetupLogging sends logs to stderr and, if logPattern is set, to a file,
// in the given format.
func SetupLogging(debug bool, format, logPattern, command string) error {
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid log format %q, must be text or json", format)
	}
	emitters := log.MultiEmitter{newEmitter(format, os.Stderr)}
	f, err := log.OpenFile(logPattern, command)
	if err != nil {
		return err
	}
	if f != nil {
		emitters = append(emitters, newEmitter(format, f))
	}
	if len(emitters) == 1 {
		log.SetTarget(emitters[0])
	} else {
		log.SetTarget(&emitters)
	}
	if debug {
		log.SetLevel(log.Debug)
	}
	return nil
}

func newEmitter(format string, w io.Writer) log.Emitter {
	if format == "json" {
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	}
	return log.GoogleEmitter{Emitter: &log.Writer{Next: w}}
}
