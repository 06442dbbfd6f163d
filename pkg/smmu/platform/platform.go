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

// Package platform describes the SMMU as firmware reports it: where its
// registers are, which stream IDs it serves and the coherency of the root
// complex in front of it.
package platform

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/smmu/pkg/errors/iommuerr"
)

// Root complex memory access flags.
const (
	// MemoryAccessCPM marks the root complex as coherent path to memory.
	MemoryAccessCPM = 1 << 0

	// MemoryAccessDACS marks device attributes as cacheable and inner
	// shareable.
	MemoryAccessDACS = 1 << 1
)

// IDMapping maps a range of requester IDs to stream IDs.
type IDMapping struct {
	InputBase       uint32 `toml:"input_base"`
	NumIDs          uint32 `toml:"num_ids"`
	OutputBase      uint32 `toml:"output_base"`
	OutputReference uint32 `toml:"output_reference"`
	Flags           uint32 `toml:"flags"`
}

// RootComplex is the PCIe root complex whose traffic the SMMU translates.
type RootComplex struct {
	// CacheCoherent is the CCA attribute: 1 if the root complex is fully
	// coherent.
	CacheCoherent uint32 `toml:"cache_coherent"`

	// MemoryAccessFlags holds MemoryAccessCPM and MemoryAccessDACS.
	MemoryAccessFlags uint8 `toml:"memory_access_flags"`

	// Segment is the PCI segment number.
	Segment uint32 `toml:"segment"`
}

// Coherent reports CCA == 1.
func (rc RootComplex) Coherent() bool { return rc.CacheCoherent == 1 }

// CPM reports the coherent path to memory flag.
func (rc RootComplex) CPM() bool { return rc.MemoryAccessFlags&MemoryAccessCPM != 0 }

// DACS reports the device attributes cacheable and shareable flag.
func (rc RootComplex) DACS() bool { return rc.MemoryAccessFlags&MemoryAccessDACS != 0 }

// Config is the platform description of one SMMU.
type Config struct {
	// Base is the physical address of the register frame.
	Base uint64 `toml:"base"`

	// CoherentOverride is the COHACC override flag: table walks and queue
	// accesses are cache coherent.
	CoherentOverride bool `toml:"coherent_override"`

	// IDMappings are the root complex ID mappings targeting this SMMU.
	IDMappings []IDMapping `toml:"id_mapping"`

	// RootComplex describes the root complex.
	RootComplex RootComplex `toml:"root_complex"`
}

// MaxStreamID returns the largest OutputBase+NumIDs over all mappings.
func (c *Config) MaxStreamID() uint32 {
	var max uint32
	for _, m := range c.IDMappings {
		if end := m.OutputBase + m.NumIDs; end > max {
			max = end
		}
	}
	return max
}

// Validate checks that c describes a usable SMMU.
func (c *Config) Validate() error {
	if c.Base == 0 {
		return fmt.Errorf("platform config has no register base: %w", iommuerr.InvalidParameter)
	}
	if len(c.IDMappings) == 0 {
		return fmt.Errorf("platform config has no ID mappings: %w", iommuerr.InvalidParameter)
	}
	for i, m := range c.IDMappings {
		if m.OutputBase+m.NumIDs < m.OutputBase {
			return fmt.Errorf("ID mapping %d overflows: %w", i, iommuerr.InvalidParameter)
		}
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Decode parses a TOML platform description. Unknown keys are rejected.
func Decode(data string) (*Config, error) {
	var c Config
	md, err := toml.Decode(data, &c)
	if err != nil {
		return nil, fmt.Errorf("decoding platform config: %v: %w", err, iommuerr.InvalidParameter)
	}
	return check(&c, md)
}

// Load reads a TOML platform description from path.
func Load(path string) (*Config, error) {
	var c Config
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, fmt.Errorf("loading platform config %q: %v: %w", path, err, iommuerr.InvalidParameter)
	}
	return check(&c, md)
}

func check(c *Config, md toml.MetaData) (*Config, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown platform config keys %s: %w", strings.Join(keys, ", "), iommuerr.InvalidParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
