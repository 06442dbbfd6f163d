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

package pagetables

import "fmt"

// PTE is a stage 2 translation table descriptor.
type PTE uint64

// Descriptor bits.
const (
	// Valid marks a descriptor as valid.
	Valid PTE = 1 << 0

	// TableOrPage marks a table descriptor at levels 0-2 and a page
	// descriptor at level 3.
	TableOrPage PTE = 1 << 1

	// S2APRead and S2APWrite are the stage 2 data access permissions.
	S2APRead  PTE = 1 << 6
	S2APWrite PTE = 1 << 7
	S2APMask      = S2APRead | S2APWrite

	// AccessFlag is the access flag. Descriptors without it fault on first
	// use.
	AccessFlag PTE = 1 << 10

	// MapFlags are the flags installed by a new mapping.
	MapFlags = AccessFlag | TableOrPage

	// addressMask covers output address bits [47:12].
	addressMask PTE = 0x0000_FFFF_FFFF_F000
)

// S2APShift is the position of the stage 2 access permission field.
const S2APShift = 6

// Valid returns true iff the descriptor is valid.
func (p PTE) Valid() bool {
	return p&Valid != 0
}

// Address returns the output or next-level table address.
func (p PTE) Address() uint64 {
	return uint64(p & addressMask)
}

// Readable returns true iff the descriptor grants stage 2 read access.
func (p PTE) Readable() bool {
	return p&S2APRead != 0
}

// Writeable returns true iff the descriptor grants stage 2 write access.
func (p PTE) Writeable() bool {
	return p&S2APWrite != 0
}

// updateFlags merges flags into p.
//
// A flags-only update with no flags revokes the access permissions and
// leaves every other bit alone. Any other update only adds flags.
func (p PTE) updateFlags(flags PTE, flagsOnly bool) PTE {
	if flagsOnly && flags == 0 {
		return p &^ S2APMask
	}
	return p | flags
}

// String implements fmt.Stringer.
func (p PTE) String() string {
	if p == 0 {
		return "empty"
	}
	return fmt.Sprintf("%#x[v=%t r=%t w=%t af=%t]", p.Address(), p.Valid(), p.Readable(), p.Writeable(), p&AccessFlag != 0)
}
