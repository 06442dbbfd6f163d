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
	"encoding/binary"

	"gvisor.dev/smmu/pkg/bits"
)

// STESize is the size of a stream table entry in bytes.
const STESize = 64

// StreamTableEntry is a 64-byte stream table entry, held as eight 64-bit
// little-endian words.
type StreamTableEntry [8]uint64

// STEField locates a field within a StreamTableEntry.
type STEField struct {
	Word int
	bits.Field
}

// Stream table entry fields.
var (
	STEValid  = STEField{0, bits.Field{Shift: 0, Width: 1}}
	STEConfig = STEField{0, bits.Field{Shift: 1, Width: 3}}

	STEEATS     = STEField{1, bits.Field{Shift: 28, Width: 2}}
	STEMemAttr  = STEField{1, bits.Field{Shift: 32, Width: 4}}
	STEMTCFG    = STEField{1, bits.Field{Shift: 36, Width: 1}}
	STEAllocCfg = STEField{1, bits.Field{Shift: 37, Width: 4}}
	STESHCFG    = STEField{1, bits.Field{Shift: 44, Width: 2}}

	STES2VMID = STEField{2, bits.Field{Shift: 0, Width: 16}}
	STES2T0SZ = STEField{2, bits.Field{Shift: 32, Width: 6}}
	STES2SL0  = STEField{2, bits.Field{Shift: 38, Width: 2}}
	STES2IR0  = STEField{2, bits.Field{Shift: 40, Width: 2}}
	STES2OR0  = STEField{2, bits.Field{Shift: 42, Width: 2}}
	STES2SH0  = STEField{2, bits.Field{Shift: 44, Width: 2}}
	STES2TG   = STEField{2, bits.Field{Shift: 46, Width: 2}}
	STES2PS   = STEField{2, bits.Field{Shift: 48, Width: 3}}
	STES2AA64 = STEField{2, bits.Field{Shift: 51, Width: 1}}
	STES2PTW  = STEField{2, bits.Field{Shift: 54, Width: 1}}
	STES2RS   = STEField{2, bits.Field{Shift: 57, Width: 2}}

	// STES2TTB holds bits [51:4] of the stage 2 translation table base.
	STES2TTB = STEField{3, bits.Field{Shift: 4, Width: 48}}
)

// STE.Config values.
const (
	STEConfigAbort       = 0x0
	STEConfigBypass      = 0x4
	STEConfigS1Translate = 0x5
	STEConfigS2Translate = 0x6
	STEConfigNested      = 0x7
)

// Other STE field values.
const (
	// STES2RSRecord records faults without stalling.
	STES2RSRecord = 0x2

	// STEShareUseIncoming takes shareability from the incoming transaction.
	STEShareUseIncoming = 0x1

	// STEMemAttrIWBOWB is inner and outer write-back cacheable.
	STEMemAttrIWBOWB = 0xF

	// STEGranule4K selects a 4K stage 2 granule.
	STEGranule4K = 0x0
)

// Set replaces a field.
func (e *StreamTableEntry) Set(f STEField, v uint64) {
	e[f.Word] = bits.Set(e[f.Word], f.Field, v)
}

// Get extracts a field.
func (e *StreamTableEntry) Get(f STEField) uint64 {
	return bits.Get(e[f.Word], f.Field)
}

// Valid reports whether the entry is valid.
func (e *StreamTableEntry) Valid() bool { return e.Get(STEValid) != 0 }

// SetS2TTB stores the stage 2 table base address.
func (e *StreamTableEntry) SetS2TTB(addr uint64) { e.Set(STES2TTB, addr>>4) }

// S2TTB returns the stage 2 table base address.
func (e *StreamTableEntry) S2TTB() uint64 { return e.Get(STES2TTB) << 4 }

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (e *StreamTableEntry) SizeBytes() int { return STESize }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (e *StreamTableEntry) MarshalBytes(dst []byte) []byte {
	for i, w := range e {
		binary.LittleEndian.PutUint64(dst[8*i:], w)
	}
	return dst[STESize:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (e *StreamTableEntry) UnmarshalBytes(src []byte) []byte {
	for i := range e {
		e[i] = binary.LittleEndian.Uint64(src[8*i:])
	}
	return src[STESize:]
}
