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
	"fmt"

	"gvisor.dev/smmu/pkg/bits"
)

// CommandSize is the size of a command queue entry in bytes.
const CommandSize = 16

// Command is a command queue entry.
type Command [2]uint64

// Opcode identifies a command.
type Opcode uint8

// Command opcodes.
const (
	OpPrefetchConfig Opcode = 0x01
	OpCfgiSTE        Opcode = 0x03
	OpCfgiAll        Opcode = 0x04
	OpTLBIEL2All     Opcode = 0x20
	OpTLBINSNHAll    Opcode = 0x30
	OpSync           Opcode = 0x46
)

var opcodeNames = map[Opcode]string{
	OpPrefetchConfig: "PREFETCH_CONFIG",
	OpCfgiSTE:        "CFGI_STE",
	OpCfgiAll:        "CFGI_ALL",
	OpTLBIEL2All:     "TLBI_EL2_ALL",
	OpTLBINSNHAll:    "TLBI_NSNH_ALL",
	OpSync:           "CMD_SYNC",
}

// String implements fmt.Stringer.
func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("OP_%#02x", uint8(o))
}

var (
	cmdOpcode   = bits.Field{Shift: 0, Width: 8}
	cmdSyncCS   = bits.Field{Shift: 12, Width: 2}
	cmdSyncMSH  = bits.Field{Shift: 22, Width: 2}
	cmdCfgRange = bits.Field{Shift: 0, Width: 5}
	cmdStreamID = bits.Field{Shift: 32, Width: 32}
)

// CMD_SYNC completion signals.
const (
	SyncCSNone = 0
	SyncCSIRQ  = 1
	SyncCSSEV  = 2
)

// CfgiAllRange is the CFGI_ALL range value covering every stream.
const CfgiAllRange = 31

// Opcode returns the command opcode.
func (c Command) Opcode() Opcode { return Opcode(bits.Get(c[0], cmdOpcode)) }

// String implements fmt.Stringer.
func (c Command) String() string {
	return fmt.Sprintf("%v{%#016x %#016x}", c.Opcode(), c[0], c[1])
}

func newCommand(op Opcode) Command {
	var c Command
	c[0] = bits.Set(c[0], cmdOpcode, uint64(op))
	return c
}

// CfgiAll invalidates every cached configuration structure.
func CfgiAll() Command {
	c := newCommand(OpCfgiAll)
	c[1] = bits.Set(c[1], cmdCfgRange, CfgiAllRange)
	return c
}

// CfgiSTE invalidates the cached stream table entry of one stream.
func CfgiSTE(sid uint32) Command {
	c := newCommand(OpCfgiSTE)
	c[0] = bits.Set(c[0], cmdStreamID, uint64(sid))
	return c
}

// StreamID returns the stream of a CFGI_STE or PREFETCH_CONFIG command.
func (c Command) StreamID() uint32 { return uint32(bits.Get(c[0], cmdStreamID)) }

// TLBINSNHAll invalidates all non-secure, non-hypervisor TLB entries.
func TLBINSNHAll() Command { return newCommand(OpTLBINSNHAll) }

// TLBIEL2All invalidates all EL2 TLB entries.
func TLBIEL2All() Command { return newCommand(OpTLBIEL2All) }

// Sync returns a CMD_SYNC whose completion is observed by polling CMDQ_CONS
// only.
func Sync() Command {
	c := newCommand(OpSync)
	c[0] = bits.Set(c[0], cmdSyncCS, SyncCSNone)
	c[0] = bits.Set(c[0], cmdSyncMSH, InnerShareable)
	return c
}

// SyncCS returns the completion signal of a CMD_SYNC.
func (c Command) SyncCS() uint32 { return uint32(bits.Get(c[0], cmdSyncCS)) }

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (c *Command) SizeBytes() int { return CommandSize }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (c *Command) MarshalBytes(dst []byte) []byte {
	binary.LittleEndian.PutUint64(dst[0:], c[0])
	binary.LittleEndian.PutUint64(dst[8:], c[1])
	return dst[CommandSize:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (c *Command) UnmarshalBytes(src []byte) []byte {
	c[0] = binary.LittleEndian.Uint64(src[0:])
	c[1] = binary.LittleEndian.Uint64(src[8:])
	return src[CommandSize:]
}
