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

// EventSize is the size of an event queue record in bytes.
const EventSize = 32

// FaultRecord is an event queue record.
type FaultRecord [4]uint64

// EventID identifies the kind of event.
type EventID uint8

// Event identifiers.
const (
	EventUUT             EventID = 0x01
	EventBadStreamID     EventID = 0x02
	EventSTEFetch        EventID = 0x03
	EventBadSTE          EventID = 0x04
	EventBadATSTReq      EventID = 0x05
	EventStreamDisabled  EventID = 0x06
	EventTranslForbidden EventID = 0x07
	EventBadSubstreamID  EventID = 0x08
	EventCDFetch         EventID = 0x09
	EventBadCD           EventID = 0x0A
	EventWalkEABT        EventID = 0x0B
	EventTranslation     EventID = 0x10
	EventAddrSize        EventID = 0x11
	EventAccess          EventID = 0x12
	EventPermission      EventID = 0x13
	EventTLBConflict     EventID = 0x20
	EventCfgConflict     EventID = 0x21
	EventPageRequest     EventID = 0x24
	EventVMSFetch        EventID = 0x25
)

var eventNames = map[EventID]string{
	EventUUT:             "F_UUT",
	EventBadStreamID:     "C_BAD_STREAMID",
	EventSTEFetch:        "F_STE_FETCH",
	EventBadSTE:          "C_BAD_STE",
	EventBadATSTReq:      "F_BAD_ATS_TREQ",
	EventStreamDisabled:  "F_STREAM_DISABLED",
	EventTranslForbidden: "F_TRANSL_FORBIDDEN",
	EventBadSubstreamID:  "C_BAD_SUBSTREAMID",
	EventCDFetch:         "F_CD_FETCH",
	EventBadCD:           "C_BAD_CD",
	EventWalkEABT:        "F_WALK_EABT",
	EventTranslation:     "F_TRANSLATION",
	EventAddrSize:        "F_ADDR_SIZE",
	EventAccess:          "F_ACCESS",
	EventPermission:      "F_PERMISSION",
	EventTLBConflict:     "F_TLB_CONFLICT",
	EventCfgConflict:     "F_CFG_CONFLICT",
	EventPageRequest:     "E_PAGE_REQUEST",
	EventVMSFetch:        "F_VMS_FETCH",
}

// String implements fmt.Stringer.
func (id EventID) String() string {
	if n, ok := eventNames[id]; ok {
		return n
	}
	return fmt.Sprintf("EVT_%#02x", uint8(id))
}

var (
	evtID       = bits.Field{Shift: 0, Width: 8}
	evtStreamID = bits.Field{Shift: 32, Width: 32}
	evtRnW      = bits.Field{Shift: 35, Width: 1}
)

// MakeFaultRecord builds a record for a fault on an input address. It is used
// by software models of the device.
func MakeFaultRecord(id EventID, sid uint32, addr uint64, write bool) FaultRecord {
	var r FaultRecord
	r[0] = bits.Set(r[0], evtID, uint64(id))
	r[0] = bits.Set(r[0], evtStreamID, uint64(sid))
	r[1] = bits.Set(r[1], evtRnW, uint64(b2u(!write)))
	r[2] = addr
	return r
}

// ID returns the event identifier.
func (r FaultRecord) ID() EventID { return EventID(bits.Get(r[0], evtID)) }

// StreamID returns the stream that raised the event.
func (r FaultRecord) StreamID() uint32 { return uint32(bits.Get(r[0], evtStreamID)) }

// InputAddress returns the faulting input address for translation events.
func (r FaultRecord) InputAddress() uint64 { return r[2] }

// Read reports whether the faulting access was a read.
func (r FaultRecord) Read() bool { return bits.Get(r[1], evtRnW) != 0 }

// String implements fmt.Stringer.
func (r FaultRecord) String() string {
	return fmt.Sprintf("%v sid=%#x addr=%#x raw=[%#016x %#016x %#016x %#016x]",
		r.ID(), r.StreamID(), r.InputAddress(), r[0], r[1], r[2], r[3])
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (r *FaultRecord) SizeBytes() int { return EventSize }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (r *FaultRecord) MarshalBytes(dst []byte) []byte {
	for i, w := range r {
		binary.LittleEndian.PutUint64(dst[8*i:], w)
	}
	return dst[EventSize:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (r *FaultRecord) UnmarshalBytes(src []byte) []byte {
	for i := range r {
		r[i] = binary.LittleEndian.Uint64(src[8*i:])
	}
	return src[EventSize:]
}
