// Copyright 2018 The gVisor Authors.
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

package bits

import "testing"

func TestIsOn(t *testing.T) {
	if !IsOn(uint32(0x1FD), 0x5) {
		t.Errorf("IsOn(0x1fd, 0x5) = false")
	}
	if IsOn(uint32(0x1FD), 0x3) {
		t.Errorf("IsOn(0x1fd, 0x3) = true")
	}
	if !IsAnyOn(uint64(0x2), 0x3) {
		t.Errorf("IsAnyOn(0x2, 0x3) = false")
	}
}

func TestMask(t *testing.T) {
	if got, want := Mask[uint32](0, 2, 3), uint32(0xD); got != want {
		t.Errorf("Mask(0, 2, 3) = %#x, want %#x", got, want)
	}
	if got, want := MaskOf[uint64](63), uint64(1)<<63; got != want {
		t.Errorf("MaskOf(63) = %#x, want %#x", got, want)
	}
}

func TestField(t *testing.T) {
	for _, tc := range []struct {
		f    Field
		v    uint64
		x    uint64
		want uint64
	}{
		{Field{Shift: 0, Width: 1}, 0, 1, 0x1},
		{Field{Shift: 1, Width: 3}, 0x1, 0x6, 0xD},
		{Field{Shift: 48, Width: 3}, ^uint64(0), 0, ^uint64(0) &^ (0x7 << 48)},
		{Field{Shift: 4, Width: 48}, 0, 0x80000000 >> 4, 0x80000000},
		{Field{Shift: 0, Width: 5}, 0, 0xFF, 0x1F},
		{Field{Shift: 0, Width: 64}, 0, ^uint64(0), ^uint64(0)},
	} {
		got := Set(tc.v, tc.f, tc.x)
		if got != tc.want {
			t.Errorf("Set(%#x, %+v, %#x) = %#x, want %#x", tc.v, tc.f, tc.x, got, tc.want)
		}
		if back := Get(got, tc.f); back != tc.x&(tc.f.Mask()>>tc.f.Shift) {
			t.Errorf("Get(%#x, %+v) = %#x", got, tc.f, back)
		}
	}
}
