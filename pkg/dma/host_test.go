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

package dma

import (
	"testing"

	"gvisor.dev/smmu/pkg/hostarch"
)

func TestHost(t *testing.T) {
	h := NewHost()
	r, err := h.AllocatePages(2)
	if err != nil {
		t.Fatalf("AllocatePages failed: %v", err)
	}
	if !hostarch.IsPageAligned(r.Addr) {
		t.Errorf("address %#x is not page aligned", r.Addr)
	}
	r.Data[hostarch.PageSize] = 1
	s, err := h.Slice(r.Addr+hostarch.PageSize, 1)
	if err != nil || s[0] != 1 {
		t.Errorf("Slice = %v, %v", s, err)
	}
	if err := h.FreePages(r); err != nil {
		t.Errorf("FreePages failed: %v", err)
	}
	if h.InUse() != 0 {
		t.Errorf("InUse() = %d after free", h.InUse())
	}
}

func TestHostAligned(t *testing.T) {
	h := NewHost()
	const align = 64 << 10
	r, err := h.AllocateAligned(16, align)
	if err != nil {
		t.Fatalf("AllocateAligned failed: %v", err)
	}
	if r.Addr%align != 0 {
		t.Errorf("address %#x is not aligned to %#x", r.Addr, align)
	}
	if got, want := r.Pages(), uint64(16); got != want {
		t.Errorf("Pages() = %d, want %d", got, want)
	}
	r.Data[len(r.Data)-1] = 1
	if err := h.FreePages(r); err != nil {
		t.Errorf("FreePages failed: %v", err)
	}
}
