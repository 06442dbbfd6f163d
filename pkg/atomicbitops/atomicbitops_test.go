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

package atomicbitops

import (
	"sync"
	"testing"
)

func TestOrAnd(t *testing.T) {
	u := FromUint32(0x1)
	if prev := u.Or(0x4); prev != 0x1 {
		t.Errorf("Or returned %#x, want 0x1", prev)
	}
	if prev := u.And(^uint32(0x1)); prev != 0x5 {
		t.Errorf("And returned %#x, want 0x5", prev)
	}
	if got := u.Load(); got != 0x4 {
		t.Errorf("Load() = %#x, want 0x4", got)
	}
}

func TestConcurrentOr(t *testing.T) {
	var u Uint32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(bit int) {
			defer wg.Done()
			u.Or(1 << bit)
		}(i)
	}
	wg.Wait()
	if got := u.Load(); got != ^uint32(0) {
		t.Errorf("Load() = %#x, want all bits set", got)
	}
}

func TestUint64(t *testing.T) {
	var u Uint64
	u.Store(40)
	if got := u.Add(2); got != 42 {
		t.Errorf("Add(2) = %d, want 42", got)
	}
}
