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

package cleanup

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type recorder struct {
	order []int
}

func (r *recorder) step(n int, err error) func() error {
	return func() error {
		r.order = append(r.order, n)
		return err
	}
}

func TestClean(t *testing.T) {
	var r recorder
	cu := Make(r.step(1, nil))
	cu.Add(r.step(2, nil))
	cu.Add(nil)
	cu.Add(r.step(3, nil))
	if err := cu.Clean(); err != nil {
		t.Errorf("Clean() = %v", err)
	}
	// A second Clean has nothing left to run.
	cu.Clean()
	if diff := cmp.Diff([]int{3, 2, 1}, r.order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanErrors(t *testing.T) {
	var r recorder
	errA, errB := errors.New("a"), errors.New("b")
	var cu Cleanup
	cu.Add(r.step(1, errA))
	cu.Add(r.step(2, errB))
	cu.Add(r.step(3, nil))
	if err := cu.Clean(); err != errB {
		t.Errorf("Clean() = %v, want the first error returned, %v", err, errB)
	}
	if diff := cmp.Diff([]int{3, 2, 1}, r.order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	var r recorder
	run := func() func() error {
		cu := Make(r.step(1, nil))
		defer cu.Clean()
		cu.Add(r.step(2, nil))
		return cu.Release()
	}()
	if len(r.order) != 0 {
		t.Fatalf("released cleanups ran: %v", r.order)
	}
	if err := run(); err != nil {
		t.Errorf("released cleanups returned %v", err)
	}
	if diff := cmp.Diff([]int{2, 1}, r.order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}
