// Copyright 2021 The gVisor Authors.
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

package iommuerr

import (
	"fmt"
	"testing"

	"gvisor.dev/smmu/pkg/errors"
)

func TestStatusOf(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want errors.Status
	}{
		{"nil", nil, errors.StatusSuccess},
		{"bare", Timeout, errors.StatusTimeout},
		{"wrapped", fmt.Errorf("cmdq: %w", OutOfResources), errors.StatusOutOfResources},
		{"foreign", fmt.Errorf("boom"), errors.StatusDeviceError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := StatusOf(tc.err); got != tc.want {
				t.Errorf("StatusOf(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsAndEquals(t *testing.T) {
	err := fmt.Errorf("poll 0x24: %w", Timeout)
	if !Is(err, Timeout) {
		t.Errorf("Is(%v, Timeout) = false", err)
	}
	if Is(err, NotReady) {
		t.Errorf("Is(%v, NotReady) = true", err)
	}
	if !Equals(Timeout, err) {
		t.Errorf("Equals(Timeout, %v) = false", err)
	}
	if !Equals(nil, nil) {
		t.Errorf("Equals(nil, nil) = false")
	}
	if Equals(InvalidParameter, nil) {
		t.Errorf("Equals(InvalidParameter, nil) = true")
	}
}

func TestStatusString(t *testing.T) {
	if got, want := InvalidParameter.Status().String(), "InvalidParameter"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got, want := errors.Status(99).String(), "Status(99)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
