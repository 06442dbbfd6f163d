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

package smmu

import "fmt"

// State is the lifecycle state of a Device.
type State int

// Device states. A Device moves forward through Disabled, Configured and
// Enabled, may then enter Bypassing, and ends in Deinitialized from any
// state.
const (
	Uninitialized State = iota
	Disabled
	Configured
	Enabled
	Bypassing
	Deinitialized
)

var stateNames = [...]string{
	Uninitialized: "Uninitialized",
	Disabled:      "Disabled",
	Configured:    "Configured",
	Enabled:       "Enabled",
	Bypassing:     "Bypassing",
	Deinitialized: "Deinitialized",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}
