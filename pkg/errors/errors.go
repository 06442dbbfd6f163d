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

// Package errors holds the standardized error definition for the SMMU driver.
package errors

import "fmt"

// Status is a coarse classification of a failure, shared by every layer of
// the driver so callers can branch on it without string matching.
type Status uint32

// Status values.
const (
	StatusSuccess Status = iota
	StatusInvalidParameter
	StatusOutOfResources
	StatusTimeout
	StatusNotReady
	StatusUnsupported
	StatusDeviceError
)

var statusNames = [...]string{
	StatusSuccess:          "Success",
	StatusInvalidParameter: "InvalidParameter",
	StatusOutOfResources:   "OutOfResources",
	StatusTimeout:          "Timeout",
	StatusNotReady:         "NotReady",
	StatusUnsupported:      "Unsupported",
	StatusDeviceError:      "DeviceError",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint32(s))
}

// Error represents a status with a descriptive message.
type Error struct {
	status  Status
	message string
}

// New creates a new *Error.
func New(status Status, message string) *Error {
	return &Error{
		status:  status,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Status returns the underlying Status value.
func (e *Error) Status() Status { return e.status }
