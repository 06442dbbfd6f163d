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

// Package iommuerr contains the driver's error values exported as error
// interface pointers, so they can be returned and compared cheaply.
package iommuerr

import (
	goerrors "errors"

	"gvisor.dev/smmu/pkg/errors"
)

// The following errors are the only statuses the driver reports. Call sites
// wrap them with context using fmt.Errorf and %w; use Is or StatusOf to test
// for them.
var (
	InvalidParameter = errors.New(errors.StatusInvalidParameter, "invalid parameter")
	OutOfResources   = errors.New(errors.StatusOutOfResources, "out of resources")
	Timeout          = errors.New(errors.StatusTimeout, "timeout")
	NotReady         = errors.New(errors.StatusNotReady, "not ready")
	Unsupported      = errors.New(errors.StatusUnsupported, "unsupported")
	DeviceError      = errors.New(errors.StatusDeviceError, "device error")
)

// Equals compares a *errors.Error with an error. Two nil values are equal.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	var target *errors.Error
	if !goerrors.As(err, &target) {
		return false
	}
	return e == target
}

// Is reports whether any error in err's chain is want.
func Is(err error, want *errors.Error) bool {
	return goerrors.Is(err, want)
}

// StatusOf returns the status carried by err. A nil error is StatusSuccess;
// an error without a driver status is StatusDeviceError.
func StatusOf(err error) errors.Status {
	if err == nil {
		return errors.StatusSuccess
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Status()
	}
	return errors.StatusDeviceError
}
