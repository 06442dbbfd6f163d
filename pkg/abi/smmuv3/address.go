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
	"fmt"

	"gvisor.dev/smmu/pkg/errors/iommuerr"
)

// addressSizes maps the 3-bit physical address size encoding used by
// IDR5.OAS and STE.S2PS to a width in bits.
var addressSizes = [...]uint32{32, 36, 40, 42, 44, 48, 52}

// MaxTranslationBits is the widest input or output address used for stage 2
// with a 4K granule and a 4-level walk.
const MaxTranslationBits = 48

// DecodeAddressSize returns the width in bits of an address size encoding.
func DecodeAddressSize(enc uint32) (uint32, error) {
	if enc >= uint32(len(addressSizes)) {
		return 0, fmt.Errorf("unknown address size encoding %d: %w", enc, iommuerr.InvalidParameter)
	}
	return addressSizes[enc], nil
}

// EncodeAddressSize returns the encoding of an address width in bits.
func EncodeAddressSize(width uint32) (uint32, error) {
	for enc, w := range addressSizes {
		if w == width {
			return uint32(enc), nil
		}
	}
	return 0, fmt.Errorf("address width %d has no encoding: %w", width, iommuerr.InvalidParameter)
}
