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

// Package bits includes all bit related types and operations.
package bits

// Integer is the set of register widths the helpers operate on.
type Integer interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// IsOn returns true if *all* bits set in 'bits' are set in 'mask'.
func IsOn[T Integer](mask, bits T) bool {
	return mask&bits == bits
}

// IsAnyOn returns true if *any* bit set in 'bits' is set in 'mask'.
func IsAnyOn[T Integer](mask, bits T) bool {
	return mask&bits != 0
}

// Mask returns a T with all of the given bits set.
func Mask[T Integer](is ...int) T {
	ret := T(0)
	for _, i := range is {
		ret |= MaskOf[T](i)
	}
	return ret
}

// MaskOf is like Mask, but sets only a single bit (more efficiently).
func MaskOf[T Integer](i int) T {
	return T(1) << T(i)
}

// Field describes a contiguous run of Width bits starting at bit Shift.
type Field struct {
	Shift uint
	Width uint
}

// Mask returns the in-place mask of the field.
func (f Field) Mask() uint64 {
	if f.Width >= 64 {
		return ^uint64(0) << f.Shift
	}
	return ((uint64(1) << f.Width) - 1) << f.Shift
}

// Get extracts the field from v.
func Get[T Integer](v T, f Field) T {
	return T((uint64(v) & f.Mask()) >> f.Shift)
}

// Set returns v with the field replaced by x. Bits of x beyond the field width
// are discarded.
func Set[T Integer](v T, f Field, x T) T {
	m := f.Mask()
	return T((uint64(v) &^ m) | ((uint64(x) << f.Shift) & m))
}
