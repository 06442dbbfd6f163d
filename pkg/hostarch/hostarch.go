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

// Package hostarch contains host arch address operations for user memory.
package hostarch

const (
	// PageShift is the binary log of the translation granule. Only 4K
	// granules are used by the IOMMU page tables.
	PageShift = 12

	// PageSize is the translation granule size.
	PageSize = 1 << PageShift
)

// PageRoundDown returns x rounded down to the nearest page boundary.
func PageRoundDown(x uint64) uint64 {
	return x &^ (PageSize - 1)
}

// PageRoundUp returns x rounded up to the nearest page boundary.
// ok is true iff rounding up did not wrap around.
func PageRoundUp(x uint64) (addr uint64, ok bool) {
	addr = PageRoundDown(x + PageSize - 1)
	ok = addr >= x
	return
}

// MustPageRoundUp is equivalent to PageRoundUp, but panics if rounding up
// overflows.
func MustPageRoundUp(x uint64) uint64 {
	addr, ok := PageRoundUp(x)
	if !ok {
		panic("PageRoundUp overflows")
	}
	return addr
}

// PagesFor returns the number of pages needed to hold n bytes.
func PagesFor(n uint64) uint64 {
	return MustPageRoundUp(n) >> PageShift
}

// IsPageAligned returns true if x is a multiple of the page size.
func IsPageAligned(x uint64) bool {
	return x&(PageSize-1) == 0
}
