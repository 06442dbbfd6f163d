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

//go:build !arm64 && !amd64

package mmio

import "sync/atomic"

var barrierWord atomic.Uint32

// Barrier issues a full memory barrier. Architectures without a dedicated
// implementation fall back to the ordering of a sequentially consistent
// atomic operation.
func Barrier() {
	barrierWord.Add(1)
}
