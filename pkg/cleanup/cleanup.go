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

// Package cleanup releases partially acquired resources when a multi-step
// setup fails part way.
package cleanup

// Cleanup holds release functions that run in reverse order of registration
// unless the Cleanup is released first. Usage:
//
//	cu := cleanup.Make(func() error { return alloc.FreePages(r) })
//	defer cu.Clean()
//	...
//	cu.Add(func() error { return q.Free(alloc) })
//	...
//	cu.Release() // setup succeeded, keep everything.
//
// The zero value is an empty Cleanup.
type Cleanup struct {
	cleaners []func() error
}

// Make returns a Cleanup holding f.
func Make(f func() error) Cleanup {
	return Cleanup{cleaners: []func() error{f}}
}

// Add registers f to run before every function registered so far.
func (c *Cleanup) Add(f func() error) {
	c.cleaners = append(c.cleaners, f)
}

// Clean runs every registered function, last registered first, and returns
// the first error. All functions run regardless of errors. The Cleanup is
// empty afterwards.
func (c *Cleanup) Clean() error {
	err := run(c.cleaners)
	c.cleaners = nil
	return err
}

// Release empties the Cleanup without running anything. The returned
// function runs what was registered, for callers that hand ownership on.
func (c *Cleanup) Release() func() error {
	old := c.cleaners
	c.cleaners = nil
	return func() error { return run(old) }
}

func run(cleaners []func() error) error {
	var first error
	for i := len(cleaners) - 1; i >= 0; i-- {
		if cleaners[i] == nil {
			continue
		}
		if err := cleaners[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
